package scan

// CapabilityFamily groups CID/PID model families that share a fixed panel,
// or that ship in several panel variants and need an explicit LED-type
// selection.
type CapabilityFamily int

const (
	Fixed16x16 CapabilityFamily = iota
	Fixed8x32
	Fixed16x32
	Fixed24x48
	Fixed32x32
	Fixed64x64
	AmbiguousOnePlusThree
	AmbiguousOnePlusFifteen
)

// LedType returns the LED type for fixed families, or 0 for ambiguous ones.
func (f CapabilityFamily) LedType() byte {
	switch f {
	case Fixed16x16:
		return 1
	case Fixed8x32:
		return 2
	case Fixed16x32:
		return 7
	case Fixed24x48:
		return 6
	case Fixed32x32:
		return 3
	case Fixed64x64:
		return 4
	default:
		return 0
	}
}

// RequiresSelection reports whether the family needs a user-selected LED
// type, like the ambiguous shape bytes do.
func (f CapabilityFamily) RequiresSelection() bool {
	return f == AmbiguousOnePlusThree || f == AmbiguousOnePlusFifteen
}

type capabilityKey struct {
	cid byte
	pid byte
}

// Known CID/PID model groups observed in vendor firmware dumps. The table
// is consulted only when the shape byte resolves nothing.
var capabilityTable = map[capabilityKey]CapabilityFamily{
	// 16x16
	{cid: 1, pid: 3}:  Fixed16x16,
	{cid: 1, pid: 19}: Fixed16x16,
	{cid: 2, pid: 3}:  Fixed16x16,
	{cid: 4, pid: 3}:  Fixed16x16,
	{cid: 5, pid: 1}:  Fixed16x16,
	{cid: 5, pid: 2}:  Fixed16x16,
	{cid: 6, pid: 1}:  Fixed16x16,
	// 32x32
	{cid: 1, pid: 4}:  Fixed32x32,
	{cid: 1, pid: 20}: Fixed32x32,
	{cid: 2, pid: 4}:  Fixed32x32,
	{cid: 3, pid: 2}:  Fixed32x32,
	{cid: 4, pid: 4}:  Fixed32x32,
	// 64x64
	{cid: 1, pid: 5}: Fixed64x64,
	{cid: 4, pid: 7}: Fixed64x64,
	// 8x32
	{cid: 1, pid: 6}:  Fixed8x32,
	{cid: 1, pid: 25}: Fixed8x32,
	// 16x32
	{cid: 1, pid: 21}: Fixed16x32,
	// 24x48
	{cid: 1, pid: 22}: Fixed24x48,
	// 1+3 families (ambiguous)
	{cid: 1, pid: 1}: AmbiguousOnePlusThree,
	{cid: 3, pid: 1}: AmbiguousOnePlusThree,
	{cid: 4, pid: 1}: AmbiguousOnePlusThree,
	{cid: 1, pid: 7}: AmbiguousOnePlusThree,
	{cid: 4, pid: 5}: AmbiguousOnePlusThree,
	// 1+15 families (ambiguous)
	{cid: 1, pid: 2}: AmbiguousOnePlusFifteen,
	{cid: 4, pid: 2}: AmbiguousOnePlusFifteen,
	{cid: 1, pid: 8}: AmbiguousOnePlusFifteen,
	{cid: 4, pid: 6}: AmbiguousOnePlusFifteen,
}

// Capability looks up the CID/PID model family for an identity.
func Capability(id Identity) (CapabilityFamily, bool) {
	family, ok := capabilityTable[capabilityKey{cid: id.CID, pid: id.PID}]
	return family, ok
}
