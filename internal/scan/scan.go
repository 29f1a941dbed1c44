// Package scan parses iDotMatrix identity fields out of raw BLE
// advertisement payloads. Parsing never fails loudly: advertisements from
// other vendors simply yield no identity.
package scan

import "encoding/binary"

// The two accepted manufacturer signatures, "TR\0p" and "TR\0q".
var (
	signatureP = [4]byte{0x54, 0x52, 0x00, 0x70}
	signatureQ = [4]byte{0x54, 0x52, 0x00, 0x71}
)

const adTypeManufacturerSpecific = 0xFF

// Vendor scanners reject AD records longer than a legacy advertisement can
// carry; matching that keeps identity parsing byte-compatible.
const maxADRecordLen = 31

// Identity is the parsed device identity from a manufacturer AD record.
//
// LampCount and LampNum are pointers because CoreBluetooth-style backends
// truncate the manufacturer payload after the PID: an absent field is
// unknown, not zero.
type Identity struct {
	Signature [4]byte
	Shape     int8
	GroupID   byte
	DeviceID  byte
	Reverse   bool
	CID       byte
	PID       byte
	// VersionMarker distinguishes the two accepted signature variants:
	// 0 for TR\0p, 1 for TR\0q.
	VersionMarker byte
	LampCount     *uint16
	LampNum       *uint16
}

// ParseIdentity walks an AD-TLV stream and extracts the identity from the
// first matching manufacturer record. A direct manufacturer payload (with
// or without the leading AD type byte) is also accepted, which covers
// backends that strip TLV framing before handing records over.
//
// Returns the identity, the matched manufacturer payload for diagnostics,
// and whether a match was found. A record length above 31 rejects the
// whole advertisement.
func ParseIdentity(raw []byte) (Identity, []byte, bool) {
	if id, ok := parseManufacturerPayload(raw); ok {
		return id, raw, true
	}

	index := 0
	for index < len(raw) {
		recordLen := int(raw[index])
		if recordLen == 0 {
			index++
			continue
		}
		if recordLen > maxADRecordLen {
			return Identity{}, nil, false
		}
		start := index + 1
		end := start + recordLen
		if end > len(raw) {
			return Identity{}, nil, false
		}
		body := raw[start:end]
		if id, ok := parseManufacturerPayload(body); ok {
			return id, body, true
		}
		index = end
	}
	return Identity{}, nil, false
}

// parseManufacturerPayload tries both accepted layouts: the full record
// body starting with AD type 0xFF, and the bare payload starting at the
// signature.
func parseManufacturerPayload(payload []byte) (Identity, bool) {
	if len(payload) >= 1 && payload[0] == adTypeManufacturerSpecific {
		if id, ok := parseFields(payload, 1); ok {
			return id, true
		}
	}
	return parseFields(payload, 0)
}

// parseFields extracts identity fields with the signature at base. Shape,
// CID and PID must be present; the lamp fields are optional.
func parseFields(payload []byte, base int) (Identity, bool) {
	// Signature (4) through PID: ten mandatory bytes from the signature
	// start.
	if len(payload) < base+10 {
		return Identity{}, false
	}
	var sig [4]byte
	copy(sig[:], payload[base:base+4])
	if sig != signatureP && sig != signatureQ {
		return Identity{}, false
	}

	id := Identity{
		Signature: sig,
		Shape:     int8(payload[base+4]),
		GroupID:   payload[base+5],
		DeviceID:  payload[base+6],
		Reverse:   payload[base+7] != 0x00,
		CID:       payload[base+8],
		PID:       payload[base+9],
	}
	if sig == signatureQ {
		id.VersionMarker = 1
	}
	if len(payload) >= base+12 {
		count := binary.LittleEndian.Uint16(payload[base+10 : base+12])
		id.LampCount = &count
	}
	if len(payload) >= base+14 {
		num := binary.LittleEndian.Uint16(payload[base+12 : base+14])
		id.LampNum = &num
	}
	return id, true
}

// AppendRecord re-encodes an identity as a manufacturer AD record (length
// byte included), the inverse of ParseIdentity for round-trip checks and
// test fixtures.
func AppendRecord(dst []byte, id Identity) []byte {
	body := make([]byte, 0, 15)
	body = append(body, adTypeManufacturerSpecific)
	body = append(body, id.Signature[:]...)
	body = append(body, byte(id.Shape), id.GroupID, id.DeviceID)
	if id.Reverse {
		body = append(body, 0x01)
	} else {
		body = append(body, 0x00)
	}
	body = append(body, id.CID, id.PID)
	if id.LampCount != nil {
		body = binary.LittleEndian.AppendUint16(body, *id.LampCount)
		if id.LampNum != nil {
			body = binary.LittleEndian.AppendUint16(body, *id.LampNum)
		}
	}
	dst = append(dst, byte(len(body)))
	return append(dst, body...)
}
