// Package profile resolves a scanned device identity into the routing
// decisions the rest of the protocol engine branches on: LED type, panel
// size, text encoder path and joint mode.
package profile

import (
	"fmt"

	"github.com/chaz8081/idmctl/internal/proto"
	"github.com/chaz8081/idmctl/internal/scan"
)

// LedType is the resolved screen type byte. Zero means unresolved.
type LedType byte

const (
	LedTypeUnresolved LedType = 0
	LedType16x16      LedType = 1
	LedType8x32       LedType = 2
	LedType32x32      LedType = 3
	LedType64x64      LedType = 4
	LedType24x48      LedType = 6
	LedType16x32      LedType = 7
	LedType16x64      LedType = 11
)

// Known reports whether the byte is a supported LED type.
func (t LedType) Known() bool {
	switch t {
	case LedType16x16, LedType8x32, LedType32x32, LedType64x64, LedType24x48, LedType16x32, LedType16x64:
		return true
	default:
		return false
	}
}

func (t LedType) String() string {
	w, h, ok := t.PanelSize()
	if !ok {
		return fmt.Sprintf("led_type(%d)", byte(t))
	}
	return fmt.Sprintf("%dx%d", w, h)
}

// PanelSize returns the panel dimensions in pixels.
func (t LedType) PanelSize() (width, height int, ok bool) {
	switch t {
	case LedType16x16:
		return 16, 16, true
	case LedType8x32:
		return 8, 32, true
	case LedType32x32:
		return 32, 32, true
	case LedType64x64:
		return 64, 64, true
	case LedType24x48:
		return 24, 48, true
	case LedType16x32:
		return 16, 32, true
	case LedType16x64:
		return 16, 64, true
	default:
		return 0, 0, false
	}
}

// TextPath selects the text encoder branch for a resolved LED type.
type TextPath int

const (
	PathUnresolved TextPath = iota
	Path832
	Path1616
	Path3232
	Path6464
	Path1664
)

func (p TextPath) String() string {
	switch p {
	case Path832:
		return "path_8x32"
	case Path1616:
		return "path_16x16"
	case Path3232:
		return "path_32x32"
	case Path6464:
		return "path_64x64"
	case Path1664:
		return "path_16x64"
	default:
		return "path_unresolved"
	}
}

// textPathFor maps LED types onto encoder paths. 24x48 and 16x32 panels
// reuse the 16x16 path.
func textPathFor(t LedType) TextPath {
	switch t {
	case LedType8x32:
		return Path832
	case LedType16x16, LedType24x48, LedType16x32:
		return Path1616
	case LedType32x32:
		return Path3232
	case LedType64x64:
		return Path6464
	case LedType16x64:
		return Path1664
	default:
		return PathUnresolved
	}
}

// jointModeFor maps LED types onto the canonical joint-mode byte. The
// vendor app sends the raw LED type here, which is wrong on every panel
// where the two diverge; the canonical 1/2/5/6 mapping is used instead.
// Zero means the type has no joint mode.
func jointModeFor(t LedType) byte {
	switch t {
	case LedType16x16:
		return 1
	case LedType8x32:
		return 2
	case LedType32x32:
		return 5
	case LedType16x64:
		return 6
	default:
		return 0
	}
}

// AmbiguousShape is one of the shape bytes that cannot be resolved without
// a user-selected LED type.
type AmbiguousShape byte

const (
	Shape81 AmbiguousShape = 0x81
	Shape82 AmbiguousShape = 0x82
	Shape83 AmbiguousShape = 0x83
)

func (s AmbiguousShape) String() string {
	return fmt.Sprintf("0x%02X", byte(s))
}

// ambiguousShapeFor maps the signed shape byte onto its ambiguous marker.
func ambiguousShapeFor(shape int8) (AmbiguousShape, bool) {
	switch byte(shape) {
	case 0x81:
		return Shape81, true
	case 0x82:
		return Shape82, true
	case 0x83:
		return Shape83, true
	default:
		return 0, false
	}
}

// AmbiguousShapeError reports a shape that needs an explicit LED-type
// choice. The resolver never guesses one.
type AmbiguousShapeError struct {
	Shape AmbiguousShape
}

func (e *AmbiguousShapeError) Error() string {
	return fmt.Sprintf("profile: ambiguous shape %s requires a persisted or explicit led-type selection", e.Shape)
}

// UnknownShapeError reports a shape byte outside every known mapping.
type UnknownShapeError struct {
	Shape int8
}

func (e *UnknownShapeError) Error() string {
	return fmt.Sprintf("profile: unknown shape byte %d", e.Shape)
}

// Profile is the resolved routing profile for one device. Once built it is
// immutable for the session.
type Profile struct {
	LedType     LedType
	PanelWidth  int
	PanelHeight int
	TextPath    TextPath
	// JointMode is the canonical joint-mode byte, or zero when the panel
	// topology needs no joint frame.
	JointMode byte
	// JointModeRequired is set when the device advertised an ambiguous
	// shape and the joint frame must be sent after connecting.
	JointModeRequired bool
	CID               byte
	PID               byte
	Reverse           bool
}

// Resolve derives the routing profile for a scanned identity.
//
// Resolution order: a directly mapped shape byte wins; ambiguous shapes
// consult the caller-supplied override (zero means none persisted) and
// fail with AmbiguousShapeError when there is neither an override nor a
// valid LED-info screen type; unknown shapes fall back to
// the CID/PID capability table; a valid LED-info screen type overrides the
// provisional choice last.
func Resolve(id scan.Identity, override LedType, ledInfo *proto.LedInfo) (Profile, error) {
	var resolved LedType
	requiresSelection := false

	if t := LedType(byte(id.Shape)); id.Shape > 0 && t.Known() {
		resolved = t
	} else if ambiguous, ok := ambiguousShapeFor(id.Shape); ok {
		requiresSelection = true
		if override.Known() {
			resolved = override
		} else if ledInfo == nil || !LedType(ledInfo.ScreenType).Known() {
			return Profile{}, &AmbiguousShapeError{Shape: ambiguous}
		}
	} else if family, ok := scan.Capability(id); ok {
		if family.RequiresSelection() {
			requiresSelection = true
			if override.Known() {
				resolved = override
			} else if ledInfo == nil || !LedType(ledInfo.ScreenType).Known() {
				return Profile{}, &AmbiguousShapeError{Shape: AmbiguousShape(byte(id.Shape))}
			}
		} else {
			resolved = LedType(family.LedType())
		}
	} else {
		return Profile{}, &UnknownShapeError{Shape: id.Shape}
	}

	// The post-connect LED-info query is the device's own statement of its
	// screen type and overrides everything provisional.
	if ledInfo != nil {
		if t := LedType(ledInfo.ScreenType); t.Known() {
			resolved = t
		}
	}

	return buildProfile(resolved, requiresSelection, id)
}

// ResolveWithoutIdentity builds a profile from an LED-info response or an
// explicit selection alone, for backends that expose no advertisement
// payload.
func ResolveWithoutIdentity(override LedType, ledInfo *proto.LedInfo) (Profile, bool) {
	resolved := LedTypeUnresolved
	if ledInfo != nil && LedType(ledInfo.ScreenType).Known() {
		resolved = LedType(ledInfo.ScreenType)
	} else if override.Known() {
		resolved = override
	} else {
		return Profile{}, false
	}
	p, err := buildProfile(resolved, false, scan.Identity{})
	if err != nil {
		return Profile{}, false
	}
	return p, true
}

func buildProfile(resolved LedType, requiresSelection bool, id scan.Identity) (Profile, error) {
	width, height, ok := resolved.PanelSize()
	if !ok {
		return Profile{}, &UnknownShapeError{Shape: id.Shape}
	}
	p := Profile{
		LedType:           resolved,
		PanelWidth:        width,
		PanelHeight:       height,
		TextPath:          textPathFor(resolved),
		JointModeRequired: requiresSelection,
		CID:               id.CID,
		PID:               id.PID,
		Reverse:           id.Reverse,
	}
	if requiresSelection {
		p.JointMode = jointModeFor(resolved)
	}
	return p, nil
}
