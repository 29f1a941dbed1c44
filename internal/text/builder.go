// Package text assembles the text upload payload: the 14-byte metadata
// block followed by the glyph stream, branched on the device's resolved
// text path. Glyph bitmaps outside the embedded font come from an
// injected rasteriser; this package never rasterises itself.
package text

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chaz8081/idmctl/internal/profile"
)

// MetadataLen is the size of the leading metadata block.
const MetadataLen = 14

// maxCharacters bounds the big-endian character count field.
const maxCharacters = 0xFFFF

// ErrEmptyText is returned for a text upload with no characters.
var ErrEmptyText = errors.New("text: upload cannot be empty")

// UnresolvedPathError reports a build against a profile whose text path
// was never resolved.
type UnresolvedPathError struct {
	LedType profile.LedType
}

func (e *UnresolvedPathError) Error() string {
	return fmt.Sprintf("text: no encoder path for led type %v", e.LedType)
}

// TooManyCharactersError reports a text that overflows the metadata
// character count.
type TooManyCharactersError struct {
	Count int
}

func (e *TooManyCharactersError) Error() string {
	return fmt.Sprintf("text: %d characters exceeds the protocol maximum %d", e.Count, maxCharacters)
}

// Rasterizer renders one character into a packed 1-bit bitmap of the
// requested grid: row-major, eight pixels per byte, first pixel at the
// least significant bit.
type Rasterizer interface {
	Glyph(r rune, width, height int) ([]byte, error)
}

// RGB is a colour triple.
type RGB struct {
	R, G, B byte
}

// Options are the text rendering options carried in the metadata block.
type Options struct {
	Mode       byte
	Speed      byte
	ColourMode byte
	Colour     RGB
	Background byte
	BgColour   RGB
	// FontSize selects the glyph grid on the 32x32 and 64x64 paths: 16 or
	// 32 on 32x32, 16, 32 or 64 on 64x64; anything else encodes as 16.
	FontSize int
}

// DefaultOptions returns the vendor app's defaults: static white text on
// black at medium speed.
func DefaultOptions() Options {
	return Options{
		Mode:       0x00,
		Speed:      0x20,
		ColourMode: 0x01,
		Colour:     RGB{0xFF, 0xFF, 0xFF},
		FontSize:   16,
	}
}

// Builder assembles text payloads using an injected rasteriser.
type Builder struct {
	ras Rasterizer
}

// NewBuilder creates a text payload builder.
func NewBuilder(ras Rasterizer) *Builder {
	return &Builder{ras: ras}
}

// Build assembles metadata plus glyph stream for a regular or timer text
// upload. The 8x32 mode increment applies here.
func (b *Builder) Build(s string, opts Options, p profile.Profile) ([]byte, error) {
	return b.build(s, opts, p, true)
}

// BuildSchedule assembles a schedule-text payload. Schedule text skips
// the 8x32 mode increment.
func (b *Builder) BuildSchedule(s string, opts Options, p profile.Profile) ([]byte, error) {
	return b.build(s, opts, p, false)
}

func (b *Builder) build(s string, opts Options, p profile.Profile, modeQuirk bool) ([]byte, error) {
	if p.TextPath == profile.PathUnresolved {
		return nil, &UnresolvedPathError{LedType: p.LedType}
	}

	metadata, err := encodeMetadata(s, opts, p, modeQuirk)
	if err != nil {
		return nil, err
	}
	glyphs, err := b.encodeGlyphStream(s, opts, p.TextPath)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, len(metadata)+len(glyphs))
	payload = append(payload, metadata[:]...)
	return append(payload, glyphs...), nil
}

func encodeMetadata(s string, opts Options, p profile.Profile, modeQuirk bool) ([MetadataLen]byte, error) {
	var metadata [MetadataLen]byte
	count := 0
	for range s {
		count++
	}
	if count == 0 {
		return metadata, ErrEmptyText
	}
	if count > maxCharacters {
		return metadata, &TooManyCharactersError{Count: count}
	}

	// Character count is the one big-endian field in the protocol.
	binary.BigEndian.PutUint16(metadata[0:2], uint16(count))
	flag1, flag2 := resolutionFlags(p.TextPath)
	metadata[2] = flag1
	metadata[3] = flag2
	metadata[4] = adjustedMode(opts.Mode, p.LedType, modeQuirk)
	metadata[5] = opts.Speed
	metadata[6] = opts.ColourMode
	colour := guardColour(opts.Colour)
	metadata[7] = colour.R
	metadata[8] = colour.G
	metadata[9] = colour.B
	metadata[10] = opts.Background
	metadata[11] = opts.BgColour.R
	metadata[12] = opts.BgColour.G
	metadata[13] = opts.BgColour.B
	return metadata, nil
}

func resolutionFlags(path profile.TextPath) (byte, byte) {
	switch path {
	case profile.Path832, profile.Path1664:
		return 0x00, 0x01
	default:
		return 0x01, 0x01
	}
}

// adjustedMode applies the 8x32 firmware quirk: those panels interpret
// the mode byte off by one.
func adjustedMode(mode byte, led profile.LedType, quirk bool) byte {
	if quirk && led == profile.LedType8x32 && mode < 0xFF {
		return mode + 1
	}
	return mode
}

// guardColour keeps the text visible on firmware that treats an all-black
// foreground as transparent: when red and green are both zero, blue is
// clamped to at least one.
func guardColour(c RGB) RGB {
	if c.R == 0x00 && c.G == 0x00 && c.B == 0x00 {
		c.B = 0x01
	}
	return c
}

func (b *Builder) encodeGlyphStream(s string, opts Options, path profile.TextPath) ([]byte, error) {
	var stream []byte
	for _, r := range s {
		glyph, err := b.encodeGlyph(r, opts, path)
		if err != nil {
			return nil, err
		}
		stream = append(stream, glyph...)
	}
	return stream, nil
}

// glyphSpec describes one per-path glyph encoding: a type tag and the
// bitmap grid behind it.
type glyphSpec struct {
	tag    byte
	width  int
	height int
}

func (b *Builder) encodeGlyph(r rune, opts Options, path profile.TextPath) ([]byte, error) {
	if path == profile.Path832 {
		return b.encode832Glyph(r)
	}

	narrow, wide := pathGlyphSpecs(path, normalisedFontSize(opts.FontSize))
	spec := narrow
	if isWideChar(r) {
		spec = wide
	}
	bitmap, err := b.ras.Glyph(r, spec.width, spec.height)
	if err != nil {
		return nil, err
	}
	glyph := make([]byte, 0, 4+len(bitmap))
	glyph = append(glyph, spec.tag, 0xFF, 0xFF, 0xFF)
	return append(glyph, bitmap...), nil
}

// encode832Glyph handles the 8x32 path's three-way branch: the embedded
// font byte-exact under tag 0x04, wide characters on a 16-wide 12-high
// grid under tag 0x01, and everything else rasterised compact to 8x8
// under tag 0x00.
func (b *Builder) encode832Glyph(r rune) ([]byte, error) {
	if bitmap, ok := Font8x8(r); ok {
		glyph := make([]byte, 0, 4+8)
		glyph = append(glyph, 0x04, 0xFF, 0xFF, 0xFF)
		return append(glyph, bitmap[:]...), nil
	}

	if isWideChar(r) {
		bitmap, err := b.ras.Glyph(r, 16, 12)
		if err != nil {
			return nil, err
		}
		glyph := make([]byte, 0, 4+len(bitmap))
		glyph = append(glyph, 0x01, 0x00, 0x00, 0x00)
		return append(glyph, bitmap...), nil
	}

	bitmap, err := b.ras.Glyph(r, 8, 8)
	if err != nil {
		return nil, err
	}
	glyph := make([]byte, 0, 4+len(bitmap))
	glyph = append(glyph, 0x00, 0x00, 0x00, 0x00)
	return append(glyph, bitmap...), nil
}

func pathGlyphSpecs(path profile.TextPath, fontSize int) (narrow, wide glyphSpec) {
	size16 := [2]glyphSpec{{0x02, 8, 16}, {0x03, 16, 16}}
	size32 := [2]glyphSpec{{0x05, 16, 32}, {0x06, 32, 32}}
	size64 := [2]glyphSpec{{0x07, 32, 64}, {0x08, 64, 64}}

	specs := size16
	switch path {
	case profile.Path3232:
		if fontSize == 32 {
			specs = size32
		}
	case profile.Path6464:
		switch fontSize {
		case 64:
			specs = size64
		case 32:
			specs = size32
		}
	}
	return specs[0], specs[1]
}

func normalisedFontSize(fontSize int) int {
	switch fontSize {
	case 32, 64:
		return fontSize
	default:
		return 16
	}
}

// isWideChar classifies CJK, Japanese and Korean characters, which render
// on the square grid. The full range set is used for every text kind,
// including schedule text.
func isWideChar(r rune) bool {
	switch {
	case r >= 0x1100 && r <= 0x11FF, // Hangul Jamo
		r >= 0x2E80 && r <= 0x2FFF, // CJK radicals
		r >= 0x3000 && r <= 0x30FF, // CJK punctuation, kana
		r >= 0x3130 && r <= 0x318F, // Hangul compatibility Jamo
		r >= 0x31A0 && r <= 0x31BF,
		r >= 0x31F0 && r <= 0x31FF,
		r >= 0x3400 && r <= 0x4DBF, // CJK extension A
		r >= 0x4E00 && r <= 0x9FFF, // CJK unified
		r >= 0xA960 && r <= 0xA97F,
		r >= 0xAC00 && r <= 0xD7AF, // Hangul syllables
		r >= 0xF900 && r <= 0xFAFF, // CJK compatibility
		r >= 0xFE30 && r <= 0xFE4F,
		r >= 0xFF00 && r <= 0xFFEF: // full-width forms
		return true
	default:
		return false
	}
}
