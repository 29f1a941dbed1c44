// Package raster provides glyph rasterisers for the text payload builder:
// a nearest-neighbour scaler over the embedded 8x8 vendor font and a
// bitmap-font renderer on golang.org/x/image for characters the embedded
// table misses.
package raster

import (
	"image"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/chaz8081/idmctl/internal/text"
)

// FontScaler rasterises by nearest-neighbour scaling the embedded 8x8
// font onto the requested grid. Characters missing from the table fall
// back to '?'.
type FontScaler struct{}

// Glyph renders one character onto a width x height grid, packed
// row-major with the first pixel at the least significant bit.
func (FontScaler) Glyph(r rune, width, height int) ([]byte, error) {
	source, ok := text.Font8x8(r)
	if !ok {
		source, _ = text.Font8x8('?')
	}

	bitmap := make([]byte, (width*height+7)/8)
	for y := 0; y < height; y++ {
		row := source[y*8/height]
		for x := 0; x < width; x++ {
			if (row>>(x*8/width))&0x01 == 0 {
				continue
			}
			bit := y*width + x
			bitmap[bit/8] |= 1 << (bit % 8)
		}
	}
	return bitmap, nil
}

var _ text.Rasterizer = FontScaler{}

// BasicFont rasterises through the x/image 7x13 bitmap face, then scales
// the coverage mask onto the requested grid. It widens coverage beyond
// the embedded table without pulling in a full font stack.
type BasicFont struct{}

func (BasicFont) Glyph(r rune, width, height int) ([]byte, error) {
	face := basicfont.Face7x13
	bounds := image.Rect(0, 0, face.Width, face.Height)
	mask := image.NewAlpha(bounds)
	drawer := font.Drawer{
		Dst:  mask,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	drawer.DrawString(string(r))

	bitmap := make([]byte, (width*height+7)/8)
	for y := 0; y < height; y++ {
		sourceY := y * face.Height / height
		for x := 0; x < width; x++ {
			sourceX := x * face.Width / width
			if mask.AlphaAt(sourceX, sourceY).A < 0x80 {
				continue
			}
			bit := y*width + x
			bitmap[bit/8] |= 1 << (bit % 8)
		}
	}
	return bitmap, nil
}

var _ text.Rasterizer = BasicFont{}

// Fallback chains rasterisers: the embedded-font scaler for characters
// the vendor table covers, the wider face for the rest.
type Fallback struct {
	scaler FontScaler
	basic  BasicFont
}

// NewFallback creates the default rasteriser chain.
func NewFallback() Fallback {
	return Fallback{}
}

func (f Fallback) Glyph(r rune, width, height int) ([]byte, error) {
	if _, ok := text.Font8x8(r); ok {
		return f.scaler.Glyph(r, width, height)
	}
	return f.basic.Glyph(r, width, height)
}

var _ text.Rasterizer = Fallback{}
