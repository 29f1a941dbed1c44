// Package media prepares image payloads for upload: GIF validation
// against the resolved panel geometry and resizing of static images into
// raw RGB frames for the DIY path.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"

	// Static images arrive as PNG or JPEG files.
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// DimensionsError reports a payload whose geometry does not match the
// device panel.
type DimensionsError struct {
	Width       int
	Height      int
	PanelWidth  int
	PanelHeight int
}

func (e *DimensionsError) Error() string {
	return fmt.Sprintf("media: payload is %dx%d but the panel is %dx%d",
		e.Width, e.Height, e.PanelWidth, e.PanelHeight)
}

// ValidateGif checks that raw GIF bytes decode and match the panel.
// Frames are never decoded; only the logical screen descriptor is read.
func ValidateGif(raw []byte, panelWidth, panelHeight int) error {
	cfg, err := gif.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("media: decoding gif header: %w", err)
	}
	if cfg.Width != panelWidth || cfg.Height != panelHeight {
		return &DimensionsError{
			Width:       cfg.Width,
			Height:      cfg.Height,
			PanelWidth:  panelWidth,
			PanelHeight: panelHeight,
		}
	}
	return nil
}

// DecodeImage decodes PNG/JPEG/GIF bytes into an image.
func DecodeImage(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("media: decoding image: %w", err)
	}
	return img, nil
}

// ResizeToPanel scales an image onto the panel grid with Catmull-Rom
// resampling.
func ResizeToPanel(img image.Image, panelWidth, panelHeight int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, panelWidth, panelHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// RGB888Frame flattens an image into the DIY raw frame layout: row-major
// RGB triples, top-left first.
func RGB888Frame(img image.Image) []byte {
	bounds := img.Bounds()
	out := make([]byte, 0, bounds.Dx()*bounds.Dy()*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out = append(out, byte(r>>8), byte(g>>8), byte(b>>8))
		}
	}
	return out
}

// DiyFrame decodes, resizes and flattens an image file into a DIY frame
// for the given panel.
func DiyFrame(raw []byte, panelWidth, panelHeight int) ([]byte, error) {
	img, err := DecodeImage(raw)
	if err != nil {
		return nil, err
	}
	return RGB888Frame(ResizeToPanel(img, panelWidth, panelHeight)), nil
}
