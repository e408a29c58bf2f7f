package display

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

// Overlay is what gets drawn on top of a frame.
type Overlay struct {
	Detections []detect.Detection
	// Source size the detection boxes refer to. Zero means frame size.
	SourceWidth, SourceHeight int
	FPS                       float64
	ShowFPS                   bool
}

var (
	boxColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	textColor  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	labelBg    = color.RGBA{A: 255}
	labelColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
)

// Compositor converts a slot to BGRA in place and draws the overlay. The
// slot must have been sized for BGRA8888.
type Compositor struct {
	BoxThickness int
	face         font.Face
	scratch      []byte
}

// NewCompositor creates a compositor using the 7x13 bitmap font.
func NewCompositor() *Compositor {
	return &Compositor{BoxThickness: 3, face: basicfont.Face7x13}
}

// Compose implements the display stage's convert-and-draw step.
func (c *Compositor) Compose(ctx context.Context, slot *frame.Slot, ov Overlay) error {
	w, h := slot.Width, slot.Height
	if w <= 0 || h <= 0 {
		return fmt.Errorf("display: frame #%d has no geometry", slot.Seq)
	}
	if slot.Capacity() < w*h*4 {
		return fmt.Errorf("display: slot capacity %d too small for %dx%d BGRA", slot.Capacity(), w, h)
	}

	if slot.Format != frame.FormatBGRA8888 {
		n := slot.Size
		if cap(c.scratch) < n {
			c.scratch = make([]byte, n)
		}
		src := c.scratch[:n]
		copy(src, slot.Data[:n])
		if err := ToBGRA(slot.Data, src, slot.Format, w, h); err != nil {
			return err
		}
		slot.Format = frame.FormatBGRA8888
		slot.Size = w * h * 4
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	img := NewBGRA(slot.Data, w, h)
	sx, sy := 1.0, 1.0
	if ov.SourceWidth > 0 && ov.SourceHeight > 0 {
		sx = float64(w) / float64(ov.SourceWidth)
		sy = float64(h) / float64(ov.SourceHeight)
	}
	for _, d := range ov.Detections {
		r := image.Rect(
			int(float64(d.BBox.X)*sx), int(float64(d.BBox.Y)*sy),
			int(float64(d.BBox.Right())*sx), int(float64(d.BBox.Bottom())*sy),
		)
		img.StrokeRect(r, c.BoxThickness, boxColor)
		c.label(img, r, fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence))
	}
	if ov.ShowFPS {
		c.text(img, image.Pt(10, 10), fmt.Sprintf("FPS: %.1f", ov.FPS), textColor)
	}
	return nil
}

// label places text above the box, or below it when there is no room.
func (c *Compositor) label(img *BGRA, box image.Rectangle, s string) {
	lh := c.face.Metrics().Height.Ceil() + 4
	at := image.Pt(box.Min.X, box.Min.Y-lh)
	if at.Y < 0 {
		at.Y = box.Max.Y
	}
	c.text(img, at, s, labelColor)
}

// text draws s on a black background with its top-left corner at p.
func (c *Compositor) text(img *BGRA, p image.Point, s string, col color.RGBA) {
	m := c.face.Metrics()
	width := font.MeasureString(c.face, s).Ceil()
	img.FillRect(image.Rect(p.X, p.Y, p.X+width+4, p.Y+m.Height.Ceil()+4), labelBg)

	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: c.face,
		Dot:  fixed.P(p.X+2, p.Y+2+m.Ascent.Ceil()),
	}
	d.DrawString(s)
}
