package display

import (
	"image"
	"image/color"
)

// BGRA is a draw.Image over a packed BGRA8888 buffer, the layout the
// display plane scans out. It lets x/image draw text straight into a slot.
type BGRA struct {
	Pix    []byte
	Width  int
	Height int
}

// NewBGRA wraps pix, which must hold at least w*h*4 bytes.
func NewBGRA(pix []byte, w, h int) *BGRA {
	return &BGRA{Pix: pix[:w*h*4], Width: w, Height: h}
}

func (b *BGRA) ColorModel() color.Model { return color.RGBAModel }

func (b *BGRA) Bounds() image.Rectangle { return image.Rect(0, 0, b.Width, b.Height) }

func (b *BGRA) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(b.Bounds())) {
		return color.RGBA{}
	}
	p := b.Pix[(y*b.Width+x)*4:]
	return color.RGBA{R: p[2], G: p[1], B: p[0], A: p[3]}
}

func (b *BGRA) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(b.Bounds())) {
		return
	}
	r, g, bl, a := c.RGBA()
	p := b.Pix[(y*b.Width+x)*4:]
	p[0], p[1], p[2], p[3] = uint8(bl>>8), uint8(g>>8), uint8(r>>8), uint8(a>>8)
}

// FillRect paints an opaque rectangle, clipped to the image.
func (b *BGRA) FillRect(r image.Rectangle, c color.RGBA) {
	r = r.Intersect(b.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := b.Pix[(y*b.Width+r.Min.X)*4 : (y*b.Width+r.Max.X)*4]
		for i := 0; i < len(row); i += 4 {
			row[i], row[i+1], row[i+2], row[i+3] = c.B, c.G, c.R, 255
		}
	}
}

// StrokeRect draws a rectangle outline of the given thickness inside r.
func (b *BGRA) StrokeRect(r image.Rectangle, thickness int, c color.RGBA) {
	if thickness < 1 {
		thickness = 1
	}
	b.FillRect(image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness), c)
	b.FillRect(image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y), c)
	b.FillRect(image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y), c)
	b.FillRect(image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y), c)
}

// RGBA copies the buffer into a standard image.
func (b *BGRA) RGBA() *image.RGBA {
	img := image.NewRGBA(b.Bounds())
	for i := 0; i+3 < len(b.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = b.Pix[i+2], b.Pix[i+1], b.Pix[i], b.Pix[i+3]
	}
	return img
}
