package stream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

// MJPEGEncoder turns raw frames into JPEG images, optionally scaled down,
// and hands them to its sinks.
type MJPEGEncoder struct {
	quality  int
	maxWidth int
	sinks    []Sink
	counters counters

	bgra []byte
	buf  bytes.Buffer
}

// NewMJPEGEncoder creates an encoder. maxWidth of zero keeps the input size.
func NewMJPEGEncoder(quality, maxWidth int, sinks ...Sink) *MJPEGEncoder {
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	return &MJPEGEncoder{quality: quality, maxWidth: maxWidth, sinks: sinks}
}

// EncodeAndSend implements the encode stage's collaborator.
func (e *MJPEGEncoder) EncodeAndSend(ctx context.Context, data []byte, w, h int, format frame.Format, meta types.EncodedFrame) error {
	img, err := e.image(data, w, h, format)
	if err != nil {
		return err
	}
	if e.maxWidth > 0 && w > e.maxWidth {
		dh := h * e.maxWidth / w
		scaled := image.NewRGBA(image.Rect(0, 0, e.maxWidth, dh))
		xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), xdraw.Src, nil)
		img = scaled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}

	out := meta
	out.Data = bytes.Clone(e.buf.Bytes())
	out.Width = img.Bounds().Dx()
	out.Height = img.Bounds().Dy()
	out.MimeType = types.MimeJPEG
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	e.counters.fanOut(e.sinks, &out)
	return nil
}

func (e *MJPEGEncoder) image(data []byte, w, h int, format frame.Format) (image.Image, error) {
	switch format {
	case frame.FormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode jpeg input: %w", err)
		}
		return img, nil
	case frame.FormatYUV420P:
		if len(data) < w*h*3/2 {
			return nil, fmt.Errorf("stream: yuv420p input %d bytes too short", len(data))
		}
		cw, ch := (w+1)/2, (h+1)/2
		return &image.YCbCr{
			Y:              data[:w*h],
			Cb:             data[w*h : w*h+cw*ch],
			Cr:             data[w*h+cw*ch : w*h+2*cw*ch],
			YStride:        w,
			CStride:        cw,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           image.Rect(0, 0, w, h),
		}, nil
	}

	n := w * h * 4
	if cap(e.bgra) < n {
		e.bgra = make([]byte, n)
	}
	e.bgra = e.bgra[:n]
	if err := display.ToBGRA(e.bgra, data, format, w, h); err != nil {
		return nil, err
	}
	return display.NewBGRA(e.bgra, w, h).RGBA(), nil
}

// Stats returns the encoder counters.
func (e *MJPEGEncoder) Stats() Stats { return e.counters.stats() }
