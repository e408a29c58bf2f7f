package display

import (
	"fmt"
	"image/color"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

// ToBGRA converts src (NV12, YUV420P or RGB888) into dst as BGRA8888.
// dst must not overlap src.
func ToBGRA(dst, src []byte, format frame.Format, w, h int) error {
	if len(dst) < w*h*4 {
		return fmt.Errorf("display: destination %d bytes, need %d", len(dst), w*h*4)
	}
	switch format {
	case frame.FormatNV12, frame.FormatYUV420P:
		if len(src) < w*h*3/2 {
			return fmt.Errorf("display: %s source %d bytes, need %d", format, len(src), w*h*3/2)
		}
		yPlane := src[:w*h]
		chroma := src[w*h:]
		cw := w / 2
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var cb, cr uint8
				if format == frame.FormatNV12 {
					i := (y/2)*w + (x/2)*2
					cb, cr = chroma[i], chroma[i+1]
				} else {
					i := (y/2)*cw + x/2
					cb, cr = chroma[i], chroma[(h/2)*cw+i]
				}
				r, g, b := color.YCbCrToRGB(yPlane[y*w+x], cb, cr)
				p := dst[(y*w+x)*4:]
				p[0], p[1], p[2], p[3] = b, g, r, 255
			}
		}
	case frame.FormatRGB888:
		if len(src) < w*h*3 {
			return fmt.Errorf("display: rgb source %d bytes, need %d", len(src), w*h*3)
		}
		for i := 0; i < w*h; i++ {
			s, d := src[i*3:], dst[i*4:]
			d[0], d[1], d[2], d[3] = s[2], s[1], s[0], 255
		}
	case frame.FormatBGRA8888:
		copy(dst, src[:w*h*4])
	default:
		return fmt.Errorf("display: cannot convert %s", format)
	}
	return nil
}
