package frame

import "fmt"

// Format identifies the pixel (or bitstream) layout stored in a slot.
type Format int

const (
	FormatNV12 Format = iota
	FormatRGB888
	FormatBGRA8888
	FormatYUV420P
	FormatH264
	FormatJPEG
)

// Layout describes how a format occupies memory.
type Layout struct {
	Name string
	// Bytes per pixel, in halves (NV12 = 3 means 1.5 bytes per pixel).
	HalfBytesPerPixel int
	// Compressed formats are bounded by the raw size of BoundedBy.
	Compressed bool
	BoundedBy  Format
}

var layouts = map[Format]Layout{
	FormatNV12:     {Name: "nv12", HalfBytesPerPixel: 3},
	FormatRGB888:   {Name: "rgb888", HalfBytesPerPixel: 6},
	FormatBGRA8888: {Name: "bgra8888", HalfBytesPerPixel: 8},
	FormatYUV420P:  {Name: "yuv420p", HalfBytesPerPixel: 3},
	FormatH264:     {Name: "h264", Compressed: true, BoundedBy: FormatNV12},
	FormatJPEG:     {Name: "jpeg", Compressed: true, BoundedBy: FormatRGB888},
}

// LayoutOf returns the layout registered for f.
func LayoutOf(f Format) (Layout, bool) {
	l, ok := layouts[f]
	return l, ok
}

func (f Format) String() string {
	if l, ok := layouts[f]; ok {
		return l.Name
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseFormat parses a format name as used in configuration files.
func ParseFormat(s string) (Format, error) {
	for f, l := range layouts {
		if l.Name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown frame format: %q", s)
}

// MaxDimension bounds frame width and height so slot sizes cannot overflow.
const MaxDimension = 16384

// Align16 rounds n up to a multiple of 16.
func Align16(n int) int {
	return (n + 15) &^ 15
}

// SizeOf returns the number of bytes a width x height frame in format f needs.
// Heights are aligned to 16 rows to match hardware converter requirements.
func SizeOf(f Format, width, height int) (int, error) {
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return 0, fmt.Errorf("invalid frame geometry %dx%d", width, height)
	}
	l, ok := layouts[f]
	if !ok {
		return 0, fmt.Errorf("unknown frame format %d", int(f))
	}
	if l.Compressed {
		return SizeOf(l.BoundedBy, width, height)
	}
	return Align16(height) * width * l.HalfBytesPerPixel / 2, nil
}

// Capacity returns the worst-case size over all formats, i.e. the capacity a
// slot needs so that every stage touching it can write its own format.
func Capacity(width, height int, formats ...Format) (int, error) {
	if len(formats) == 0 {
		return 0, fmt.Errorf("no formats given")
	}
	max := 0
	for _, f := range formats {
		n, err := SizeOf(f, width, height)
		if err != nil {
			return 0, err
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}
