package detect

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

// MotionConfig tunes MotionDetector.
type MotionConfig struct {
	// CellSize is the edge of the square luma cells compared between frames.
	CellSize int
	// Threshold is the mean luma change (0-255) that marks a cell as moving.
	Threshold float64
	// MinCells drops regions smaller than this many cells.
	MinCells int
	// ClassName labels every detection.
	ClassName string
}

// DefaultMotionConfig returns settings suited to 1080p input.
func DefaultMotionConfig() MotionConfig {
	return MotionConfig{CellSize: 32, Threshold: 18, MinCells: 2, ClassName: "motion"}
}

// MotionDetector reports regions whose luma changed since the previous
// frame. It stands in for a neural detector on hosts without an NPU.
type MotionDetector struct {
	cfg MotionConfig

	mu     sync.Mutex
	prev   []float64
	cur    []float64
	gw, gh int
}

// NewMotionDetector validates cfg and creates a detector.
func NewMotionDetector(cfg MotionConfig) (*MotionDetector, error) {
	if cfg.CellSize < 2 {
		return nil, fmt.Errorf("detect: cell size %d too small", cfg.CellSize)
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("detect: threshold must be positive")
	}
	if cfg.MinCells < 1 {
		cfg.MinCells = 1
	}
	if cfg.ClassName == "" {
		cfg.ClassName = "motion"
	}
	return &MotionDetector{cfg: cfg}, nil
}

// Infer implements Detector.
func (m *MotionDetector) Infer(ctx context.Context, data []byte, width, height int, format frame.Format) ([]Detection, error) {
	luma, err := lumaSampler(data, width, height, format)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.cfg.CellSize
	gw, gh := (width+cs-1)/cs, (height+cs-1)/cs
	if gw != m.gw || gh != m.gh {
		m.gw, m.gh = gw, gh
		m.prev = nil
		m.cur = make([]float64, gw*gh)
	}

	for gy := 0; gy < gh; gy++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for gx := 0; gx < gw; gx++ {
			m.cur[gy*gw+gx] = cellMean(luma, gx*cs, gy*cs, min(cs, width-gx*cs), min(cs, height-gy*cs))
		}
	}

	if m.prev == nil {
		m.prev = make([]float64, len(m.cur))
		copy(m.prev, m.cur)
		return nil, nil
	}

	moving := make([]float64, len(m.cur))
	for i := range m.cur {
		if d := math.Abs(m.cur[i] - m.prev[i]); d >= m.cfg.Threshold {
			moving[i] = d
		}
	}
	m.prev, m.cur = m.cur, m.prev

	return m.regions(moving, width, height), nil
}

// regions groups 4-connected moving cells into boxes.
func (m *MotionDetector) regions(moving []float64, width, height int) []Detection {
	cs := m.cfg.CellSize
	seen := make([]bool, len(moving))
	var out []Detection
	var stack []int

	for start, d := range moving {
		if d == 0 || seen[start] {
			continue
		}
		minX, minY, maxX, maxY := m.gw, m.gh, -1, -1
		cells := 0
		var sum float64

		stack = append(stack[:0], start)
		seen[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%m.gw, i/m.gw
			cells++
			sum += moving[i]
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if n[0] < 0 || n[1] < 0 || n[0] >= m.gw || n[1] >= m.gh {
					continue
				}
				j := n[1]*m.gw + n[0]
				if moving[j] != 0 && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		if cells < m.cfg.MinCells {
			continue
		}

		box := BoundingBox{X: minX * cs, Y: minY * cs}
		box.W = min((maxX+1)*cs, width) - box.X
		box.H = min((maxY+1)*cs, height) - box.Y
		out = append(out, Detection{
			ClassName:  m.cfg.ClassName,
			Confidence: math.Min(1, sum/float64(cells)/128),
			BBox:       box,
		})
	}
	return out
}

// lumaSampler returns a function reading the luma of pixel (x, y).
func lumaSampler(data []byte, width, height int, format frame.Format) (func(x, y int) float64, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("detect: bad frame size %dx%d", width, height)
	}
	bpp := map[frame.Format]int{
		frame.FormatNV12:     1,
		frame.FormatYUV420P:  1,
		frame.FormatRGB888:   3,
		frame.FormatBGRA8888: 4,
	}[format]
	if bpp == 0 {
		return nil, fmt.Errorf("detect: unsupported format %s", format)
	}
	if len(data) < width*height*bpp {
		return nil, fmt.Errorf("detect: %d bytes too short for %s %dx%d", len(data), format, width, height)
	}

	switch format {
	case frame.FormatRGB888:
		return func(x, y int) float64 {
			p := data[(y*width+x)*3:]
			return 0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])
		}, nil
	case frame.FormatBGRA8888:
		return func(x, y int) float64 {
			p := data[(y*width+x)*4:]
			return 0.114*float64(p[0]) + 0.587*float64(p[1]) + 0.299*float64(p[2])
		}, nil
	default:
		return func(x, y int) float64 { return float64(data[y*width+x]) }, nil
	}
}

// cellMean averages a sparse sample of the cell.
func cellMean(luma func(x, y int) float64, x0, y0, w, h int) float64 {
	step := max(1, min(w, h)/4)
	var sum float64
	var n int
	for y := y0; y < y0+h; y += step {
		for x := x0; x < x0+w; x += step {
			sum += luma(x, y)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
