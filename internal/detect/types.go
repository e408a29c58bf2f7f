package detect

import (
	"context"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

// BoundingBox is a pixel rectangle in frame coordinates.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Right returns the exclusive right edge.
func (b BoundingBox) Right() int { return b.X + b.W }

// Bottom returns the exclusive bottom edge.
func (b BoundingBox) Bottom() int { return b.Y + b.H }

// Detection is one detected object.
type Detection struct {
	ClassID    int         `json:"class_id"`
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// Result is the detection list for one frame, the value carried by the
// shared publication slot between inference and display.
type Result struct {
	FrameNumber uint64      `json:"frame_number"`
	Timestamp   time.Time   `json:"-"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Detections  []Detection `json:"detections"`
}

// Seconds returns the capture time as fractional Unix seconds.
func (r Result) Seconds() float64 {
	if r.Timestamp.IsZero() {
		return 0
	}
	return float64(r.Timestamp.UnixNano()) / 1e9
}

// Detector runs inference on one frame.
type Detector interface {
	Infer(ctx context.Context, data []byte, width, height int, format frame.Format) ([]Detection, error)
}
