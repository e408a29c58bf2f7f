package monitor

import (
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/stream"
)

// DetectionEvent is the payload of /api/detections/stream.
type DetectionEvent struct {
	FrameNumber   uint64             `json:"frame_number"`
	Timestamp     float64            `json:"timestamp"`
	Version       uint64             `json:"version"`
	Width         int                `json:"width"`
	Height        int                `json:"height"`
	NumDetections int                `json:"num_detections"`
	Detections    []detect.Detection `json:"detections"`
}

func newDetectionEvent(r detect.Result, version uint64) DetectionEvent {
	dets := r.Detections
	if dets == nil {
		dets = []detect.Detection{}
	}
	return DetectionEvent{
		FrameNumber:   r.FrameNumber,
		Timestamp:     r.Seconds(),
		Version:       version,
		Width:         r.Width,
		Height:        r.Height,
		NumDetections: len(dets),
		Detections:    dets,
	}
}

// StageStatus mirrors pipeline.StageStatus with a readable state.
type StageStatus struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
}

// PoolStatus is one pool's slot accounting.
type PoolStatus struct {
	Name       string         `json:"name"`
	Size       int            `json:"size"`
	Available  int            `json:"available"`
	InFlight   int            `json:"in_flight"`
	Ready      map[string]int `json:"ready"`
	MaxHolders int            `json:"max_concurrent_holders"`
}

// Status is the payload of /api/status.
type Status struct {
	Running          bool             `json:"running"`
	Stages           []StageStatus    `json:"stages"`
	Pools            []PoolStatus     `json:"pools"`
	Encoder          *stream.Stats    `json:"encoder,omitempty"`
	StreamClients    int              `json:"stream_clients"`
	WebRTCClients    int              `json:"webrtc_clients"`
	LatestDetection  *DetectionEvent  `json:"latest_detection"`
	DetectionHistory []DetectionEvent `json:"detection_history"`
	Timestamp        float64          `json:"timestamp"`
}
