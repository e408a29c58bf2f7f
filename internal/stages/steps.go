package stages

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

// Capture fills slots from a camera and numbers them.
type Capture struct {
	Camera Camera
	next   atomic.Uint64
}

func (c *Capture) Process(ctx context.Context, slot *frame.Slot) error {
	if err := c.Camera.NextFrame(ctx, slot); err != nil {
		return err
	}
	slot.Seq = c.next.Add(1) - 1
	return nil
}

// Captured returns how many frames were delivered.
func (c *Capture) Captured() uint64 { return c.next.Load() }

func (c *Capture) Close() error { return closeAll(c.Camera) }

// Inference runs the detector and publishes each result, replacing the
// previous one.
type Inference struct {
	Detector detect.Detector
	Out      *pipeline.Latest[detect.Result]
}

func (s *Inference) Process(ctx context.Context, slot *frame.Slot) error {
	dets, err := s.Detector.Infer(ctx, slot.Bytes(), slot.Width, slot.Height, slot.Format)
	if err != nil {
		return fmt.Errorf("infer frame #%d: %w", slot.Seq, err)
	}
	s.Out.Publish(detect.Result{
		FrameNumber: slot.Seq,
		Timestamp:   slot.Timestamp,
		Width:       slot.Width,
		Height:      slot.Height,
		Detections:  dets,
	})
	return nil
}

func (s *Inference) Close() error { return closeAll(s.Detector) }

// Display composes the newest detections over the frame and presents it.
// The detections may belong to an older frame than the one shown.
type Display struct {
	Compositor Compositor
	Presenter  Presenter
	// Detections is nil when the topology has no inference stage.
	Detections *pipeline.Latest[detect.Result]
	ShowFPS    bool

	fps         display.FPSMeter
	missedFlips atomic.Uint64
}

func (s *Display) Process(ctx context.Context, slot *frame.Slot) error {
	ov := display.Overlay{ShowFPS: s.ShowFPS, FPS: s.fps.Tick(time.Now())}
	if s.Detections != nil {
		res, _ := s.Detections.Load()
		ov.Detections = res.Detections
		ov.SourceWidth, ov.SourceHeight = res.Width, res.Height
	}
	if err := s.Compositor.Compose(ctx, slot, ov); err != nil {
		return fmt.Errorf("compose frame #%d: %w", slot.Seq, err)
	}
	if s.Presenter == nil {
		return nil
	}
	if err := s.Presenter.Present(ctx, slot); err != nil {
		if errors.Is(err, display.ErrFlipTimeout) {
			// The frame stays composed and still goes to the encoder.
			s.missedFlips.Add(1)
			logger.Debug("Display", "Frame #%d missed its flip", slot.Seq)
			return nil
		}
		return fmt.Errorf("present frame #%d: %w", slot.Seq, err)
	}
	return nil
}

// MissedFlips returns how many frames were not scanned out in time.
func (s *Display) MissedFlips() uint64 { return s.missedFlips.Load() }

func (s *Display) Close() error { return closeAll(s.Compositor, s.Presenter) }

// Encode hands frames to the encoder with a presentation counter that
// starts at 0 and advances by one per frame.
type Encode struct {
	Encoder Encoder
	// LogEvery logs progress every n frames; zero means 100.
	LogEvery uint64

	pts atomic.Uint64
}

func (s *Encode) Process(ctx context.Context, slot *frame.Slot) error {
	pts := s.pts.Add(1) - 1
	meta := types.EncodedFrame{Seq: slot.Seq, Timestamp: slot.Timestamp, PTS: pts}
	if err := s.Encoder.EncodeAndSend(ctx, slot.Bytes(), slot.Width, slot.Height, slot.Format, meta); err != nil {
		return fmt.Errorf("encode frame #%d (pts %d): %w", slot.Seq, pts, err)
	}

	every := s.LogEvery
	if every == 0 {
		every = 100
	}
	if (pts+1)%every == 0 {
		logger.Info("Encode", "Streamed %d frames", pts+1)
	}
	return nil
}

// Streamed returns the number of frames handed to the encoder.
func (s *Encode) Streamed() uint64 { return s.pts.Load() }

func (s *Encode) Close() error { return closeAll(s.Encoder) }

// Inspect parses H.264 access units in place, tracking parameter sets and
// keyframes without touching the payload.
type Inspect struct {
	Processor *h264.Processor
}

func (s *Inspect) Process(ctx context.Context, slot *frame.Slot) error {
	if slot.Format != frame.FormatH264 {
		return fmt.Errorf("inspect frame #%d: not h264 (%s)", slot.Seq, slot.Format)
	}
	info, err := s.Processor.Inspect(slot.Bytes())
	if err != nil {
		return fmt.Errorf("inspect frame #%d: %w", slot.Seq, err)
	}
	if info.IsIDR {
		logger.Debug("Inspect", "Frame #%d is IDR (%d NAL units)", slot.Seq, info.NALs)
	}
	return nil
}
