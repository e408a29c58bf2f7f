package stages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

type fakeCamera struct {
	err    error
	closed bool
}

func (c *fakeCamera) NextFrame(ctx context.Context, slot *frame.Slot) error {
	if c.err != nil {
		return c.err
	}
	slot.Size, slot.Width, slot.Height, slot.Format = 6, 2, 2, frame.FormatNV12
	return nil
}

func (c *fakeCamera) Close() error { c.closed = true; return nil }

type fakeEncoder struct {
	metas []types.EncodedFrame
	fail  bool
}

func (e *fakeEncoder) EncodeAndSend(ctx context.Context, data []byte, w, h int, format frame.Format, meta types.EncodedFrame) error {
	e.metas = append(e.metas, meta)
	if e.fail {
		return errors.New("encoder busy")
	}
	return nil
}

type fixedDetector []detect.Detection

func (d fixedDetector) Infer(context.Context, []byte, int, int, frame.Format) ([]detect.Detection, error) {
	return d, nil
}

type recordingCompositor struct{ last display.Overlay }

func (c *recordingCompositor) Compose(ctx context.Context, slot *frame.Slot, ov display.Overlay) error {
	c.last = ov
	return nil
}

type presenterFunc func(context.Context, *frame.Slot) error

func (f presenterFunc) Present(ctx context.Context, s *frame.Slot) error { return f(ctx, s) }

func TestCaptureNumbersFrames(t *testing.T) {
	cam := &fakeCamera{}
	c := &Capture{Camera: cam}
	slot := &frame.Slot{Data: make([]byte, 8)}
	for want := uint64(0); want < 3; want++ {
		if err := c.Process(context.Background(), slot); err != nil {
			t.Fatal(err)
		}
		if slot.Seq != want {
			t.Fatalf("seq = %d, want %d", slot.Seq, want)
		}
	}

	cam.err = ErrNoFrame
	if err := c.Process(context.Background(), slot); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("err = %v", err)
	}
	if c.Captured() != 3 {
		t.Fatalf("captured = %d", c.Captured())
	}
	if err := c.Close(); err != nil || !cam.closed {
		t.Fatal("camera not closed")
	}
}

func TestEncodeCountsPTSEvenOnFailure(t *testing.T) {
	enc := &fakeEncoder{}
	s := &Encode{Encoder: enc, LogEvery: 2}
	slot := &frame.Slot{Data: make([]byte, 4), Size: 4, Seq: 7, Timestamp: time.Unix(1, 0)}

	for i := 0; i < 3; i++ {
		if i == 1 {
			enc.fail = true
		} else {
			enc.fail = false
		}
		err := s.Process(context.Background(), slot)
		if (err != nil) != (i == 1) {
			t.Fatalf("call %d err = %v", i, err)
		}
	}
	for i, m := range enc.metas {
		if m.PTS != uint64(i) || m.Seq != 7 || !m.Timestamp.Equal(time.Unix(1, 0)) {
			t.Fatalf("meta %d = %+v", i, m)
		}
	}
	if s.Streamed() != 3 {
		t.Fatalf("streamed = %d", s.Streamed())
	}
}

func TestInferencePublishesLatest(t *testing.T) {
	var latest pipeline.Latest[detect.Result]
	det := fixedDetector{{ClassName: "cat", Confidence: 0.8}}
	s := &Inference{Detector: det, Out: &latest}
	slot := &frame.Slot{Data: make([]byte, 6), Size: 6, Seq: 4, Width: 2, Height: 2}

	if err := s.Process(context.Background(), slot); err != nil {
		t.Fatal(err)
	}
	res, version := latest.Load()
	if version != 1 || res.FrameNumber != 4 || len(res.Detections) != 1 || res.Width != 2 {
		t.Fatalf("latest = %+v v%d", res, version)
	}
}

func TestDisplayUsesLatestDetections(t *testing.T) {
	var latest pipeline.Latest[detect.Result]
	comp := &recordingCompositor{}
	s := &Display{Compositor: comp, Detections: &latest, ShowFPS: true}
	slot := &frame.Slot{Data: make([]byte, 4)}

	// No result published yet: display runs without boxes.
	if err := s.Process(context.Background(), slot); err != nil {
		t.Fatal(err)
	}
	if len(comp.last.Detections) != 0 || !comp.last.ShowFPS {
		t.Fatalf("overlay = %+v", comp.last)
	}

	latest.Publish(detect.Result{Width: 640, Height: 480, Detections: []detect.Detection{{ClassName: "cat"}}})
	if err := s.Process(context.Background(), slot); err != nil {
		t.Fatal(err)
	}
	if len(comp.last.Detections) != 1 || comp.last.SourceWidth != 640 {
		t.Fatalf("overlay = %+v", comp.last)
	}
}

func TestDisplayToleratesMissedFlip(t *testing.T) {
	s := &Display{
		Compositor: &recordingCompositor{},
		Presenter: presenterFunc(func(context.Context, *frame.Slot) error {
			return display.ErrFlipTimeout
		}),
	}
	slot := &frame.Slot{Data: make([]byte, 4)}
	if err := s.Process(context.Background(), slot); err != nil {
		t.Fatal(err)
	}
	if s.MissedFlips() != 1 {
		t.Fatalf("missed = %d", s.MissedFlips())
	}

	s.Presenter = presenterFunc(func(context.Context, *frame.Slot) error { return errors.New("device lost") })
	if err := s.Process(context.Background(), slot); err == nil {
		t.Fatal("presenter failure swallowed")
	}
}

func TestInspectRequiresH264(t *testing.T) {
	s := &Inspect{Processor: h264.NewProcessor()}
	raw := &frame.Slot{Data: make([]byte, 4), Size: 4, Format: frame.FormatNV12}
	if err := s.Process(context.Background(), raw); err == nil {
		t.Fatal("raw frame accepted")
	}
	au := []byte{0, 0, 0, 1, 0x65, 0x88}
	slot := &frame.Slot{Data: au, Size: len(au), Format: frame.FormatH264}
	if err := s.Process(context.Background(), slot); err != nil {
		t.Fatal(err)
	}
	if s.Processor.Stats().IDRFrames != 1 {
		t.Fatal("IDR not counted")
	}
}
