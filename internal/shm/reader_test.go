package shm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

func TestOpenMissingSegmentHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Open(ctx, "/vision_pipeline_test_missing")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Open ignored the context deadline")
	}
}

func TestClosedCamera(t *testing.T) {
	c := &Camera{}
	if err := c.NextFrame(context.Background(), &frame.Slot{Data: make([]byte, 1)}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDetectionFeedWithoutDaemon(t *testing.T) {
	feed := NewDetectionFeed("/vision_pipeline_test_no_detector")
	dets, err := feed.Infer(context.Background(), nil, 0, 0, frame.FormatNV12)
	if err != nil || len(dets) != 0 {
		t.Fatalf("Infer() = %v, %v; want no detections", dets, err)
	}
	if err := feed.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := feed.Infer(context.Background(), nil, 0, 0, frame.FormatNV12); !errors.Is(err, ErrClosed) {
		t.Fatalf("Infer after Close = %v", err)
	}
}
