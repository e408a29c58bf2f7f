// Package stages adapts the external collaborators (camera, detector,
// display, encoder) to pipeline steps.
package stages

import (
	"context"
	"io"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

// ErrNoFrame is returned by a Camera with nothing new within its bound.
var ErrNoFrame = frame.ErrNoFrame

// Camera fills a slot with the next captured frame. It sets Size, Format,
// Width, Height and Timestamp.
type Camera interface {
	NextFrame(ctx context.Context, slot *frame.Slot) error
}

// Compositor converts a frame for display and draws the overlay in place.
type Compositor interface {
	Compose(ctx context.Context, slot *frame.Slot, ov display.Overlay) error
}

// Presenter shows a composed frame, waiting a bounded time for scanout.
type Presenter interface {
	Present(ctx context.Context, slot *frame.Slot) error
}

// Encoder compresses and ships one frame. meta carries Seq, Timestamp
// and PTS.
type Encoder interface {
	EncodeAndSend(ctx context.Context, data []byte, w, h int, format frame.Format, meta types.EncodedFrame) error
}

func closeAll(cs ...any) error {
	var first error
	for _, c := range cs {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
