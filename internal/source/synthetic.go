package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

// SyntheticConfig describes a generated video source.
type SyntheticConfig struct {
	Width  int
	Height int
	FPS    float64 // zero delivers frames as fast as they are requested
	Limit  int     // frames to deliver before going idle, zero for unlimited
}

// Synthetic renders a gray NV12 scene with a bright square sweeping across
// it, so detectors see motion every frame.
type Synthetic struct {
	cfg SyntheticConfig

	mu    sync.Mutex
	n     int
	start time.Time
}

// NewSynthetic validates cfg and creates the source.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return nil, fmt.Errorf("source: invalid NV12 geometry %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS < 0 || cfg.Limit < 0 {
		return nil, fmt.Errorf("source: fps and limit must not be negative")
	}
	return &Synthetic{cfg: cfg}, nil
}

// NextFrame renders the next frame into slot. Once Limit frames were
// delivered it blocks until ctx ends, like a sensor that stopped streaming.
func (s *Synthetic) NextFrame(ctx context.Context, slot *frame.Slot) error {
	w, h := s.cfg.Width, s.cfg.Height
	need := w * h * 3 / 2
	if slot.Capacity() < need {
		return fmt.Errorf("source: slot capacity %d below %d", slot.Capacity(), need)
	}

	s.mu.Lock()
	if s.cfg.Limit > 0 && s.n >= s.cfg.Limit {
		s.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer s.mu.Unlock()
	if err := s.pace(ctx); err != nil {
		return err
	}

	render(slot.Data[:need], w, h, s.n)
	slot.Size = need
	slot.Format = frame.FormatNV12
	slot.Width, slot.Height = w, h
	slot.Timestamp = time.Now()
	s.n++
	return nil
}

// pace waits for the due time of frame n.
func (s *Synthetic) pace(ctx context.Context) error {
	if s.cfg.FPS <= 0 {
		return ctx.Err()
	}
	if s.start.IsZero() {
		s.start = time.Now()
	}
	due := s.start.Add(time.Duration(float64(s.n) / s.cfg.FPS * float64(time.Second)))
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delivered returns how many frames were produced.
func (s *Synthetic) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func render(buf []byte, w, h, n int) {
	luma := buf[:w*h]
	for i := range luma {
		luma[i] = 60
	}
	for i := w * h; i < len(buf); i++ {
		buf[i] = 128
	}

	side := max(8, min(w, h)/6)
	span := max(1, w-side)
	x0 := (n * side / 2) % span
	y0 := (h - side) / 2
	for y := y0; y < y0+side; y++ {
		row := luma[y*w+x0 : y*w+x0+side]
		for i := range row {
			row[i] = 235
		}
	}
}
