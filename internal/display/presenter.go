package display

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

// DefaultFlipTimeout bounds how long Present waits for the next scanout.
const DefaultFlipTimeout = 100 * time.Millisecond

// ErrFlipTimeout is returned when no scanout happened within the bound.
var ErrFlipTimeout = errors.New("display: page flip timed out")

// NullPresenter discards frames. It is used on headless hosts.
type NullPresenter struct {
	presented atomic.Uint64
}

func (p *NullPresenter) Present(ctx context.Context, slot *frame.Slot) error {
	p.presented.Add(1)
	return nil
}

// Presented returns how many frames were shown.
func (p *NullPresenter) Presented() uint64 { return p.presented.Load() }

// SnapshotPresenter keeps a copy of the last presented frame so the web
// monitor can serve it. With a refresh interval set it also paces frames to
// a simulated vertical blank, waiting at most FlipTimeout.
type SnapshotPresenter struct {
	Refresh     time.Duration
	FlipTimeout time.Duration

	mu        sync.RWMutex
	pix       []byte
	width     int
	height    int
	seq       uint64
	at        time.Time
	presented atomic.Uint64
	epoch     time.Time
}

// NewSnapshotPresenter creates a presenter pacing to refresh (zero disables).
func NewSnapshotPresenter(refresh time.Duration) *SnapshotPresenter {
	return &SnapshotPresenter{Refresh: refresh, FlipTimeout: DefaultFlipTimeout, epoch: time.Now()}
}

// Present waits for the next vertical blank, then latches the frame.
func (p *SnapshotPresenter) Present(ctx context.Context, slot *frame.Slot) error {
	if slot.Format != frame.FormatBGRA8888 {
		return errors.New("display: presenter needs BGRA8888 input")
	}
	if err := p.waitFlip(ctx); err != nil {
		return err
	}

	n := slot.Width * slot.Height * 4
	p.mu.Lock()
	if cap(p.pix) < n {
		p.pix = make([]byte, n)
	}
	p.pix = p.pix[:n]
	copy(p.pix, slot.Data[:n])
	p.width, p.height = slot.Width, slot.Height
	p.seq = slot.Seq
	p.at = time.Now()
	p.mu.Unlock()

	p.presented.Add(1)
	return nil
}

func (p *SnapshotPresenter) waitFlip(ctx context.Context) error {
	if p.Refresh <= 0 {
		return ctx.Err()
	}
	bound := p.FlipTimeout
	if bound <= 0 {
		bound = DefaultFlipTimeout
	}
	since := time.Since(p.epoch)
	wait := p.Refresh - since%p.Refresh
	if wait > bound {
		return ErrFlipTimeout
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

// Snapshot returns the last presented frame.
func (p *SnapshotPresenter) Snapshot() (img image.Image, seq uint64, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pix == nil {
		return nil, 0, false
	}
	b := &BGRA{Pix: p.pix, Width: p.width, Height: p.height}
	return b.RGBA(), p.seq, true
}

// Presented returns how many frames were shown.
func (p *SnapshotPresenter) Presented() uint64 { return p.presented.Load() }

// FPSMeter counts frames and updates its rate once per window.
type FPSMeter struct {
	Window time.Duration

	start  time.Time
	frames int
	fps    float64
}

// Tick records one frame at now and returns the current rate.
func (m *FPSMeter) Tick(now time.Time) float64 {
	window := m.Window
	if window <= 0 {
		window = time.Second
	}
	if m.start.IsZero() {
		m.start = now
	}
	m.frames++
	if elapsed := now.Sub(m.start); elapsed >= window {
		m.fps = float64(m.frames) / elapsed.Seconds()
		m.frames = 0
		m.start = now
	}
	return m.fps
}
