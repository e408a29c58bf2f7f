package pipeline

import (
	"context"
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

// Gate is one hand-off edge on a pool: the pool's available count paired with
// the edge's ready count and the consumer's read cursor.
type Gate struct {
	name   string
	pool   *Pool
	ready  *semaphore
	cursor *Cursor
}

// Name returns the gate name.
func (g *Gate) Name() string { return g.name }

// Pool returns the pool whose slots pass through this gate.
func (g *Gate) Pool() *Pool { return g.pool }

// Publish hands a fully written slot to the consumer of this gate. The
// caller must not touch the slot afterwards.
func (g *Gate) Publish(slot *frame.Slot) error {
	if !g.pool.owns(slot) {
		return fmt.Errorf("publish on %s: %w", g.name, ErrForeignSlot)
	}
	g.pool.unhold(slot.Index)
	g.ready.release()
	return nil
}

// AcquireForRead blocks until a slot is ready on this gate and claims it.
func (g *Gate) AcquireForRead(ctx context.Context) (*frame.Slot, error) {
	if err := g.ready.acquire(ctx); err != nil {
		return nil, err
	}
	idx := g.cursor.Next()
	g.pool.hold(idx)
	return &g.pool.slots[idx], nil
}

// Counts returns the pool's available count and this gate's ready count.
func (g *Gate) Counts() (available, ready int) {
	return g.pool.available.value(), g.ready.value()
}

// Closed reports whether the gate was woken for shutdown.
func (g *Gate) Closed() bool {
	return g.ready.isClosed()
}
