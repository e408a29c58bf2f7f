package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

// Pool is a fixed array of reusable frame slots plus the available count
// that bounds how many of them producers may claim.
//
// Slots travel through the pool's gates in order: the producer claims a slot
// with AcquireForWrite and publishes it on the first gate, each intermediate
// stage forwards it to the next gate, and the last consumer releases it.
// Because every slot visits every gate in the same order, each gate's read
// cursor stays in step with the write cursor.
type Pool struct {
	name      string
	slots     []frame.Slot
	available *semaphore
	writeCur  *Cursor

	mu    sync.Mutex
	gates []*Gate

	holders    []atomic.Int32
	maxHolders atomic.Int32
	dropped    atomic.Bool
}

// NewPool allocates n slots of the given capacity each.
func NewPool(name string, n, capacity int) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pool %s: buffer count must be positive, got %d", name, n)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("pool %s: slot capacity must be positive, got %d", name, capacity)
	}

	p := &Pool{
		name:      name,
		slots:     make([]frame.Slot, n),
		available: newSemaphore(n),
		writeCur:  newCursor(n),
		holders:   make([]atomic.Int32, n),
	}
	for i := range p.slots {
		p.slots[i] = frame.Slot{Index: i, Data: make([]byte, capacity)}
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns N, the number of slots.
func (p *Pool) Size() int { return len(p.holders) }

// SlotCapacity returns the fixed capacity of every slot.
func (p *Pool) SlotCapacity() int {
	if len(p.slots) == 0 {
		return 0
	}
	return len(p.slots[0].Data)
}

// Gate creates the next gate in this pool's chain.
func (p *Pool) Gate(name string) *Gate {
	g := &Gate{
		name:   name,
		pool:   p,
		ready:  newSemaphore(0),
		cursor: newCursor(p.Size()),
	}
	p.mu.Lock()
	p.gates = append(p.gates, g)
	p.mu.Unlock()
	return g
}

// Gates returns the gates created on this pool, in chain order.
func (p *Pool) Gates() []*Gate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Gate(nil), p.gates...)
}

// AcquireForWrite blocks until a slot is available, then claims the next
// index from the write cursor. The returned slot has its metadata reset.
func (p *Pool) AcquireForWrite(ctx context.Context) (*frame.Slot, error) {
	if err := p.available.acquire(ctx); err != nil {
		return nil, err
	}
	idx := p.writeCur.Next()
	slot := &p.slots[idx]
	p.hold(idx)
	slot.Reset()
	return slot, nil
}

// Release returns a fully consumed slot to the available count.
func (p *Pool) Release(slot *frame.Slot) error {
	if !p.owns(slot) {
		return fmt.Errorf("release to %s: %w", p.name, ErrForeignSlot)
	}
	p.unhold(slot.Index)
	p.available.release()
	return nil
}

// Counts is a consistent snapshot of a pool's accounting.
type Counts struct {
	Available int
	Ready     map[string]int
	InFlight  int
	Size      int
}

// Snapshot reads all counts of the pool at one instant. In-flight is every
// slot that is neither available nor ready on some gate.
func (p *Pool) Snapshot() Counts {
	gates := p.Gates()

	// Semaphore operations only ever hold their own lock, so taking all of
	// them in a fixed order cannot deadlock.
	p.available.mu.Lock()
	for _, g := range gates {
		g.ready.mu.Lock()
	}

	c := Counts{
		Available: p.available.count,
		Ready:     make(map[string]int, len(gates)),
		Size:      p.Size(),
	}
	total := c.Available
	for _, g := range gates {
		c.Ready[g.name] = g.ready.count
		total += g.ready.count
	}
	c.InFlight = c.Size - total

	for i := len(gates) - 1; i >= 0; i-- {
		gates[i].ready.mu.Unlock()
	}
	p.available.mu.Unlock()
	return c
}

// MaxHolders returns the highest number of stages that ever held the same
// slot index at once. Anything above 1 is an ownership violation.
func (p *Pool) MaxHolders() int {
	return int(p.maxHolders.Load())
}

// Held returns how many slots are currently borrowed by stages.
func (p *Pool) Held() int {
	n := 0
	for i := range p.holders {
		n += int(p.holders[i].Load())
	}
	return n
}

// wake releases every goroutine parked on this pool or its gates.
func (p *Pool) wake() {
	p.available.wake()
	for _, g := range p.Gates() {
		g.ready.wake()
	}
}

// drop releases the slot memory. Only valid once no stage can touch the pool.
func (p *Pool) drop() {
	if p.dropped.Swap(true) {
		return
	}
	for i := range p.slots {
		p.slots[i].Data = nil
	}
}

func (p *Pool) owns(slot *frame.Slot) bool {
	return slot != nil && slot.Index >= 0 && slot.Index < len(p.slots) && &p.slots[slot.Index] == slot
}

func (p *Pool) hold(idx int) {
	n := p.holders[idx].Add(1)
	for {
		max := p.maxHolders.Load()
		if n <= max || p.maxHolders.CompareAndSwap(max, n) {
			return
		}
	}
}

func (p *Pool) unhold(idx int) {
	p.holders[idx].Add(-1)
}
