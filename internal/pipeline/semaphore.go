package pipeline

import (
	"context"
	"sync"
)

// semaphore is a counting signal with a shutdown wake. Waking never adds
// units, so the counts keep describing real slots after shutdown.
type semaphore struct {
	mu     sync.Mutex
	cond   *sync.Cond
	count  int
	closed bool
}

func newSemaphore(initial int) *semaphore {
	s := &semaphore{count: initial}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// acquire blocks until a unit is available, the semaphore is woken for
// shutdown, or ctx is done.
func (s *semaphore) acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 && !s.closed {
		stop := context.AfterFunc(ctx, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer stop()
	}

	for s.count == 0 && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}

	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.count--
	return nil
}

// release acts as the publication point: everything written before it is
// visible to the goroutine whose acquire consumes the unit.
func (s *semaphore) release() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	// Broadcast rather than Signal: a waiter leaving on ctx cancellation
	// must not swallow the only wakeup.
	s.cond.Broadcast()
}

// wake releases every waiter with ErrClosed.
func (s *semaphore) wake() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *semaphore) value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *semaphore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
