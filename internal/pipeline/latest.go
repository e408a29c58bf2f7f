package pipeline

import "sync/atomic"

type published[T any] struct {
	value   T
	version uint64
}

// Latest is a single-value publication slot between stages running at
// different rates. Writers replace the whole value; readers always see one
// complete publish, never a mix of two.
//
// No ordering is promised between a particular frame and the value a reader
// observes: a display step may draw the previous cycle's detections.
type Latest[T any] struct {
	cur  atomic.Pointer[published[T]]
	next atomic.Uint64
}

// Publish replaces the current value and returns its version (starting at 1).
func (l *Latest[T]) Publish(v T) uint64 {
	p := &published[T]{value: v, version: l.next.Add(1)}
	for {
		old := l.cur.Load()
		if old != nil && old.version > p.version {
			// A newer publish already landed.
			return p.version
		}
		if l.cur.CompareAndSwap(old, p) {
			return p.version
		}
	}
}

// Load returns the newest value and its version. Before the first publish it
// returns the zero value and version 0.
func (l *Latest[T]) Load() (T, uint64) {
	p := l.cur.Load()
	if p == nil {
		var zero T
		return zero, 0
	}
	return p.value, p.version
}
