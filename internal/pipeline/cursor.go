package pipeline

import "sync"

// Cursor is a per-edge claim index into a pool. Each side of an edge owns its
// own cursor, so claiming order is independent of completion order.
type Cursor struct {
	mu   sync.Mutex
	next int
	n    int
}

func newCursor(n int) *Cursor {
	return &Cursor{n: n}
}

// Next returns the index to claim and advances the cursor modulo N.
func (c *Cursor) Next() int {
	c.mu.Lock()
	idx := c.next
	c.next = (c.next + 1) % c.n
	c.mu.Unlock()
	return idx
}

// Peek returns the index the next claim will get.
func (c *Cursor) Peek() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}
