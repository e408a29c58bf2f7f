package frame

import "time"

// Slot is one reusable, fixed-capacity frame buffer owned by a pool.
// A stage only ever borrows a slot between acquiring and routing it.
type Slot struct {
	Index int
	Data  []byte // len(Data) is the capacity, fixed at pool creation

	Size      int // bytes of Data actually occupied
	Seq       uint64
	Timestamp time.Time
	Format    Format
	Width     int
	Height    int

	// Failed marks a slot whose last PROCESS step failed. Downstream stages
	// route it without processing.
	Failed bool
}

// Bytes returns the occupied part of the slot.
func (s *Slot) Bytes() []byte {
	return s.Data[:s.Size]
}

// Capacity returns the fixed size of the slot buffer.
func (s *Slot) Capacity() int {
	return len(s.Data)
}

// CopyFrom copies content and metadata of src into s. It returns false when
// src does not fit.
func (s *Slot) CopyFrom(src *Slot) bool {
	if src.Size > len(s.Data) {
		return false
	}
	copy(s.Data, src.Data[:src.Size])
	s.Size = src.Size
	s.Seq = src.Seq
	s.Timestamp = src.Timestamp
	s.Format = src.Format
	s.Width = src.Width
	s.Height = src.Height
	s.Failed = src.Failed
	return true
}

// Reset clears the per-fill metadata, geometry included, so a producer never
// inherits the previous fill's format or size. The buffer is kept.
func (s *Slot) Reset() {
	s.Format = FormatNV12
	s.Width = 0
	s.Height = 0
	s.Size = 0
	s.Seq = 0
	s.Timestamp = time.Time{}
	s.Failed = false
}
