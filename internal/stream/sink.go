package stream

import (
	"sync/atomic"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

// Sink receives encoded frames. SendFrame must not block; it reports
// whether the frame was accepted.
type Sink interface {
	SendFrame(frame *types.EncodedFrame) bool
}

// Stats counts what an encoder produced.
// Dropped counts frames no sink accepted.
type Stats struct {
	Frames  uint64 `json:"frames"`
	Bytes   uint64 `json:"bytes"`
	Dropped uint64 `json:"dropped"`
	LastPTS uint64 `json:"last_pts"`
}

type counters struct {
	frames  atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
	lastPTS atomic.Uint64
}

func (c *counters) fanOut(sinks []Sink, f *types.EncodedFrame) {
	c.frames.Add(1)
	c.bytes.Add(uint64(len(f.Data)))
	c.lastPTS.Store(f.PTS)
	accepted := false
	for _, s := range sinks {
		if s.SendFrame(f) {
			accepted = true
		}
	}
	if !accepted {
		c.dropped.Add(1)
	}
}

func (c *counters) stats() Stats {
	return Stats{
		Frames:  c.frames.Load(),
		Bytes:   c.bytes.Load(),
		Dropped: c.dropped.Load(),
		LastPTS: c.lastPTS.Load(),
	}
}
