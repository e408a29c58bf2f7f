package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

// SyntheticH264 emits syntactically valid Annex B access units: parameter
// sets plus an IDR every GOP frames, P slices in between. The payload is
// filler, not decodable video.
type SyntheticH264 struct {
	Width, Height int
	GOP           int
	Limit         int

	mu sync.Mutex
	n  int
}

var (
	synthSPS = []byte{0, 0, 0, 1, 0x67, 0x42, 0xc0, 0x28, 0xda, 0x01, 0xe0}
	synthPPS = []byte{0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80}
)

// NextFrame writes the next access unit into slot.
func (s *SyntheticH264) NextFrame(ctx context.Context, slot *frame.Slot) error {
	s.mu.Lock()
	if s.Limit > 0 && s.n >= s.Limit {
		s.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer s.mu.Unlock()
	gop := s.GOP
	if gop <= 0 {
		gop = 30
	}

	var au []byte
	if s.n%gop == 0 {
		au = append(au, synthSPS...)
		au = append(au, synthPPS...)
		au = append(au, 0, 0, 0, 1, 0x65)
	} else {
		au = append(au, 0, 0, 0, 1, 0x41)
	}
	for i := 0; i < 64; i++ {
		// 0x00 never appears in filler, so no start code can be emulated.
		au = append(au, byte(s.n+i)|0x80)
	}
	if len(au) > slot.Capacity() {
		return fmt.Errorf("source: access unit of %d bytes exceeds slot", len(au))
	}

	slot.Size = copy(slot.Data, au)
	slot.Format = frame.FormatH264
	slot.Width, slot.Height = s.Width, s.Height
	slot.Timestamp = time.Now()
	s.n++
	return nil
}
