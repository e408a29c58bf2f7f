package h264

import (
	"errors"
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

// ErrNoNAL is returned when a buffer holds no start code.
var ErrNoNAL = errors.New("h264: no NAL unit found")

// Info summarizes one access unit.
type Info struct {
	NALs   int  `json:"nals"`
	IsIDR  bool `json:"is_idr"`
	HasSPS bool `json:"has_sps"`
	HasPPS bool `json:"has_pps"`
}

// Stats counts what a Processor has seen.
type Stats struct {
	AccessUnits uint64 `json:"access_units"`
	IDRFrames   uint64 `json:"idr_frames"`
	Bytes       uint64 `json:"bytes"`
	HasHeaders  bool   `json:"has_headers"`
}

// Processor tracks the parameter sets of one H.264 stream. It is safe for
// use by one writer and concurrent readers.
type Processor struct {
	mu    sync.RWMutex
	sps   []byte
	pps   []byte
	stats Stats
}

// NewProcessor creates a processor with no cached headers.
func NewProcessor() *Processor {
	return &Processor{}
}

// Inspect scans one access unit, caches SPS/PPS and reports what it holds.
// Only parameter sets are copied; slices are scanned in place.
func (p *Processor) Inspect(data []byte) (Info, error) {
	var info Info
	var sps, pps []byte
	walkNALs(data, func(nalType uint8, nal []byte) {
		info.NALs++
		switch nalType {
		case types.NALTypeSPS:
			info.HasSPS = true
			sps = append([]byte(nil), nal...)
		case types.NALTypePPS:
			info.HasPPS = true
			pps = append([]byte(nil), nal...)
		case types.NALTypeIDR:
			info.IsIDR = true
		}
	})
	if info.NALs == 0 {
		return info, ErrNoNAL
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if sps != nil {
		p.sps = sps
	}
	if pps != nil {
		p.pps = pps
	}
	p.stats.AccessUnits++
	p.stats.Bytes += uint64(len(data))
	if info.IsIDR {
		p.stats.IDRFrames++
	}
	p.stats.HasHeaders = len(p.sps) > 0 && len(p.pps) > 0
	return info, nil
}

// Process inspects an encoded frame and marks it as IDR when it is one.
func (p *Processor) Process(frame *types.EncodedFrame) error {
	info, err := p.Inspect(frame.Data)
	if err != nil {
		return err
	}
	frame.IsIDR = info.IsIDR
	return nil
}

// PrependHeaders returns data with the cached SPS/PPS in front when data is
// an IDR access unit that lacks them. Other input is returned unchanged.
func (p *Processor) PrependHeaders(data []byte) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.sps) == 0 || len(p.pps) == 0 {
		return data
	}

	var idr, headers bool
	walkNALs(data, func(nalType uint8, _ []byte) {
		switch nalType {
		case types.NALTypeIDR:
			idr = true
		case types.NALTypeSPS:
			headers = true
		}
	})
	if !idr || headers {
		return data
	}

	out := make([]byte, 0, len(p.sps)+len(p.pps)+len(data))
	out = append(out, p.sps...)
	out = append(out, p.pps...)
	return append(out, data...)
}

// Headers returns copies of the cached SPS and PPS.
func (p *Processor) Headers() (sps, pps []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]byte(nil), p.sps...), append([]byte(nil), p.pps...)
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// ParseNALUnits splits an Annex B buffer into NAL units. Each unit keeps its
// start code and is copied out of data.
func ParseNALUnits(data []byte) ([]types.NALUnit, error) {
	units := make([]types.NALUnit, 0, 8)
	walkNALs(data, func(nalType uint8, nal []byte) {
		units = append(units, types.NALUnit{Type: nalType, Data: append([]byte(nil), nal...)})
	})
	if len(units) == 0 {
		return nil, ErrNoNAL
	}
	return units, nil
}

// ExtractNALType returns the type of the first NAL unit in data, or 0.
func ExtractNALType(data []byte) uint8 {
	n := startCodeLen(data, 0)
	if n == 0 || n >= len(data) {
		return 0
	}
	return data[n] & 0x1F
}

// IsIDRFrame reports whether data contains an IDR slice.
func IsIDRFrame(data []byte) bool {
	idr := false
	walkNALs(data, func(nalType uint8, _ []byte) {
		if nalType == types.NALTypeIDR {
			idr = true
		}
	})
	return idr
}

// walkNALs calls fn for every NAL unit in data. nal includes the start code
// and aliases data.
func walkNALs(data []byte, fn func(nalType uint8, nal []byte)) {
	offset := 0
	for offset < len(data) {
		sc := startCodeLen(data, offset)
		if sc == 0 {
			offset++
			continue
		}
		header := offset + sc
		if header >= len(data) {
			return
		}
		end := findNextStartCode(data, header+1)
		if end == -1 {
			end = len(data)
		}
		fn(data[header]&0x1F, data[offset:end])
		offset = end
	}
}

func startCodeLen(data []byte, i int) int {
	if i+4 <= len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
		return 4
	}
	if i+3 <= len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
		return 3
	}
	return 0
}

func findNextStartCode(data []byte, offset int) int {
	for i := offset; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			return i
		}
		if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
			return i
		}
	}
	return -1
}
