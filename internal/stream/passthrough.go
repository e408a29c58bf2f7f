package stream

import (
	"context"
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

// H264Passthrough forwards already encoded H.264 access units. It tracks
// parameter sets so late joiners and recordings start decodable.
type H264Passthrough struct {
	proc     *h264.Processor
	rec      *recorder.Recorder
	sinks    []Sink
	counters counters
}

// NewH264Passthrough creates a passthrough encoder. rec may be nil; when set
// it receives the cached SPS/PPS whenever they change.
func NewH264Passthrough(rec *recorder.Recorder, sinks ...Sink) *H264Passthrough {
	if rec != nil {
		sinks = append(sinks, rec)
	}
	return &H264Passthrough{proc: h264.NewProcessor(), rec: rec, sinks: sinks}
}

// EncodeAndSend implements the encode stage's collaborator.
func (p *H264Passthrough) EncodeAndSend(ctx context.Context, data []byte, w, h int, format frame.Format, meta types.EncodedFrame) error {
	if format != frame.FormatH264 {
		return fmt.Errorf("stream: passthrough needs h264 input, got %s", format)
	}
	info, err := p.proc.Inspect(data)
	if err != nil {
		return err
	}
	if p.rec != nil && (info.HasSPS || info.HasPPS) {
		p.rec.UpdateHeaders(p.proc.Headers())
	}

	out := meta
	out.Data = append([]byte(nil), p.proc.PrependHeaders(data)...)
	out.IsIDR = info.IsIDR
	out.Width, out.Height = w, h
	out.MimeType = types.MimeH264
	p.counters.fanOut(p.sinks, &out)
	return nil
}

// Stats returns the encoder counters.
func (p *H264Passthrough) Stats() Stats { return p.counters.stats() }

// StreamInfo returns what the parser has seen of the stream.
func (p *H264Passthrough) StreamInfo() h264.Stats { return p.proc.Stats() }
