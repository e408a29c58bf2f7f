package stream

import (
	"bytes"
	"context"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

type captureSink struct {
	mu     sync.Mutex
	frames []*types.EncodedFrame
	reject bool
}

func (s *captureSink) SendFrame(f *types.EncodedFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.frames = append(s.frames, f)
	return true
}

func nv12(w, h int) []byte {
	buf := make([]byte, w*h*3/2)
	for i := range buf[:w*h] {
		buf[i] = byte(i % 251)
	}
	for i := w * h; i < len(buf); i++ {
		buf[i] = 128
	}
	return buf
}

func TestMJPEGEncoderScalesAndFansOut(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	enc := NewMJPEGEncoder(80, 320, a, b)

	ts := time.Unix(100, 0)
	meta := types.EncodedFrame{Seq: 5, PTS: 0, Timestamp: ts}
	if err := enc.EncodeAndSend(context.Background(), nv12(640, 480), 640, 480, frame.FormatNV12, meta); err != nil {
		t.Fatal(err)
	}

	if len(a.frames) != 1 || len(b.frames) != 1 {
		t.Fatalf("sinks got %d and %d frames", len(a.frames), len(b.frames))
	}
	f := a.frames[0]
	if f.MimeType != types.MimeJPEG || f.Seq != 5 || !f.Timestamp.Equal(ts) {
		t.Fatalf("frame meta = %+v", f)
	}
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 320 || img.Bounds().Dy() != 240 || f.Width != 320 {
		t.Fatalf("image = %v", img.Bounds())
	}

	st := enc.Stats()
	if st.Frames != 1 || st.Bytes != uint64(len(f.Data)) || st.Dropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMJPEGEncoderFormats(t *testing.T) {
	enc := NewMJPEGEncoder(0, 0)
	ctx := context.Background()
	tests := []struct {
		format frame.Format
		data   []byte
	}{
		{frame.FormatBGRA8888, make([]byte, 8*8*4)},
		{frame.FormatRGB888, make([]byte, 8*8*3)},
		{frame.FormatYUV420P, nv12(8, 8)},
	}
	for _, tt := range tests {
		if err := enc.EncodeAndSend(ctx, tt.data, 8, 8, tt.format, types.EncodedFrame{}); err != nil {
			t.Errorf("%s: %v", tt.format, err)
		}
	}
	if err := enc.EncodeAndSend(ctx, []byte{1}, 8, 8, frame.FormatH264, types.EncodedFrame{}); err == nil {
		t.Error("h264 input accepted")
	}
	if st := enc.Stats(); st.Dropped != 3 {
		t.Errorf("dropped = %d, want 3 with no sinks", st.Dropped)
	}
}

func TestH264PassthroughPrependsHeaders(t *testing.T) {
	sink := &captureSink{}
	p := NewH264Passthrough(nil, sink)
	ctx := context.Background()

	sps := []byte{0, 0, 0, 1, 0x67, 0x42}
	pps := []byte{0, 0, 0, 1, 0x68, 0xce}
	idr := []byte{0, 0, 0, 1, 0x65, 0x88}
	slice := []byte{0, 0, 0, 1, 0x41, 0x9a}

	aus := [][]byte{
		append(append(append([]byte{}, sps...), pps...), idr...),
		slice,
		idr,
	}
	for i, au := range aus {
		meta := types.EncodedFrame{PTS: uint64(i), Seq: uint64(i)}
		if err := p.EncodeAndSend(ctx, au, 1920, 1080, frame.FormatH264, meta); err != nil {
			t.Fatal(err)
		}
	}

	if len(sink.frames) != 3 {
		t.Fatalf("got %d frames", len(sink.frames))
	}
	if !sink.frames[0].IsIDR || sink.frames[1].IsIDR || !sink.frames[2].IsIDR {
		t.Fatal("IDR flags wrong")
	}
	if !bytes.HasPrefix(sink.frames[2].Data, sps) {
		t.Fatalf("late IDR lacks SPS: %x", sink.frames[2].Data)
	}
	for i, f := range sink.frames {
		if f.PTS != uint64(i) || f.MimeType != types.MimeH264 {
			t.Fatalf("frame %d = %+v", i, f)
		}
	}
	if info := p.StreamInfo(); info.IDRFrames != 2 || !info.HasHeaders {
		t.Fatalf("stream info = %+v", info)
	}

	if err := p.EncodeAndSend(ctx, nv12(4, 4), 4, 4, frame.FormatNV12, types.EncodedFrame{}); err == nil {
		t.Fatal("raw input accepted")
	}
}
