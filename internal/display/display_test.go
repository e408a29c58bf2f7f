package display

import (
	"context"
	"errors"
	"image/color"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

func nv12Slot(t *testing.T, w, h int, y byte) *frame.Slot {
	t.Helper()
	capacity, err := frame.Capacity(w, h, frame.FormatNV12, frame.FormatBGRA8888)
	if err != nil {
		t.Fatal(err)
	}
	s := &frame.Slot{Data: make([]byte, capacity), Width: w, Height: h, Format: frame.FormatNV12}
	s.Size = w * h * 3 / 2
	for i := 0; i < w*h; i++ {
		s.Data[i] = y
	}
	for i := w * h; i < s.Size; i++ {
		s.Data[i] = 128
	}
	return s
}

func TestToBGRAGray(t *testing.T) {
	const w, h = 4, 2
	src := make([]byte, w*h*3/2)
	for i := range src[:w*h] {
		src[i] = 100
	}
	for i := w * h; i < len(src); i++ {
		src[i] = 128
	}
	dst := make([]byte, w*h*4)
	if err := ToBGRA(dst, src, frame.FormatNV12, w, h); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(dst); i += 4 {
		if dst[i] != 100 || dst[i+1] != 100 || dst[i+2] != 100 || dst[i+3] != 255 {
			t.Fatalf("pixel %d = %v", i/4, dst[i:i+4])
		}
	}

	if err := ToBGRA(dst[:3], src, frame.FormatNV12, w, h); err == nil {
		t.Error("short destination accepted")
	}
	if err := ToBGRA(dst, src, frame.FormatH264, w, h); err == nil {
		t.Error("compressed source accepted")
	}
}

func TestToBGRAFromRGB(t *testing.T) {
	src := []byte{10, 20, 30}
	dst := make([]byte, 4)
	if err := ToBGRA(dst, src, frame.FormatRGB888, 1, 1); err != nil {
		t.Fatal(err)
	}
	if dst[0] != 30 || dst[1] != 20 || dst[2] != 10 {
		t.Fatalf("dst = %v", dst)
	}
}

func TestComposeDrawsBoxesInPlace(t *testing.T) {
	const w, h = 160, 120
	slot := nv12Slot(t, w, h, 16)
	c := NewCompositor()

	ov := Overlay{
		Detections: []detect.Detection{{ClassName: "cat", Confidence: 0.91, BBox: detect.BoundingBox{X: 40, Y: 50, W: 60, H: 40}}},
		FPS:        29.97,
		ShowFPS:    true,
	}
	if err := c.Compose(context.Background(), slot, ov); err != nil {
		t.Fatal(err)
	}
	if slot.Format != frame.FormatBGRA8888 || slot.Size != w*h*4 {
		t.Fatalf("slot = %s, %d bytes", slot.Format, slot.Size)
	}

	img := NewBGRA(slot.Data, w, h)
	if got := img.At(40, 70); got != boxColor {
		t.Errorf("box edge = %v, want %v", got, boxColor)
	}
	if got := img.At(70, 70).(color.RGBA); got.G > 32 {
		t.Errorf("box interior painted: %v", got)
	}

	// The label sits above the box and contains lit glyph pixels.
	lit := false
	for y := 50 - 17; y < 50; y++ {
		for x := 40; x < 100; x++ {
			if c := img.At(x, y).(color.RGBA); c.G == 255 && c.R == 0 {
				lit = true
			}
		}
	}
	if !lit {
		t.Error("no label glyphs above box")
	}

	// Composing an already converted slot is idempotent on format.
	if err := c.Compose(context.Background(), slot, Overlay{}); err != nil {
		t.Fatal(err)
	}
}

func TestComposeScalesBoxes(t *testing.T) {
	const w, h = 80, 60
	slot := nv12Slot(t, w, h, 16)
	ov := Overlay{
		Detections:  []detect.Detection{{ClassName: "cat", BBox: detect.BoundingBox{X: 40, Y: 40, W: 40, H: 40}}},
		SourceWidth: 160, SourceHeight: 120,
	}
	if err := NewCompositor().Compose(context.Background(), slot, ov); err != nil {
		t.Fatal(err)
	}
	img := NewBGRA(slot.Data, w, h)
	if got := img.At(20, 25); got != boxColor {
		t.Errorf("scaled box edge = %v", got)
	}
}

func TestComposeRejectsSmallSlot(t *testing.T) {
	slot := &frame.Slot{Data: make([]byte, 8*8*3/2), Size: 8 * 8 * 3 / 2, Width: 8, Height: 8}
	if err := NewCompositor().Compose(context.Background(), slot, Overlay{}); err == nil {
		t.Fatal("undersized slot accepted")
	}
}

func TestSnapshotPresenter(t *testing.T) {
	p := NewSnapshotPresenter(0)
	if _, _, ok := p.Snapshot(); ok {
		t.Fatal("snapshot before present")
	}

	slot := nv12Slot(t, 16, 16, 200)
	if err := p.Present(context.Background(), slot); err == nil {
		t.Fatal("NV12 presented")
	}
	if err := NewCompositor().Compose(context.Background(), slot, Overlay{}); err != nil {
		t.Fatal(err)
	}
	slot.Seq = 9
	if err := p.Present(context.Background(), slot); err != nil {
		t.Fatal(err)
	}
	img, seq, ok := p.Snapshot()
	if !ok || seq != 9 || img.Bounds().Dx() != 16 {
		t.Fatalf("snapshot = %v %d %v", img.Bounds(), seq, ok)
	}
	if p.Presented() != 1 {
		t.Fatalf("presented = %d", p.Presented())
	}
}

func TestPresenterFlipBound(t *testing.T) {
	p := NewSnapshotPresenter(time.Second)
	p.FlipTimeout = 10 * time.Millisecond
	p.epoch = time.Now()

	slot := &frame.Slot{Data: make([]byte, 4), Size: 4, Width: 1, Height: 1, Format: frame.FormatBGRA8888}
	if err := p.Present(context.Background(), slot); !errors.Is(err, ErrFlipTimeout) {
		t.Fatalf("err = %v, want ErrFlipTimeout", err)
	}

	p.Refresh = 5 * time.Millisecond
	start := time.Now()
	if err := p.Present(context.Background(), slot); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("present not bounded")
	}
}

func TestFPSMeter(t *testing.T) {
	var m FPSMeter
	start := time.Unix(0, 0)
	var fps float64
	for i := 0; i <= 30; i++ {
		fps = m.Tick(start.Add(time.Duration(i) * time.Second / 30))
	}
	if fps < 29 || fps > 32 {
		t.Fatalf("fps = %.2f", fps)
	}
}
