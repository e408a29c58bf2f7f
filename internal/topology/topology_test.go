package topology

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/source"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/stages"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
	"gopkg.in/yaml.v3"
)

type call struct {
	pts    uint64
	seq    uint64
	format frame.Format
	size   int
}

type recordingEncoder struct {
	mu    sync.Mutex
	calls []call
	n     chan struct{}
}

func newRecordingEncoder() *recordingEncoder {
	return &recordingEncoder{n: make(chan struct{}, 1024)}
}

func (e *recordingEncoder) EncodeAndSend(ctx context.Context, data []byte, w, h int, format frame.Format, meta types.EncodedFrame) error {
	e.mu.Lock()
	e.calls = append(e.calls, call{pts: meta.PTS, seq: meta.Seq, format: format, size: len(data)})
	e.mu.Unlock()
	e.n <- struct{}{}
	return nil
}

func (e *recordingEncoder) snapshot() []call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]call(nil), e.calls...)
}

func (e *recordingEncoder) waitCalls(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-e.n:
		case <-deadline:
			t.Fatalf("encoder saw %d of %d frames", i, n)
		}
	}
}

type collectSink struct {
	mu     sync.Mutex
	frames []types.EncodedFrame
}

func (s *collectSink) SendFrame(f *types.EncodedFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, *f)
	return true
}

func stopAndCheck(t *testing.T, p *Pipeline) {
	t.Helper()
	p.RequestShutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.JoinAll(ctx); err != nil {
		t.Fatalf("JoinAll: %v", err)
	}
	for _, pool := range p.Pools() {
		c := pool.Snapshot()
		total := c.Available + c.InFlight
		for gate, ready := range c.Ready {
			if ready < 0 || ready > c.Size {
				t.Errorf("pool %s gate %s ready=%d outside [0,%d]", pool.Name(), gate, ready, c.Size)
			}
			total += ready
		}
		if c.Available < 0 || c.Available > c.Size || total != c.Size {
			t.Errorf("pool %s counts %+v do not add up to %d", pool.Name(), c, c.Size)
		}
		if pool.MaxHolders() > 1 {
			t.Errorf("pool %s had %d concurrent holders of one slot", pool.Name(), pool.MaxHolders())
		}
	}
	if err := p.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
}

func TestDetectTopologyEndToEnd(t *testing.T) {
	const frames = 10
	g, err := Preset(PresetDetect, 1920, 1080, 2)
	if err != nil {
		t.Fatal(err)
	}
	cam, err := source.NewSynthetic(source.SyntheticConfig{Width: 1920, Height: 1080, Limit: frames})
	if err != nil {
		t.Fatal(err)
	}
	det, err := detect.NewMotionDetector(detect.DefaultMotionConfig())
	if err != nil {
		t.Fatal(err)
	}
	enc := newRecordingEncoder()
	presenter := &display.NullPresenter{}

	p, err := Build(g, Collaborators{
		Camera:     cam,
		Detector:   det,
		Compositor: display.NewCompositor(),
		Presenter:  presenter,
		Encoder:    enc,
		ShowFPS:    true,
	}, pipeline.Options{StageTimeout: -1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enc.waitCalls(t, frames)
	stopAndCheck(t, p)

	calls := enc.snapshot()
	if len(calls) != frames {
		t.Fatalf("encoder called %d times, want %d", len(calls), frames)
	}
	for i, c := range calls {
		if c.pts != uint64(i) || c.seq != uint64(i) {
			t.Errorf("call %d: pts=%d seq=%d", i, c.pts, c.seq)
		}
		if c.format != frame.FormatBGRA8888 || c.size != 1920*1080*4 {
			t.Errorf("call %d: got %s of %d bytes, want composed BGRA", i, c.format, c.size)
		}
	}
	if got := presenter.Presented(); got != frames {
		t.Errorf("presented %d frames, want %d", got, frames)
	}
	res, version := p.Detections.Load()
	if version != frames || res.FrameNumber != frames-1 {
		t.Errorf("latest detections version=%d frame=%d", version, res.FrameNumber)
	}
	for _, st := range p.Stages() {
		if st.State != pipeline.StateTerminated.String() || st.Failed != 0 {
			t.Errorf("stage %+v", st)
		}
	}
}

func TestDirectTopologyEncodesRawFrames(t *testing.T) {
	const frames = 5
	g, err := Preset(PresetDirect, 640, 480, 3)
	if err != nil {
		t.Fatal(err)
	}
	cam, err := source.NewSynthetic(source.SyntheticConfig{Width: 640, Height: 480, Limit: frames})
	if err != nil {
		t.Fatal(err)
	}
	enc := newRecordingEncoder()
	presenter := display.NewSnapshotPresenter(0)

	p, err := Build(g, Collaborators{
		Camera:     cam,
		Compositor: display.NewCompositor(),
		Presenter:  presenter,
		Encoder:    enc,
	}, pipeline.Options{StageTimeout: -1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Detections != nil {
		t.Error("direct topology should not publish detections")
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enc.waitCalls(t, frames)
	deadline := time.Now().Add(5 * time.Second)
	for presenter.Presented() < frames && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stopAndCheck(t, p)

	for i, c := range enc.snapshot() {
		if c.pts != uint64(i) || c.format != frame.FormatNV12 || c.size != 640*480*3/2 {
			t.Errorf("call %d = %+v, want raw NV12", i, c)
		}
	}
	if _, seq, ok := presenter.Snapshot(); !ok || seq != frames-1 {
		t.Errorf("snapshot seq=%d ok=%v", seq, ok)
	}
}

func TestPassthroughTopology(t *testing.T) {
	const frames = 6
	g, err := Preset(PresetPassthrough, 320, 240, 2)
	if err != nil {
		t.Fatal(err)
	}
	sink := &collectSink{}
	enc := stream.NewH264Passthrough(nil, sink)
	proc := h264.NewProcessor()
	p, err := Build(g, Collaborators{
		Camera:    &source.SyntheticH264{Width: 320, Height: 240, GOP: 3, Limit: frames},
		Encoder:   enc,
		Processor: proc,
	}, pipeline.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for (enc.Stats().Frames < frames || proc.Stats().AccessUnits < frames) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stopAndCheck(t, p)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != frames {
		t.Fatalf("sink got %d frames, want %d", len(sink.frames), frames)
	}
	for i, f := range sink.frames {
		if want := i%3 == 0; f.IsIDR != want {
			t.Errorf("frame %d IsIDR=%v", i, f.IsIDR)
		}
		if f.PTS != uint64(i) || f.MimeType != types.MimeH264 {
			t.Errorf("frame %d pts=%d mime=%s", i, f.PTS, f.MimeType)
		}
	}
	step, ok := p.Step("inspect")
	if !ok {
		t.Fatal("no inspect step")
	}
	inspected := step.(*stages.Inspect).Processor.Stats()
	if inspected.AccessUnits != frames || inspected.IDRFrames != 2 {
		t.Errorf("inspect stats %+v", inspected)
	}
	if info := enc.StreamInfo(); info.IDRFrames != 2 || !info.HasHeaders {
		t.Errorf("stream info %+v", info)
	}
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	base := func() Graph {
		g, err := Preset(PresetDetect, 64, 48, 2)
		if err != nil {
			t.Fatal(err)
		}
		return g
	}
	tests := []struct {
		name   string
		mutate func(*Graph)
		want   string
	}{
		{"bad size", func(g *Graph) { g.Width = 0 }, "frame size"},
		{"oversized", func(g *Graph) { g.Width = 1 << 40 }, "frame size"},
		{"two sources", func(g *Graph) {
			g.Stages = append(g.Stages, StageSpec{Name: "capture2", Kind: KindCapture, Source: "frames", Forward: "filled"})
		}, "two sources"},
		{"unknown kind", func(g *Graph) { g.Stages[1].Kind = "resize" }, "unknown kind"},
		{"two consumers", func(g *Graph) { g.Stages[2].Input = "filled" }, "consumed by both"},
		{"out of order", func(g *Graph) { g.Stages[0].Forward = "display" }, "chain order"},
		{"early release", func(g *Graph) { g.Stages[1].Forward = "" }, "releases before"},
		{"copy into own pool", func(g *Graph) { g.Stages[2].Copies = []string{"filled"} }, "not the first gate"},
		{"unfed side channel", func(g *Graph) { g.Stages[2].Copies = nil }, "never written"},
		{"no buffers", func(g *Graph) { g.Pools[0].Buffers = 0 }, "at least one buffer"},
		{"bad format", func(g *Graph) { g.Pools[1].Formats = []string{"yuyv"} }, "unknown frame format"},
		{"source on inference", func(g *Graph) { g.Stages[1].Kind = KindCapture }, "only capture"},
		{"duplicate gate", func(g *Graph) { g.Pools[1].Gates = []string{"filled"} }, "duplicate gate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := base()
			tt.mutate(&g)
			err := g.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestPresetsValidate(t *testing.T) {
	for _, name := range Presets() {
		if _, err := Preset(name, 1920, 1080, 2); err != nil {
			t.Errorf("preset %s: %v", name, err)
		}
	}
	if _, err := Preset("ring", 1920, 1080, 2); err == nil {
		t.Error("unknown preset accepted")
	}
}

func TestGraphFromYAML(t *testing.T) {
	doc := `
width: 640
height: 480
pools:
  - name: frames
    buffers: 4
    formats: [nv12, bgra8888]
    gates: [filled]
  - name: out
    buffers: 1
    formats: [bgra8888]
    gates: [out]
stages:
  - {name: cam, kind: capture, source: frames, forward: filled}
  - {name: show, kind: display, input: filled, copies: [out]}
  - {name: enc, kind: encode, input: out}
`
	var g Graph
	if err := yaml.Unmarshal([]byte(doc), &g); err != nil {
		t.Fatal(err)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	capacity, err := g.Pools[0].Capacity(g.Width, g.Height)
	if err != nil || capacity != 640*480*4 {
		t.Errorf("capacity = %d, %v", capacity, err)
	}
}

func TestBuildRequiresCollaborators(t *testing.T) {
	g, err := Preset(PresetDetect, 64, 48, 2)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Build(g, Collaborators{Encoder: newRecordingEncoder()}, pipeline.Options{})
	if err == nil {
		t.Fatal("Build accepted a graph without a camera")
	}
	for _, want := range []string{"camera", "detector", "compositor"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
