package topology

import "fmt"

// Preset names.
const (
	PresetDetect      = "detect"
	PresetDirect      = "direct"
	PresetPassthrough = "passthrough"
)

// Presets lists the built-in graph names.
func Presets() []string {
	return []string{PresetDetect, PresetDirect, PresetPassthrough}
}

// Preset returns a built-in graph for frames of w x h with the given number
// of main pool buffers.
//
//	detect:      capture -> filled -> inference -> display -> display stage,
//	             display copies into encode -> encode
//	direct:      capture -> filled -> display, capture copies into raw -> encode
//	passthrough: capture -> filled -> inspect, capture copies into raw -> encode
func Preset(name string, w, h, buffers int) (Graph, error) {
	g := Graph{Width: w, Height: h}
	switch name {
	case PresetDetect:
		g.Pools = []PoolSpec{
			{Name: "frames", Buffers: buffers, Formats: []string{"nv12", "bgra8888"}, Gates: []string{"filled", "display"}},
			{Name: "encode", Buffers: 1, Formats: []string{"bgra8888"}, Gates: []string{"encode"}},
		}
		g.Stages = []StageSpec{
			{Name: "capture", Kind: KindCapture, Source: "frames", Forward: "filled"},
			{Name: "inference", Kind: KindInference, Input: "filled", Forward: "display"},
			{Name: "display", Kind: KindDisplay, Input: "display", Copies: []string{"encode"}},
			{Name: "encode", Kind: KindEncode, Input: "encode"},
		}
	case PresetDirect:
		g.Pools = []PoolSpec{
			{Name: "frames", Buffers: buffers, Formats: []string{"nv12", "rgb888", "bgra8888"}, Gates: []string{"filled"}},
			{Name: "raw", Buffers: 1, Formats: []string{"nv12", "rgb888"}, Gates: []string{"raw"}},
		}
		g.Stages = []StageSpec{
			{Name: "capture", Kind: KindCapture, Source: "frames", Forward: "filled", Copies: []string{"raw"}},
			{Name: "display", Kind: KindDisplay, Input: "filled"},
			{Name: "encode", Kind: KindEncode, Input: "raw"},
		}
	case PresetPassthrough:
		g.Pools = []PoolSpec{
			{Name: "frames", Buffers: buffers, Formats: []string{"h264"}, Gates: []string{"filled"}},
			{Name: "raw", Buffers: 1, Formats: []string{"h264"}, Gates: []string{"raw"}},
		}
		g.Stages = []StageSpec{
			{Name: "capture", Kind: KindCapture, Source: "frames", Forward: "filled", Copies: []string{"raw"}},
			{Name: "inspect", Kind: KindInspect, Input: "filled"},
			{Name: "encode", Kind: KindEncode, Input: "raw"},
		}
	default:
		return Graph{}, fmt.Errorf("topology: unknown preset %q", name)
	}
	return g, g.Validate()
}
