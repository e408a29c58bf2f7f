package topology

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/stages"
)

// Collaborators are the external components a graph's stages call into.
// Only those needed by the graph's stage kinds must be set.
type Collaborators struct {
	Camera     stages.Camera
	Detector   detect.Detector
	Compositor stages.Compositor
	Presenter  stages.Presenter
	Encoder    stages.Encoder
	Processor  *h264.Processor
	ShowFPS    bool
}

func (c Collaborators) check(kinds map[string]bool) error {
	var missing []error
	need := func(kind string, ok bool, what string) {
		if kinds[kind] && !ok {
			missing = append(missing, fmt.Errorf("%s stage needs a %s", kind, what))
		}
	}
	need(KindCapture, c.Camera != nil, "camera")
	need(KindInference, c.Detector != nil, "detector")
	need(KindDisplay, c.Compositor != nil, "compositor")
	need(KindEncode, c.Encoder != nil, "encoder")
	need(KindInspect, c.Processor != nil, "h264 processor")
	return errors.Join(missing...)
}

// Pipeline is a controller built from a graph together with the handles
// the host needs to observe it.
type Pipeline struct {
	*pipeline.Controller

	Graph Graph
	// Detections is nil when the graph has no inference stage.
	Detections *pipeline.Latest[detect.Result]

	steps map[string]pipeline.Step
}

// Step returns the step bound to the named stage.
func (p *Pipeline) Step(name string) (pipeline.Step, bool) {
	s, ok := p.steps[name]
	return s, ok
}

// Build validates g, allocates its pools and registers its stages. The
// returned pipeline is not started. On error everything created so far is
// torn down, which closes the collaborators already bound to stages.
func Build(g Graph, collab Collaborators, opts pipeline.Options) (*Pipeline, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := collab.check(g.Kinds()); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}

	p := &Pipeline{
		Controller: pipeline.New(opts),
		Graph:      g,
		steps:      make(map[string]pipeline.Step, len(g.Stages)),
	}
	if g.Kinds()[KindInference] {
		p.Detections = &pipeline.Latest[detect.Result]{}
	}
	if err := p.wire(collab); err != nil {
		if terr := p.Teardown(); terr != nil {
			logger.Warn("Topology", "Teardown after failed build: %v", terr)
		}
		return nil, err
	}
	logger.Info("Topology", "Built %d pools and %d stages (%dx%d)", len(g.Pools), len(g.Stages), g.Width, g.Height)
	return p, nil
}

func (p *Pipeline) wire(collab Collaborators) error {
	g := p.Graph
	pools := make(map[string]*pipeline.Pool, len(g.Pools))
	gates := make(map[string]*pipeline.Gate)
	for _, spec := range g.Pools {
		capacity, err := spec.Capacity(g.Width, g.Height)
		if err != nil {
			return err
		}
		pool, err := p.NewPool(spec.Name, spec.Buffers, capacity)
		if err != nil {
			return fmt.Errorf("topology: %w", err)
		}
		pools[spec.Name] = pool
		for _, name := range spec.Gates {
			gates[name] = pool.Gate(name)
		}
		logger.Debug("Topology", "Pool %s: %d x %d bytes, gates %v", spec.Name, spec.Buffers, capacity, spec.Gates)
	}

	for _, s := range g.Stages {
		step := p.step(s.Kind, collab)
		spec := pipeline.StageSpec{Name: s.Name, Step: step}
		if s.Source != "" {
			spec.Source = pools[s.Source]
		} else {
			spec.Input = gates[s.Input]
		}
		if s.Forward != "" {
			spec.Forward = gates[s.Forward]
		}
		for _, c := range s.Copies {
			spec.Copies = append(spec.Copies, gates[c])
		}
		if err := p.AddStage(spec); err != nil {
			return fmt.Errorf("topology: %w", err)
		}
		p.steps[s.Name] = step
	}
	return nil
}

func (p *Pipeline) step(kind string, c Collaborators) pipeline.Step {
	switch kind {
	case KindCapture:
		return &stages.Capture{Camera: c.Camera}
	case KindInference:
		return &stages.Inference{Detector: c.Detector, Out: p.Detections}
	case KindDisplay:
		return &stages.Display{Compositor: c.Compositor, Presenter: c.Presenter, Detections: p.Detections, ShowFPS: c.ShowFPS}
	case KindEncode:
		return &stages.Encode{Encoder: c.Encoder}
	default:
		return &stages.Inspect{Processor: c.Processor}
	}
}
