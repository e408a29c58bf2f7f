// Package topology describes pipeline graphs declaratively and builds
// controllers from them.
package topology

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

// Stage kinds.
const (
	KindCapture   = "capture"
	KindInference = "inference"
	KindDisplay   = "display"
	KindEncode    = "encode"
	KindInspect   = "inspect"
)

// Graph is a set of pools and the stages moving slots through them.
type Graph struct {
	Width  int         `yaml:"width"`
	Height int         `yaml:"height"`
	Pools  []PoolSpec  `yaml:"pools"`
	Stages []StageSpec `yaml:"stages"`
}

// PoolSpec declares a pool and its gates in chain order. A pool with one
// buffer fed through Copies is a side channel.
type PoolSpec struct {
	Name    string   `yaml:"name"`
	Buffers int      `yaml:"buffers"`
	Formats []string `yaml:"formats"`
	Gates   []string `yaml:"gates"`
}

// StageSpec declares one stage. Source names a pool, Input, Forward and
// Copies name gates.
type StageSpec struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Source  string   `yaml:"source,omitempty"`
	Input   string   `yaml:"input,omitempty"`
	Forward string   `yaml:"forward,omitempty"`
	Copies  []string `yaml:"copies,omitempty"`
}

var kinds = map[string]bool{
	KindCapture:   true,
	KindInference: true,
	KindDisplay:   true,
	KindEncode:    true,
	KindInspect:   true,
}

type gateRef struct {
	pool  *PoolSpec
	index int
}

// Validate checks that the graph is well formed: every gate has exactly one
// consumer and one feeder, forwarding follows each pool's gate order, and
// every chain ends in a release.
func (g *Graph) Validate() error {
	if g.Width <= 0 || g.Height <= 0 || g.Width > frame.MaxDimension || g.Height > frame.MaxDimension {
		return fmt.Errorf("topology: invalid frame size %dx%d", g.Width, g.Height)
	}
	if len(g.Pools) == 0 || len(g.Stages) == 0 {
		return errors.New("topology: graph needs pools and stages")
	}

	pools := make(map[string]*PoolSpec, len(g.Pools))
	gates := make(map[string]gateRef)
	for i := range g.Pools {
		p := &g.Pools[i]
		if p.Name == "" {
			return fmt.Errorf("topology: pool %d has no name", i)
		}
		if _, dup := pools[p.Name]; dup {
			return fmt.Errorf("topology: duplicate pool %q", p.Name)
		}
		if p.Buffers <= 0 {
			return fmt.Errorf("topology: pool %s needs at least one buffer", p.Name)
		}
		if len(p.Gates) == 0 {
			return fmt.Errorf("topology: pool %s has no gates", p.Name)
		}
		if _, err := p.Capacity(g.Width, g.Height); err != nil {
			return err
		}
		pools[p.Name] = p
		for j, name := range p.Gates {
			if _, dup := gates[name]; dup {
				return fmt.Errorf("topology: duplicate gate %q", name)
			}
			gates[name] = gateRef{pool: p, index: j}
		}
	}

	consumers := make(map[string]string)
	feeders := make(map[string]string)
	sources := make(map[string]string)
	copiedInto := make(map[string]bool)
	names := make(map[string]bool)

	for _, s := range g.Stages {
		if s.Name == "" || names[s.Name] {
			return fmt.Errorf("topology: stage name %q missing or duplicate", s.Name)
		}
		names[s.Name] = true
		if !kinds[s.Kind] {
			return fmt.Errorf("topology: stage %s has unknown kind %q", s.Name, s.Kind)
		}
		if (s.Source == "") == (s.Input == "") {
			return fmt.Errorf("topology: stage %s needs exactly one of source or input", s.Name)
		}
		if (s.Kind == KindCapture) != (s.Source != "") {
			return fmt.Errorf("topology: only capture stages may have a source (stage %s)", s.Name)
		}

		var pool *PoolSpec
		next := 0
		if s.Source != "" {
			p, ok := pools[s.Source]
			if !ok {
				return fmt.Errorf("topology: stage %s sources unknown pool %q", s.Name, s.Source)
			}
			if prev, taken := sources[s.Source]; taken {
				return fmt.Errorf("topology: pool %s has two sources (%s, %s)", s.Source, prev, s.Name)
			}
			sources[s.Source] = s.Name
			pool = p
		} else {
			ref, ok := gates[s.Input]
			if !ok {
				return fmt.Errorf("topology: stage %s reads unknown gate %q", s.Name, s.Input)
			}
			if prev, taken := consumers[s.Input]; taken {
				return fmt.Errorf("topology: gate %s consumed by both %s and %s", s.Input, prev, s.Name)
			}
			consumers[s.Input] = s.Name
			pool = ref.pool
			next = ref.index + 1
		}

		if s.Forward != "" {
			ref, ok := gates[s.Forward]
			if !ok || ref.pool != pool {
				return fmt.Errorf("topology: stage %s forwards to %q, not a gate of pool %s", s.Name, s.Forward, pool.Name)
			}
			if ref.index != next {
				return fmt.Errorf("topology: stage %s forwards to %s out of chain order", s.Name, s.Forward)
			}
			if err := feed(feeders, s.Forward, s.Name); err != nil {
				return err
			}
		} else if next < len(pool.Gates) {
			return fmt.Errorf("topology: stage %s releases before gate %s of pool %s", s.Name, pool.Gates[next], pool.Name)
		}

		for _, c := range s.Copies {
			ref, ok := gates[c]
			if !ok {
				return fmt.Errorf("topology: stage %s copies to unknown gate %q", s.Name, c)
			}
			if ref.pool == pool || ref.index != 0 {
				return fmt.Errorf("topology: stage %s copies to %s, which is not the first gate of another pool", s.Name, c)
			}
			if err := feed(feeders, c, s.Name); err != nil {
				return err
			}
			copiedInto[c] = true
		}
	}

	for _, p := range g.Pools {
		_, sourced := sources[p.Name]
		copied := copiedInto[p.Gates[0]]
		switch {
		case sourced && consumers[p.Gates[0]] == "":
			return fmt.Errorf("topology: pool %s has no consumer", p.Name)
		case !sourced && !copied:
			return fmt.Errorf("topology: pool %s is never written", p.Name)
		case sourced && copied:
			return fmt.Errorf("topology: pool %s is both sourced and copied into", p.Name)
		}
		for _, gate := range p.Gates {
			if consumers[gate] == "" {
				return fmt.Errorf("topology: gate %s has no consumer", gate)
			}
			if _, ok := feeders[gate]; !ok && !(sourced && gate == p.Gates[0]) {
				return fmt.Errorf("topology: gate %s is never fed", gate)
			}
		}
	}
	return nil
}

func feed(feeders map[string]string, gate, stage string) error {
	if prev, ok := feeders[gate]; ok {
		return fmt.Errorf("topology: gate %s fed by both %s and %s", gate, prev, stage)
	}
	feeders[gate] = stage
	return nil
}

// Capacity returns the slot size needed for the pool's formats.
func (p PoolSpec) Capacity(w, h int) (int, error) {
	if len(p.Formats) == 0 {
		return 0, fmt.Errorf("topology: pool %s lists no formats", p.Name)
	}
	formats := make([]frame.Format, len(p.Formats))
	for i, name := range p.Formats {
		f, err := frame.ParseFormat(name)
		if err != nil {
			return 0, fmt.Errorf("topology: pool %s: %w", p.Name, err)
		}
		formats[i] = f
	}
	return frame.Capacity(w, h, formats...)
}

// Kinds returns the set of stage kinds used by the graph.
func (g *Graph) Kinds() map[string]bool {
	out := make(map[string]bool)
	for _, s := range g.Stages {
		out[s.Kind] = true
	}
	return out
}
