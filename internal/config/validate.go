package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/topology"
)

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	if err := c.Pipeline.Validate(c.Topology != nil); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector config: %w", err)
	}
	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder config: %w", err)
	}
	if c.WebRTC.MaxClients < 0 || c.WebRTC.FrameRate < 0 {
		return errors.New("webrtc config: max_clients and frame_rate must not be negative")
	}
	if c.Topology != nil {
		if err := c.Topology.Validate(); err != nil {
			return fmt.Errorf("topology config: %w", err)
		}
	}

	// The passthrough graph carries H.264 end to end; the others raw pixels.
	h264Source := c.Source.Kind == SourceSyntheticH264
	if c.Topology == nil && c.Pipeline.Topology == topology.PresetPassthrough {
		if c.Encoder.Kind != EncoderH264 {
			return errors.New("passthrough topology needs the h264 encoder")
		}
		if c.Source.Kind == SourceSynthetic {
			return errors.New("passthrough topology needs an h264 source")
		}
	} else if h264Source {
		return fmt.Errorf("source %s only feeds the passthrough topology", c.Source.Kind)
	}
	return nil
}

func (l LogConfig) Validate() error {
	if _, err := logger.ParseLevel(l.Level); err != nil {
		return err
	}
	for module, level := range l.Modules {
		if _, err := logger.ParseLevel(level); err != nil {
			return fmt.Errorf("module %s: %w", module, err)
		}
	}
	return nil
}

// Validate checks pool sizes and bounds. A custom graph carries its own
// preset-independent sizes, so the preset name is not checked then.
func (p PipelineConfig) Validate(custom bool) error {
	if !custom && !slices.Contains(topology.Presets(), p.Topology) {
		return fmt.Errorf("unknown topology %q (want one of %v)", p.Topology, topology.Presets())
	}
	if p.Buffers < 1 {
		return fmt.Errorf("buffers must be at least 1, got %d", p.Buffers)
	}
	if p.Width <= 0 || p.Height <= 0 || p.Width > frame.MaxDimension || p.Height > frame.MaxDimension ||
		p.Width%2 != 0 || p.Height%2 != 0 {
		return fmt.Errorf("invalid frame size %dx%d", p.Width, p.Height)
	}
	if p.RetryDelay < 0 || p.JoinTimeout < 0 {
		return errors.New("retry_delay and join_timeout must not be negative")
	}
	return nil
}

func (s SourceConfig) Validate() error {
	switch s.Kind {
	case SourceSynthetic, SourceSyntheticH264:
	case SourceShm:
		if s.ShmName == "" {
			return errors.New("shm source needs shm_name")
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	if s.FPS < 0 || s.Limit < 0 || s.GOP < 0 {
		return errors.New("fps, limit and gop must not be negative")
	}
	return nil
}

func (d DetectorConfig) Validate() error {
	switch d.Kind {
	case DetectorMotion:
	case DetectorShm:
		if d.ShmName == "" {
			return errors.New("shm detector needs shm_name")
		}
		return nil
	default:
		return fmt.Errorf("unknown detector kind %q", d.Kind)
	}
	if d.CellSize < 2 {
		return fmt.Errorf("cell_size must be at least 2, got %d", d.CellSize)
	}
	if d.Threshold <= 0 || d.Threshold > 255 {
		return fmt.Errorf("threshold must be in (0, 255], got %g", d.Threshold)
	}
	if d.MinCells < 1 {
		return fmt.Errorf("min_cells must be at least 1, got %d", d.MinCells)
	}
	return nil
}

func (e EncoderConfig) Validate() error {
	switch e.Kind {
	case EncoderMJPEG:
		if e.Quality < 1 || e.Quality > 100 {
			return fmt.Errorf("quality must be in [1, 100], got %d", e.Quality)
		}
		if e.MaxWidth < 0 {
			return fmt.Errorf("max_width must not be negative, got %d", e.MaxWidth)
		}
	case EncoderH264:
	default:
		return fmt.Errorf("unknown encoder kind %q", e.Kind)
	}
	return nil
}
