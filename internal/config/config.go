// Package config defines the pipeline host configuration. Files are decoded
// strictly and every unset field gets an explicit default.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/topology"
)

// Source kinds.
const (
	SourceSynthetic     = "synthetic"
	SourceSyntheticH264 = "synthetic_h264"
	SourceShm           = "shm"
)

// Detector kinds.
const (
	DetectorMotion = "motion"
	DetectorShm    = "shm"
)

// Encoder kinds.
const (
	EncoderMJPEG = "mjpeg"
	EncoderH264  = "h264"
)

// Config holds the complete host configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Source   SourceConfig   `yaml:"source"`
	Detector DetectorConfig `yaml:"detector"`
	Display  DisplayConfig  `yaml:"display"`
	Encoder  EncoderConfig  `yaml:"encoder"`
	WebRTC   WebRTCConfig   `yaml:"webrtc"`
	Recorder RecorderConfig `yaml:"recorder"`
	Server   ServerConfig   `yaml:"server"`
	// Topology replaces the preset named by Pipeline.Topology when set.
	Topology *topology.Graph `yaml:"topology,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error, silent
	Color bool   `yaml:"color"`
	// Modules overrides the level per module tag, e.g. {SHM: debug}.
	Modules map[string]string `yaml:"modules"`
}

// PipelineConfig sizes the pools and bounds stage calls.
type PipelineConfig struct {
	Topology     string        `yaml:"topology"` // preset name
	Buffers      int           `yaml:"buffers"`
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	JoinTimeout  time.Duration `yaml:"join_timeout"`
}

type SourceConfig struct {
	Kind    string  `yaml:"kind"`
	ShmName string  `yaml:"shm_name"`
	FPS     float64 `yaml:"fps"`
	Limit   int     `yaml:"limit"`
	GOP     int     `yaml:"gop"`
}

type DetectorConfig struct {
	Kind      string  `yaml:"kind"`
	ShmName   string  `yaml:"shm_name"`
	CellSize  int     `yaml:"cell_size"`
	Threshold float64 `yaml:"threshold"`
	MinCells  int     `yaml:"min_cells"`
	ClassName string  `yaml:"class_name"`
}

type DisplayConfig struct {
	ShowFPS     bool          `yaml:"show_fps"`
	Refresh     time.Duration `yaml:"refresh"`
	FlipTimeout time.Duration `yaml:"flip_timeout"`
}

type EncoderConfig struct {
	Kind     string `yaml:"kind"`
	Quality  int    `yaml:"quality"`
	MaxWidth int    `yaml:"max_width"`
}

type WebRTCConfig struct {
	STUN       []string `yaml:"stun"`
	MaxClients int      `yaml:"max_clients"`
	FrameRate  int      `yaml:"frame_rate"`
}

type RecorderConfig struct {
	Path      string `yaml:"path"`
	AutoStart bool   `yaml:"auto_start"`
}

// ServerConfig holds listen addresses. An empty address disables the server.
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	PprofAddr   string `yaml:"pprof_addr"`
	// AssetsDir holds optional static files served under /assets/.
	AssetsDir string `yaml:"assets_dir"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Log: LogConfig{Color: true}, Display: DisplayConfig{ShowFPS: true}}
	cfg.setDefaults()
	return cfg
}

// Load reads configuration from a YAML file.
// Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Log: LogConfig{Color: true}, Display: DisplayConfig{ShowFPS: true}}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// setDefaults applies explicit default values to unset fields.
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Pipeline.Topology == "" {
		c.Pipeline.Topology = topology.PresetDetect
	}
	if c.Pipeline.Buffers == 0 {
		c.Pipeline.Buffers = 2
	}
	if c.Pipeline.Width == 0 {
		c.Pipeline.Width = 1920
	}
	if c.Pipeline.Height == 0 {
		c.Pipeline.Height = 1080
	}
	if c.Pipeline.StageTimeout == 0 {
		c.Pipeline.StageTimeout = 100 * time.Millisecond
	}
	if c.Pipeline.RetryDelay == 0 {
		c.Pipeline.RetryDelay = 10 * time.Millisecond
	}
	if c.Pipeline.JoinTimeout == 0 {
		c.Pipeline.JoinTimeout = 5 * time.Second
	}

	if c.Source.Kind == "" {
		c.Source.Kind = SourceSynthetic
	}
	if c.Source.ShmName == "" {
		c.Source.ShmName = "/pet_camera_stream"
	}
	if c.Source.FPS == 0 {
		c.Source.FPS = 30
	}
	if c.Source.GOP == 0 {
		c.Source.GOP = 30
	}

	if c.Detector.Kind == "" {
		c.Detector.Kind = DetectorMotion
	}
	if c.Detector.ShmName == "" {
		c.Detector.ShmName = "/pet_camera_detections"
	}
	if c.Detector.CellSize == 0 {
		c.Detector.CellSize = 32
	}
	if c.Detector.Threshold == 0 {
		c.Detector.Threshold = 18
	}
	if c.Detector.MinCells == 0 {
		c.Detector.MinCells = 2
	}
	if c.Detector.ClassName == "" {
		c.Detector.ClassName = "motion"
	}

	if c.Display.FlipTimeout == 0 {
		c.Display.FlipTimeout = 100 * time.Millisecond
	}

	if c.Encoder.Kind == "" {
		c.Encoder.Kind = EncoderMJPEG
		if c.Pipeline.Topology == topology.PresetPassthrough {
			c.Encoder.Kind = EncoderH264
		}
	}
	if c.Encoder.Quality == 0 {
		c.Encoder.Quality = 75
	}
	if c.Encoder.MaxWidth == 0 {
		c.Encoder.MaxWidth = 1280
	}

	if len(c.WebRTC.STUN) == 0 {
		c.WebRTC.STUN = []string{"stun:stun.l.google.com:19302"}
	}
	if c.WebRTC.MaxClients == 0 {
		c.WebRTC.MaxClients = 10
	}
	if c.WebRTC.FrameRate == 0 {
		c.WebRTC.FrameRate = 30
	}

	if c.Recorder.Path == "" {
		c.Recorder.Path = "./recordings"
	}

	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}

	if c.Topology != nil {
		if c.Topology.Width == 0 {
			c.Topology.Width = c.Pipeline.Width
		}
		if c.Topology.Height == 0 {
			c.Topology.Height = c.Pipeline.Height
		}
	}
}

// Graph returns the pipeline graph: the custom topology when one is
// configured, the named preset otherwise.
func (c *Config) Graph() (topology.Graph, error) {
	if c.Topology != nil {
		return *c.Topology, c.Topology.Validate()
	}
	return topology.Preset(c.Pipeline.Topology, c.Pipeline.Width, c.Pipeline.Height, c.Pipeline.Buffers)
}

// Motion converts the detector settings.
func (d DetectorConfig) Motion() detect.MotionConfig {
	return detect.MotionConfig{CellSize: d.CellSize, Threshold: d.Threshold, MinCells: d.MinCells, ClassName: d.ClassName}
}
