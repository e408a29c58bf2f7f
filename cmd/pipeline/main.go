package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/topology"
)

var (
	// Command-line flags. When set they override the config file.
	configPath  = flag.String("config", "", "YAML configuration file")
	topologyArg = flag.String("topology", "", "Pipeline topology preset (detect, direct, passthrough)")
	sourceKind  = flag.String("source", "", "Frame source (synthetic, synthetic_h264, shm)")
	shmName     = flag.String("shm", "", "Shared memory name for the shm source")
	frameLimit  = flag.Int("frames", 0, "Stop the source after this many frames (0 = unlimited)")
	buffers     = flag.Int("buffers", 0, "Slots in the main frame pool")
	httpAddr    = flag.String("http", "", "HTTP monitor address")
	metricsAddr = flag.String("metrics", "", "Metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address")
	assetsDir   = flag.String("assets", "", "Static web assets directory")
	recordPath  = flag.String("record-path", "", "Recording output path")
	stunServers = flag.String("stun", "", "STUN server URLs (comma-separated)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)
	for module, name := range cfg.Log.Modules {
		lv, _ := logger.ParseLevel(name)
		logger.SetModuleLevel(module, lv)
	}
	logger.Info("Main", "Vision pipeline starting (topology=%s, source=%s)", cfg.Pipeline.Topology, cfg.Source.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		logger.Error("Main", "Failed to build pipeline: %v", err)
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("Main", "%v", err)
		os.Exit(1)
	}
	logger.Info("Main", "Pipeline stopped")
}

// loadConfig reads the config file (or defaults) and applies the flags the
// user set explicitly.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "topology":
			cfg.Pipeline.Topology = *topologyArg
		case "source":
			cfg.Source.Kind = *sourceKind
		case "shm":
			cfg.Source.ShmName = *shmName
		case "frames":
			cfg.Source.Limit = *frameLimit
		case "buffers":
			cfg.Pipeline.Buffers = *buffers
		case "http":
			cfg.Server.HTTPAddr = *httpAddr
		case "metrics":
			cfg.Server.MetricsAddr = *metricsAddr
		case "pprof":
			cfg.Server.PprofAddr = *pprofAddr
		case "assets":
			cfg.Server.AssetsDir = *assetsDir
		case "record-path":
			cfg.Recorder.Path = *recordPath
		case "stun":
			cfg.WebRTC.STUN = strings.Split(*stunServers, ",")
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-color":
			cfg.Log.Color = *logColor
		}
	})
	if cfg.Pipeline.Topology == topology.PresetPassthrough && cfg.Encoder.Kind == config.EncoderMJPEG && *configPath == "" {
		cfg.Encoder.Kind = config.EncoderH264
		if cfg.Source.Kind == config.SourceSynthetic {
			cfg.Source.Kind = config.SourceSyntheticH264
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
