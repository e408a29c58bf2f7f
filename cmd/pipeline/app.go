package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/monitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/shm"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/source"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/stages"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/topology"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/webrtc"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

// App is the host process around one pipeline run.
type App struct {
	cfg      *config.Config
	pipeline *topology.Pipeline
	metrics  *metrics.Metrics
	monitor  *monitor.Server
	recorder *recorder.Recorder
	webrtc   *webrtc.Server

	httpServer    *http.Server
	metricsServer *http.Server
}

// NewApp builds the collaborators, the pipeline and the HTTP surface.
// Nothing runs until Run.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	graph, err := cfg.Graph()
	if err != nil {
		return nil, err
	}
	kinds := graph.Kinds()

	a := &App{cfg: cfg, metrics: metrics.New()}
	collab := topology.Collaborators{ShowFPS: cfg.Display.ShowFPS}

	if kinds[topology.KindCapture] {
		if collab.Camera, err = newCamera(ctx, cfg, graph); err != nil {
			return nil, err
		}
	}
	if kinds[topology.KindInference] {
		if collab.Detector, err = newDetector(cfg); err != nil {
			closeCamera(collab.Camera)
			return nil, err
		}
	}
	var presenter *display.SnapshotPresenter
	if kinds[topology.KindDisplay] {
		presenter = display.NewSnapshotPresenter(cfg.Display.Refresh)
		presenter.FlipTimeout = cfg.Display.FlipTimeout
		collab.Compositor = display.NewCompositor()
		collab.Presenter = presenter
	}
	if kinds[topology.KindInspect] {
		collab.Processor = h264.NewProcessor()
	}

	var frames *monitor.FrameBroadcaster
	var encoderStats func() stream.Stats
	switch cfg.Encoder.Kind {
	case config.EncoderH264:
		a.webrtc = webrtc.NewServer(cfg.WebRTC.STUN, cfg.WebRTC.MaxClients, cfg.WebRTC.FrameRate)
		a.recorder = recorder.NewRecorder(cfg.Recorder.Path, types.MimeH264)
		enc := stream.NewH264Passthrough(a.recorder, a.webrtc)
		collab.Encoder, encoderStats = enc, enc.Stats
		a.metrics.WatchFunc("webrtc_clients", "Connected WebRTC peers", func() float64 {
			return float64(a.webrtc.ClientCount())
		})
	default:
		frames = monitor.NewFrameBroadcaster()
		a.recorder = recorder.NewRecorder(cfg.Recorder.Path, types.MimeJPEG)
		enc := stream.NewMJPEGEncoder(cfg.Encoder.Quality, cfg.Encoder.MaxWidth, frames, a.recorder)
		collab.Encoder, encoderStats = enc, enc.Stats
		a.metrics.WatchFunc("mjpeg_clients", "Connected MJPEG stream clients", func() float64 {
			return float64(frames.ClientCount())
		})
	}
	a.metrics.WatchFunc("encoder_frames_total", "Frames produced by the encoder", func() float64 {
		return float64(encoderStats().Frames)
	})
	a.metrics.WatchFunc("recorder_bytes_written", "Bytes written to the active recording", func() float64 {
		return float64(a.recorder.Status().BytesWritten)
	})

	a.pipeline, err = topology.Build(graph, collab, pipeline.Options{
		StageTimeout: cfg.Pipeline.StageTimeout,
		RetryDelay:   cfg.Pipeline.RetryDelay,
		Observer:     a.metrics,
	})
	if err != nil {
		a.closeTransports()
		return nil, err
	}
	a.metrics.WatchPools(a.pipeline.Pools())

	opts := monitor.Options{
		Pipeline:     a.pipeline,
		Detections:   a.pipeline.Detections,
		Frames:       frames,
		Recorder:     a.recorder,
		WebRTC:       a.webrtc,
		EncoderStats: encoderStats,
		AssetsDir:    cfg.Server.AssetsDir,
	}
	if presenter != nil {
		opts.Preview = presenter
	}
	if a.monitor, err = monitor.NewServer(opts); err != nil {
		_ = a.pipeline.Teardown()
		a.closeTransports()
		return nil, err
	}

	if cfg.Server.HTTPAddr != "" {
		a.httpServer = &http.Server{Addr: cfg.Server.HTTPAddr, Handler: a.monitor.Handler()}
	}
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		a.metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
	}
	return a, nil
}

func newCamera(ctx context.Context, cfg *config.Config, graph topology.Graph) (stages.Camera, error) {
	switch cfg.Source.Kind {
	case config.SourceShm:
		logger.Info("Main", "Opening shared memory %s", cfg.Source.ShmName)
		return shm.Open(ctx, cfg.Source.ShmName)
	case config.SourceSyntheticH264:
		return &source.SyntheticH264{Width: graph.Width, Height: graph.Height, GOP: cfg.Source.GOP, Limit: cfg.Source.Limit}, nil
	default:
		return source.NewSynthetic(source.SyntheticConfig{
			Width:  graph.Width,
			Height: graph.Height,
			FPS:    cfg.Source.FPS,
			Limit:  cfg.Source.Limit,
		})
	}
}

func newDetector(cfg *config.Config) (detect.Detector, error) {
	if cfg.Detector.Kind == config.DetectorShm {
		logger.Info("Main", "Reading detections from %s", cfg.Detector.ShmName)
		return shm.NewDetectionFeed(cfg.Detector.ShmName), nil
	}
	return detect.NewMotionDetector(cfg.Detector.Motion())
}

func closeCamera(cam stages.Camera) {
	if c, ok := cam.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// Run starts the servers and the pipeline, then waits until ctx ends or
// the pipeline stops on its own, and shuts everything down in order.
func (a *App) Run(ctx context.Context) error {
	a.startServers()
	a.monitor.Start(ctx)

	if err := a.pipeline.Start(ctx); err != nil {
		a.stopServers()
		a.closeTransports()
		return err
	}
	if a.cfg.Recorder.AutoStart {
		if name, err := a.recorder.Start(); err != nil {
			logger.Warn("Main", "Auto-start recording failed: %v", err)
		} else {
			logger.Info("Main", "Recording to %s", name)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("Main", "Shutting down...")
	case <-a.pipeline.Done():
		logger.Warn("Main", "Pipeline stopped on its own")
	}
	return a.shutdown()
}

func (a *App) shutdown() error {
	a.pipeline.RequestShutdown()

	joinCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Pipeline.JoinTimeout)
	defer cancel()
	var errs []error
	if err := a.pipeline.JoinAll(joinCtx); err != nil {
		// Stages stuck in a collaborator still own their slots; the pools
		// must not be dropped under them.
		errs = append(errs, err)
	} else if err := a.pipeline.Teardown(); err != nil {
		errs = append(errs, fmt.Errorf("teardown: %w", err))
	}

	for _, st := range a.pipeline.Stages() {
		logger.Info("Main", "Stage %s: processed=%d failed=%d skipped=%d", st.Name, st.Processed, st.Failed, st.Skipped)
	}

	a.stopServers()
	a.closeTransports()
	return errors.Join(errs...)
}

func (a *App) startServers() {
	if a.cfg.Server.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", a.cfg.Server.PprofAddr)
			if err := http.ListenAndServe(a.cfg.Server.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}
	for _, srv := range []*http.Server{a.metricsServer, a.httpServer} {
		if srv == nil {
			continue
		}
		go func(srv *http.Server) {
			logger.Info("Main", "Starting HTTP server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "HTTP server %s error: %v", srv.Addr, err)
			}
		}(srv)
	}
}

func (a *App) stopServers() {
	a.monitor.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{a.httpServer, a.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Main", "HTTP server %s shutdown: %v", srv.Addr, err)
		}
	}
}

func (a *App) closeTransports() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			logger.Warn("Main", "Recorder close: %v", err)
		}
	}
	if a.webrtc != nil {
		if err := a.webrtc.Close(); err != nil {
			logger.Warn("Main", "WebRTC close: %v", err)
		}
	}
}
