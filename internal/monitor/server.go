// Package monitor serves the pipeline's HTTP surface: the MJPEG stream,
// a preview snapshot, detection events, pipeline status, recording control
// and WebRTC signaling.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/webrtc"
)

// Pipeline is the part of a running pipeline the monitor reports on.
type Pipeline interface {
	Running() bool
	Stages() []pipeline.StageStatus
	Pools() []*pipeline.Pool
}

// Snapshotter returns the last displayed frame.
type Snapshotter interface {
	Snapshot() (img image.Image, seq uint64, ok bool)
}

// Options wires the server to the pipeline. Only Pipeline is required;
// endpoints whose backend is nil answer 404.
type Options struct {
	Pipeline     Pipeline
	Detections   *pipeline.Latest[detect.Result]
	Frames       *FrameBroadcaster
	Preview      Snapshotter
	Recorder     *recorder.Recorder
	WebRTC       *webrtc.Server
	EncoderStats func() stream.Stats

	DetectionInterval time.Duration // default 33ms
	KeepAlive         time.Duration // default 30s
	StreamIdle        time.Duration // default 5s
	AssetsDir         string
}

// Server serves the monitor endpoints.
type Server struct {
	opts       Options
	detections *DetectionBroadcaster
	blank      []byte
}

// NewServer returns a configured monitor server. Call Start to begin
// watching detections.
func NewServer(opts Options) (*Server, error) {
	if opts.Pipeline == nil {
		return nil, errors.New("monitor: pipeline is required")
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.StreamIdle <= 0 {
		opts.StreamIdle = 5 * time.Second
	}
	blank, err := blankJPEG()
	if err != nil {
		return nil, fmt.Errorf("monitor: render placeholder: %w", err)
	}
	return &Server{
		opts:       opts,
		detections: NewDetectionBroadcaster(opts.Detections, opts.DetectionInterval),
		blank:      blank,
	}, nil
}

// Start begins broadcasting detection events until ctx ends or Close.
func (s *Server) Start(ctx context.Context) {
	s.detections.Start(ctx)
}

// Close stops the broadcasters and disconnects streaming clients.
func (s *Server) Close() {
	s.detections.Stop()
	if s.opts.Frames != nil {
		s.opts.Frames.Close()
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	if s.opts.AssetsDir != "" {
		mux.Handle("GET /assets/", http.StripPrefix("/assets/", newAssetHandler(s.opts.AssetsDir)))
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /api/preview.jpg", s.handlePreview)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("GET /api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("POST /api/webrtc/offer", s.handleWebRTCOffer)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if !s.opts.Pipeline.Running() {
		status, code = "stopped", http.StatusServiceUnavailable
	}
	writeJSONWithStatus(w, map[string]any{"status": status}, code)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Frames == nil {
		http.Error(w, "MJPEG stream not available in this topology", http.StatusNotFound)
		return
	}
	id, frameCh := s.opts.Frames.Subscribe()
	defer s.opts.Frames.Unsubscribe(id)
	streamMJPEG(r.Context(), w, frameCh, s.blank, s.opts.StreamIdle)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.opts.Preview == nil {
		http.Error(w, "No display stage", http.StatusNotFound)
		return
	}
	img, seq, ok := s.opts.Preview.Snapshot()
	if !ok {
		http.Error(w, "No frame presented yet", http.StatusServiceUnavailable)
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		http.Error(w, "Failed to encode frame", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Frame-Number", fmt.Sprint(seq))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) status() Status {
	p := s.opts.Pipeline
	st := Status{
		Running:   p.Running(),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	for _, stage := range p.Stages() {
		st.Stages = append(st.Stages, StageStatus{
			Name:      stage.Name,
			State:     stage.State,
			Processed: stage.Processed,
			Failed:    stage.Failed,
			Skipped:   stage.Skipped,
		})
	}
	for _, pool := range p.Pools() {
		c := pool.Snapshot()
		st.Pools = append(st.Pools, PoolStatus{
			Name:       pool.Name(),
			Size:       c.Size,
			Available:  c.Available,
			InFlight:   c.InFlight,
			Ready:      c.Ready,
			MaxHolders: pool.MaxHolders(),
		})
	}
	if s.opts.EncoderStats != nil {
		es := s.opts.EncoderStats()
		st.Encoder = &es
	}
	if s.opts.Frames != nil {
		st.StreamClients = s.opts.Frames.ClientCount()
	}
	if s.opts.WebRTC != nil {
		st.WebRTCClients = s.opts.WebRTC.ClientCount()
	}
	st.LatestDetection, st.DetectionHistory = s.detections.Snapshot()
	return st
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Detections == nil {
		http.Error(w, "No inference stage", http.StatusNotFound)
		return
	}
	id, eventCh := s.detections.Subscribe()
	defer s.detections.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
	streamEvents(r.Context(), w, eventCh, useProtobuf, s.opts.KeepAlive)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording not configured"}, http.StatusNotFound)
		return
	}
	filename, err := s.opts.Recorder.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording not configured"}, http.StatusNotFound)
		return
	}
	stats := s.opts.Recorder.Status()
	filename, err := s.opts.Recorder.Stop()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      stats,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording not configured"}, http.StatusNotFound)
		return
	}
	writeJSON(w, s.opts.Recorder.Status())
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if s.opts.WebRTC == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC needs the h264 encoder"}, http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.opts.WebRTC.HandleOffer(body)
	switch {
	case errors.Is(err, webrtc.ErrTooManyClients):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debug("HTTP", "Failed to write response: %v", err)
	}
}
