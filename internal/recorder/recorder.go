package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

var (
	ErrRecording    = errors.New("already recording")
	ErrNotRecording = errors.New("not recording")
)

// Recorder appends encoded frames to a file on a goroutine of its own so a
// slow disk never blocks the encode stage.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	mimeType     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	dropped      uint64
	startTime    time.Time
	frameChan    chan *types.EncodedFrame
	stopChan     chan struct{}
	wg           sync.WaitGroup

	spsCache        []byte
	ppsCache        []byte
	firstIDRWritten bool
}

// NewRecorder creates a recorder writing files of mimeType under basePath.
func NewRecorder(basePath, mimeType string) *Recorder {
	return &Recorder{
		basePath: basePath,
		mimeType: mimeType,
	}
}

func (r *Recorder) extension() string {
	if r.mimeType == types.MimeJPEG {
		return "mjpeg"
	}
	return "h264"
}

// Start opens a new timestamped file and begins accepting frames.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrRecording
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}

	filename := fmt.Sprintf("recording_%s.%s", time.Now().Format("20060102_150405.000"), r.extension())
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return "", fmt.Errorf("create recording: %w", err)
	}

	r.file = file
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.dropped = 0
	r.startTime = time.Now()
	r.firstIDRWritten = false
	r.frameChan = make(chan *types.EncodedFrame, 60)
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeFrames(r.frameChan, r.stopChan)

	logger.Info("Recorder", "Recording to %s", filename)
	return filename, nil
}

// Stop drains queued frames, then syncs and closes the file.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	name := r.filename
	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			return name, fmt.Errorf("sync recording: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return name, fmt.Errorf("close recording: %w", err)
		}
		r.file = nil
	}
	logger.Info("Recorder", "Stopped %s (%d frames, %d bytes, %d dropped)",
		name, r.frameCount, r.bytesWritten, r.dropped)
	return name, nil
}

// UpdateHeaders caches the SPS/PPS written ahead of the first IDR.
func (r *Recorder) UpdateHeaders(sps, pps []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(sps) > 0 {
		r.spsCache = append([]byte(nil), sps...)
	}
	if len(pps) > 0 {
		r.ppsCache = append([]byte(nil), pps...)
	}
}

// SendFrame queues a frame without blocking. It reports false when not
// recording or when the queue is full.
func (r *Recorder) SendFrame(frame *types.EncodedFrame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording || frame.MimeType != r.mimeType {
		return false
	}
	select {
	case r.frameChan <- frame:
		return true
	default:
		r.dropped++
		return false
	}
}

func (r *Recorder) writeFrames(frames <-chan *types.EncodedFrame, stop <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case frame := <-frames:
			r.writeFrame(frame)
		case <-stop:
			for {
				select {
				case frame := <-frames:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(frame *types.EncodedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}

	data := frame.Data
	if r.mimeType == types.MimeH264 && !r.firstIDRWritten {
		// A file must start at an IDR to be decodable.
		if !frame.IsIDR {
			return
		}
		if len(r.spsCache) > 0 && len(r.ppsCache) > 0 {
			data = make([]byte, 0, len(r.spsCache)+len(r.ppsCache)+len(frame.Data))
			data = append(data, r.spsCache...)
			data = append(data, r.ppsCache...)
			data = append(data, frame.Data...)
		}
		r.firstIDRWritten = true
	}

	n, err := r.file.Write(data)
	if err != nil {
		logger.Warn("Recorder", "Write frame #%d: %v", frame.Seq, err)
		return
	}
	r.bytesWritten += uint64(n)
	r.frameCount++
}

// IsRecording reports whether a file is open.
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status.
func (r *Recorder) Status() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		Dropped:      r.dropped,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops an active recording.
func (r *Recorder) Close() error {
	if !r.IsRecording() {
		return nil
	}
	_, err := r.Stop()
	return err
}

// RecordingStatus holds the current recording status.
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	Dropped      uint64    `json:"dropped"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
