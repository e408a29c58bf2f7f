package monitor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

// FrameBroadcaster fans JPEG frames from the MJPEG encoder out to stream
// clients. It is a stream.Sink; a client that falls behind misses frames
// instead of slowing the encoder.
type FrameBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	last    []byte
}

// NewFrameBroadcaster creates an empty broadcaster.
func NewFrameBroadcaster() *FrameBroadcaster {
	return &FrameBroadcaster{clients: make(map[int]chan []byte)}
}

// Subscribe adds a client. The newest frame, if any, is delivered at once.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	if fb.last != nil {
		ch <- fb.last
	}
	fb.clients[id] = ch

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
	}
}

// ClientCount returns the number of subscribed clients.
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// SendFrame implements stream.Sink. It accepts JPEG frames only and reports
// whether any client took the frame.
func (fb *FrameBroadcaster) SendFrame(f *types.EncodedFrame) bool {
	if f.MimeType != types.MimeJPEG {
		return false
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.last = f.Data
	sent := false
	for _, ch := range fb.clients {
		select {
		case ch <- f.Data:
			sent = true
		default:
		}
	}
	return sent
}

// Close disconnects every client.
func (fb *FrameBroadcaster) Close() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
}

// SerializedEvent holds one detection event encoded once for every client.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64, so it fits an SSE data line
}

const historySize = 8

// DetectionBroadcaster watches the shared detection slot and pushes every
// new version to SSE clients. It keeps the latest event and a short
// history of non-empty results for the status endpoint.
type DetectionBroadcaster struct {
	source   *pipeline.Latest[detect.Result]
	interval time.Duration

	mu          sync.Mutex
	clients     map[int]chan *SerializedEvent
	nextID      int
	lastVersion uint64
	latest      *DetectionEvent
	history     []DetectionEvent

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDetectionBroadcaster creates a broadcaster polling source every
// interval. A nil source yields a broadcaster that never emits.
func NewDetectionBroadcaster(source *pipeline.Latest[detect.Result], interval time.Duration) *DetectionBroadcaster {
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	return &DetectionBroadcaster{
		source:   source,
		interval: interval,
		clients:  make(map[int]chan *SerializedEvent),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe adds a client and returns its event channel.
func (db *DetectionBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id := db.nextID
	db.nextID++
	ch := make(chan *SerializedEvent, 2)
	db.clients[id] = ch

	logger.Debug("DetectionBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(db.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (db *DetectionBroadcaster) Unsubscribe(id int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if ch, ok := db.clients[id]; ok {
		close(ch)
		delete(db.clients, id)
		logger.Debug("DetectionBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(db.clients))
	}
}

// Start runs the polling loop until ctx ends or Stop is called.
func (db *DetectionBroadcaster) Start(ctx context.Context) {
	go db.run(ctx)
}

// Stop halts the loop, waits for it and disconnects all clients.
func (db *DetectionBroadcaster) Stop() {
	db.stopOnce.Do(func() { close(db.stop) })
	<-db.done
}

func (db *DetectionBroadcaster) run(ctx context.Context) {
	defer func() {
		db.mu.Lock()
		for id, ch := range db.clients {
			close(ch)
			delete(db.clients, id)
		}
		db.mu.Unlock()
		close(db.done)
	}()
	if db.source == nil {
		logger.Info("DetectionBroadcaster", "No inference stage, detection events disabled")
		select {
		case <-ctx.Done():
		case <-db.stop:
		}
		return
	}

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-db.stop:
			return
		case <-ticker.C:
			db.poll()
		}
	}
}

// poll publishes the newest result if its version changed.
func (db *DetectionBroadcaster) poll() {
	res, version := db.source.Load()

	db.mu.Lock()
	defer db.mu.Unlock()
	if version == 0 || version == db.lastVersion {
		return
	}
	db.lastVersion = version

	event := newDetectionEvent(res, version)
	db.latest = &event
	if event.NumDetections > 0 {
		db.history = append([]DetectionEvent{event}, db.history...)
		if len(db.history) > historySize {
			db.history = db.history[:historySize]
		}
	}
	if len(db.clients) == 0 {
		return
	}

	serialized, err := serialize(event, res)
	if err != nil {
		logger.Warn("DetectionBroadcaster", "Failed to serialize event v%d: %v", version, err)
		return
	}
	for _, ch := range db.clients {
		select {
		case ch <- serialized:
		default:
		}
	}
}

// Snapshot returns the latest event (nil before the first) and the history.
func (db *DetectionBroadcaster) Snapshot() (*DetectionEvent, []DetectionEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var latest *DetectionEvent
	if db.latest != nil {
		e := *db.latest
		latest = &e
	}
	return latest, append([]DetectionEvent{}, db.history...)
}

func serialize(event DetectionEvent, res detect.Result) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	pb := detect.MarshalProto(res)
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(pb)))
	base64.StdEncoding.Encode(encoded, pb)
	return &SerializedEvent{JSONData: jsonData, ProtobufData: encoded}, nil
}
