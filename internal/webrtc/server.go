package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const h264ClockRate = 90000

// ErrTooManyClients is returned by HandleOffer when the client limit is reached.
var ErrTooManyClients = errors.New("maximum clients reached")

// Client is one connected viewer.
type Client struct {
	id            string
	peerConn      *webrtc.PeerConnection
	videoTrack    *webrtc.TrackLocalStaticSample
	frameChan     chan *types.EncodedFrame
	closeChan     chan struct{}
	closeOnce     sync.Once
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	lastPTS       uint64
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		_ = c.peerConn.Close()
	})
}

// Server fans H.264 access units out to WebRTC peers.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	frameRate  int
	api        *webrtc.API
	nextID     atomic.Uint64
	total      atomic.Uint64
}

// NewServer creates a server. frameRate sets the sample duration used when
// consecutive PTS values cannot be compared.
func NewServer(stunServers []string, maxClients, frameRate int) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		if url == "" {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if frameRate <= 0 {
		frameRate = 30
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Error("WebRTC", "Failed to register codecs: %v", err)
	}

	return &Server{
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		frameRate:  frameRate,
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(settingsEngine),
			webrtc.WithMediaEngine(mediaEngine),
		),
	}
}

// HandleOffer answers a JSON session description offer. The answer carries
// every gathered ICE candidate.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}
	if offer.SDP == "" {
		return nil, errors.New("parse offer: empty sdp")
	}
	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: h264ClockRate},
		"video",
		"vision-pipeline",
	)
	if err != nil {
		_ = peerConn.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	rtpSender, err := peerConn.AddTrack(videoTrack)
	if err != nil {
		_ = peerConn.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	// RTCP must be drained for interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	client := &Client{
		id:         fmt.Sprintf("client-%d", s.nextID.Add(1)),
		peerConn:   peerConn,
		videoTrack: videoTrack,
		frameChan:  make(chan *types.EncodedFrame, 30),
		closeChan:  make(chan struct{}),
	}

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state)
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		_ = peerConn.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		_ = peerConn.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		_ = peerConn.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		_ = peerConn.Close()
		return nil, errors.New("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		_ = peerConn.Close()
		return nil, fmt.Errorf("marshal answer: %w", err)
	}

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()
	s.total.Add(1)

	go s.sendFrames(client)
	logger.Info("WebRTC", "Client %s connected", client.id)
	return answerJSON, nil
}

// SendFrame queues an access unit for every client without blocking. It
// reports whether at least one client accepted it.
func (s *Server) SendFrame(frame *types.EncodedFrame) bool {
	if frame.MimeType != types.MimeH264 {
		return false
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	sent := false
	for _, client := range s.clients {
		select {
		case client.frameChan <- frame:
			sent = true
		default:
			client.framesDropped.Add(1)
		}
	}
	return sent
}

func (s *Server) sendFrames(client *Client) {
	frameDuration := time.Second / time.Duration(s.frameRate)
	first := true
	for {
		select {
		case <-client.closeChan:
			return
		case frame := <-client.frameChan:
			duration := frameDuration
			if !first && frame.PTS > client.lastPTS {
				duration = time.Duration(frame.PTS-client.lastPTS) * frameDuration
			}
			first = false
			client.lastPTS = frame.PTS

			if err := client.videoTrack.WriteSample(media.Sample{
				Data:      frame.Data,
				Duration:  duration,
				Timestamp: frame.Timestamp,
			}); err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					logger.Warn("WebRTC", "Write sample for client %s: %v", client.id, err)
				}
				s.RemoveClient(client.id)
				return
			}
			client.framesSent.Add(1)
			if frame.PTS%100 == 0 {
				logger.Debug("WebRTC", "Sent PTS %d to client %s", frame.PTS, client.id)
			}
		}
	}
}

// RemoveClient closes and forgets a client.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()
	if !ok {
		return
	}

	client.close()
	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent.Load(), client.framesDropped.Load())
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// TotalClients returns how many clients ever connected.
func (s *Server) TotalClients() uint64 {
	return s.total.Load()
}

// ClientStats returns per-client counters.
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"frames_sent":    client.framesSent.Load(),
			"frames_dropped": client.framesDropped.Load(),
		}
	}
	return stats
}

// Close disconnects every client.
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
