package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/display"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/webrtc"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/pkg/types"
)

type fakePipeline struct {
	running atomic.Bool
	pools   []*pipeline.Pool
}

func (f *fakePipeline) Running() bool { return f.running.Load() }

func (f *fakePipeline) Stages() []pipeline.StageStatus {
	return []pipeline.StageStatus{
		{Name: "capture", State: pipeline.StateWaitInput.String(), Processed: 3},
		{Name: "inference", State: pipeline.StateProcess.String(), Processed: 2, Failed: 1},
	}
}

func (f *fakePipeline) Pools() []*pipeline.Pool { return f.pools }

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.Pipeline == nil {
		p := &fakePipeline{}
		p.running.Store(true)
		opts.Pipeline = p
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		srv.Close()
	})
	return srv, ts
}

func TestHealth(t *testing.T) {
	p := &fakePipeline{}
	p.running.Store(true)
	_, ts := newTestServer(t, Options{Pipeline: p})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("running: status %d", resp.StatusCode)
	}

	p.running.Store(false)
	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("stopped: status %d", resp.StatusCode)
	}
}

func TestStatusReportsPoolsAndStages(t *testing.T) {
	pool, err := pipeline.NewPool("frames", 2, 16)
	if err != nil {
		t.Fatal(err)
	}
	filled := pool.Gate("filled")
	slot, err := pool.AcquireForWrite(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := filled.Publish(slot); err != nil {
		t.Fatal(err)
	}

	p := &fakePipeline{pools: []*pipeline.Pool{pool}}
	p.running.Store(true)
	_, ts := newTestServer(t, Options{
		Pipeline:     p,
		EncoderStats: func() stream.Stats { return stream.Stats{Frames: 7} },
	})

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Running || len(st.Stages) != 2 || st.Stages[1].State != "process" || st.Stages[1].Failed != 1 {
		t.Errorf("stages = %+v", st.Stages)
	}
	if len(st.Pools) != 1 {
		t.Fatalf("pools = %+v", st.Pools)
	}
	if got := st.Pools[0]; got.Available != 1 || got.Ready["filled"] != 1 || got.Size != 2 {
		t.Errorf("pool = %+v", got)
	}
	if st.Encoder == nil || st.Encoder.Frames != 7 {
		t.Errorf("encoder = %+v", st.Encoder)
	}
	if st.LatestDetection != nil {
		t.Errorf("latest detection before any publish: %+v", st.LatestDetection)
	}
}

func TestStreamSendsLatestFrame(t *testing.T) {
	fb := NewFrameBroadcaster()
	jpegData := []byte("\xff\xd8fake-jpeg\xff\xd9")
	if fb.SendFrame(&types.EncodedFrame{Data: jpegData, MimeType: types.MimeJPEG}) {
		t.Error("frame accepted without clients")
	}
	if fb.SendFrame(&types.EncodedFrame{Data: []byte{0, 0, 1}, MimeType: types.MimeH264}) {
		t.Error("h264 frame accepted")
	}
	_, ts := newTestServer(t, Options{Frames: fb})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("content type %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			length, _ = strconv.Atoi(v)
		}
		if line == "" && length >= 0 {
			break
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, jpegData) {
		t.Errorf("frame = %q", body)
	}
	if fb.ClientCount() != 1 {
		t.Errorf("clients = %d", fb.ClientCount())
	}
}

func TestStreamWithoutEncoder(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d", resp.StatusCode)
	}
}

func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			return data
		}
	}
}

func TestDetectionStream(t *testing.T) {
	for _, tc := range []struct {
		name   string
		accept string
	}{
		{"json", "text/event-stream"},
		{"protobuf", "application/x-protobuf"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			latest := &pipeline.Latest[detect.Result]{}
			srv, ts := newTestServer(t, Options{Detections: latest, DetectionInterval: 5 * time.Millisecond})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/detections/stream", nil)
			req.Header.Set("Accept", tc.accept)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			latest.Publish(detect.Result{
				FrameNumber: 42,
				Timestamp:   time.Unix(1700000000, 0),
				Width:       640,
				Height:      480,
				Detections: []detect.Detection{
					{ClassName: "cat", Confidence: 0.875, BBox: detect.BoundingBox{X: 10, Y: 20, W: 30, H: 40}},
				},
			})

			data := readEvent(t, bufio.NewReader(resp.Body))
			var got detect.Result
			if tc.name == "json" {
				var ev DetectionEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					t.Fatal(err)
				}
				if ev.Version != 1 || ev.NumDetections != 1 || ev.Timestamp != 1700000000 {
					t.Errorf("event = %+v", ev)
				}
				got = detect.Result{FrameNumber: ev.FrameNumber, Detections: ev.Detections}
			} else {
				if resp.Header.Get("X-Content-Format") != "application/protobuf" {
					t.Errorf("format header %q", resp.Header.Get("X-Content-Format"))
				}
				raw, err := base64.StdEncoding.DecodeString(data)
				if err != nil {
					t.Fatal(err)
				}
				if got, err = detect.UnmarshalProto(raw); err != nil {
					t.Fatal(err)
				}
			}
			if got.FrameNumber != 42 || len(got.Detections) != 1 || got.Detections[0].ClassName != "cat" {
				t.Errorf("decoded %+v", got)
			}

			ev, history := srv.detections.Snapshot()
			if ev == nil || ev.FrameNumber != 42 || len(history) != 1 {
				t.Errorf("snapshot = %+v, %d history", ev, len(history))
			}
		})
	}
}

func TestDetectionHistoryKeepsNonEmptyResults(t *testing.T) {
	latest := &pipeline.Latest[detect.Result]{}
	db := NewDetectionBroadcaster(latest, time.Hour)
	for i := 0; i < 12; i++ {
		res := detect.Result{FrameNumber: uint64(i)}
		if i%2 == 0 {
			res.Detections = []detect.Detection{{ClassName: "cat"}}
		}
		latest.Publish(res)
		db.poll()
	}
	db.poll()

	ev, history := db.Snapshot()
	if ev == nil || ev.FrameNumber != 11 || ev.NumDetections != 0 {
		t.Errorf("latest = %+v", ev)
	}
	if len(history) != 6 || history[0].FrameNumber != 10 || history[5].FrameNumber != 0 {
		t.Errorf("history = %+v", history)
	}
}

func TestPreview(t *testing.T) {
	presenter := display.NewSnapshotPresenter(0)
	_, ts := newTestServer(t, Options{Preview: presenter})

	resp, err := http.Get(ts.URL + "/api/preview.jpg")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("before first frame: status %d", resp.StatusCode)
	}

	slot := &frame.Slot{Data: make([]byte, 8*4*4), Size: 8 * 4 * 4, Width: 8, Height: 4, Format: frame.FormatBGRA8888, Seq: 9}
	if err := presenter.Present(context.Background(), slot); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(ts.URL + "/api/preview.jpg")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Frame-Number") != "9" {
		t.Errorf("frame number header %q", resp.Header.Get("X-Frame-Number"))
	}
	img, err := jpeg.Decode(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Errorf("preview bounds %v", b)
	}
}

func postJSON(t *testing.T, url string, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestRecordingEndpoints(t *testing.T) {
	rec := recorder.NewRecorder(t.TempDir(), types.MimeJPEG)
	defer rec.Close()
	_, ts := newTestServer(t, Options{Recorder: rec})

	code, body := postJSON(t, ts.URL+"/api/recording/start", "")
	if code != http.StatusOK || body["status"] != "recording" {
		t.Fatalf("start: %d %v", code, body)
	}
	if code, _ := postJSON(t, ts.URL+"/api/recording/start", ""); code != http.StatusBadRequest {
		t.Errorf("second start: %d", code)
	}

	resp, err := http.Get(ts.URL + "/api/recording/status")
	if err != nil {
		t.Fatal(err)
	}
	var st recorder.RecordingStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !st.Recording || !strings.HasSuffix(st.Filename, ".mjpeg") {
		t.Errorf("status = %+v", st)
	}

	if code, body := postJSON(t, ts.URL+"/api/recording/stop", ""); code != http.StatusOK || body["status"] != "stopped" {
		t.Errorf("stop: %d %v", code, body)
	}
	if code, _ := postJSON(t, ts.URL+"/api/recording/stop", ""); code != http.StatusBadRequest {
		t.Errorf("second stop: %d", code)
	}
}

func TestWebRTCOffer(t *testing.T) {
	_, bare := newTestServer(t, Options{})
	if code, _ := postJSON(t, bare.URL+"/api/webrtc/offer", `{}`); code != http.StatusNotFound {
		t.Errorf("without webrtc: %d", code)
	}

	rtc := webrtc.NewServer(nil, 0, 30)
	defer rtc.Close()
	_, ts := newTestServer(t, Options{WebRTC: rtc})
	if code, _ := postJSON(t, ts.URL+"/api/webrtc/offer", `not json`); code != http.StatusBadRequest {
		t.Errorf("bad json: %d", code)
	}
	if code, _ := postJSON(t, ts.URL+"/api/webrtc/offer", `{"type":"offer","sdp":"v=0"}`); code != http.StatusServiceUnavailable {
		t.Errorf("over client limit: %d", code)
	}
}
