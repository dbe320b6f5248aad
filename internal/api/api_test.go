package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	goahttp "goa.design/goa/v3/http"

	"livecam/internal/camera"
	"livecam/internal/config"
	"livecam/internal/database"
	"livecam/internal/detection"
	"livecam/internal/mqtt"
	"livecam/internal/stream"
)

type fakeLive struct {
	mu         sync.Mutex
	started    []stream.Config
	startErr   error
	active     bool
	session    *stream.Info
	frames     chan []byte
	captureRec *database.CaptureRecord
	captureImg []byte
	state      *stream.SharedState
}

func (l *fakeLive) Start(_ context.Context, cfg stream.Config) (*stream.Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, cfg)
	if l.startErr != nil {
		return nil, l.startErr
	}
	l.active = true
	l.session = &stream.Info{ID: "sess-1", Config: cfg, StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return l.session, nil
}

func (l *fakeLive) Stop(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = false
	l.session = nil
	return true, nil
}

func (l *fakeLive) Status() *stream.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := detection.Batch{{Class: "person", Confidence: 0.9}, {Class: "person", Confidence: 0.6}}
	return &stream.Status{
		State:       "active",
		Active:      l.active,
		Session:     l.session,
		Detections:  batch,
		Count:       len(batch),
		ClassCounts: batch.Counts(),
		FrameSeq:    3,
	}
}

func (l *fakeLive) Capture(context.Context) (*database.CaptureRecord, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return nil, nil, stream.ErrNoActiveSession
	}
	return l.captureRec, l.captureImg, nil
}

func (l *fakeLive) Subscribe() (<-chan []byte, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return nil, nil, stream.ErrNoActiveSession
	}
	return l.frames, func() {}, nil
}

func (l *fakeLive) State() *stream.SharedState { return l.state }

func (l *fakeLive) startedConfigs() []stream.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]stream.Config(nil), l.started...)
}

type fakeCaptures struct {
	records map[string]*database.CaptureRecord
	images  map[string][]byte
	pingErr error
}

func (c *fakeCaptures) GetCapture(_ context.Context, id string) (*database.CaptureRecord, error) {
	rec, ok := c.records[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return rec, nil
}

func (c *fakeCaptures) ListCaptures(_ context.Context, limit int) ([]*database.CaptureRecord, error) {
	var out []*database.CaptureRecord
	for _, rec := range c.records {
		if len(out) == limit {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *fakeCaptures) ReadCaptureImage(_ context.Context, id string) ([]byte, error) {
	img, ok := c.images[id]
	if !ok {
		return nil, fmt.Errorf("capture %s: %w", id, database.ErrNotFound)
	}
	return img, nil
}

func (c *fakeCaptures) DeleteCapture(_ context.Context, id string) error {
	if _, ok := c.records[id]; !ok {
		return fmt.Errorf("capture %s: %w", id, database.ErrNotFound)
	}
	delete(c.records, id)
	delete(c.images, id)
	return nil
}

func (c *fakeCaptures) Ping(context.Context) error { return c.pingErr }

type fakeModels []detection.ModelInfo

func (m fakeModels) List() []detection.ModelInfo { return m }

type fakeHealth struct{ err error }

func (h fakeHealth) Health(context.Context, string) (*detection.YOLOHealthResponse, error) {
	if h.err != nil {
		return nil, h.err
	}
	return &detection.YOLOHealthResponse{Status: "healthy"}, nil
}

type fakeStats struct{ stats mqtt.Stats }

func (s fakeStats) Stats() mqtt.Stats { return s.stats }

type nopSource struct{}

func (nopSource) ReadFrame(context.Context) (*camera.Frame, error) {
	return camera.NewFrame(image.NewRGBA(image.Rect(0, 0, 2, 2)), time.Now()), nil
}

func (nopSource) Close() error { return nil }

type fixture struct {
	live     *fakeLive
	captures *fakeCaptures
	health   *fakeHealth
	mux      goahttp.Muxer
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		live:     &fakeLive{frames: make(chan []byte, 4), state: stream.NewSharedState(nil)},
		captures: &fakeCaptures{records: map[string]*database.CaptureRecord{}, images: map[string][]byte{}},
		health:   &fakeHealth{},
	}
	opener := camera.OpenerFunc(func(_ context.Context, index, _, _ int) (camera.Source, error) {
		if index < 2 || index == 3 {
			return nopSource{}, nil
		}
		return nil, camera.ErrDeviceUnavailable
	})
	o := Options{
		Live:     f.live,
		Captures: f.captures,
		Models:   fakeModels{{Name: "yolov8n.pt", Loaded: true}, {Name: "yolov8s.pt"}},
		Health:   f.health,
		Opener:   opener,
		Config:   config.Default(),
		Logger:   zaptest.NewLogger(t),
	}
	for _, opt := range opts {
		opt(&o)
	}
	srv := New(o)
	f.mux = goahttp.NewMuxer()
	srv.Mount(f.mux)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	assert.Equal(t, status, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, kind, body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestStartLiveDetectionForm(t *testing.T) {
	f := newFixture(t)
	rec := f.do(postForm("/start-live-detection", url.Values{
		"camera_index": {"1"},
		"model":        {"yolov8s.pt"},
		"confidence":   {"0.4"},
		"frame_skip":   {"3"},
	}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "sess-1", body["session_id"])
	assert.Equal(t, StreamURL, body["stream_url"])

	got := f.live.startedConfigs()
	require.Len(t, got, 1)
	assert.Equal(t, stream.Config{
		CameraIndex: 1,
		Model:       "yolov8s.pt",
		Confidence:  0.4,
		IoU:         0.7,
		MaxWidth:    640,
		MaxHeight:   480,
		FrameSkip:   3,
		JPEGQuality: 80,
	}, got[0])
}

func TestStartLiveDetectionCamelCaseAliases(t *testing.T) {
	f := newFixture(t)
	rec := f.do(postForm("/start-live-detection", url.Values{"cameraIndex": {"2"}, "modelId": {"yolov8m.pt"}}))

	require.Equal(t, http.StatusOK, rec.Code)
	got := f.live.startedConfigs()[0]
	assert.Equal(t, 2, got.CameraIndex)
	assert.Equal(t, "yolov8m.pt", got.Model)
	assert.Equal(t, 0.25, got.Confidence)
}

func TestStartLiveDetectionJSON(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/start-live-detection", strings.NewReader(`{"camera_index":4,"jpeg_quality":60}`))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := f.live.startedConfigs()[0]
	assert.Equal(t, 4, got.CameraIndex)
	assert.Equal(t, 60, got.JPEGQuality)
	assert.Equal(t, "yolov8n.pt", got.Model)
}

func TestStartLiveDetectionBadInput(t *testing.T) {
	f := newFixture(t)
	rec := f.do(postForm("/start-live-detection", url.Values{"confidence": {"high"}}))

	assertError(t, rec, http.StatusBadRequest, "bad_request")
	assert.Empty(t, f.live.startedConfigs())
}

func TestStartLiveDetectionErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("%w (state active)", stream.ErrAlreadyActive), http.StatusConflict, "already_active"},
		{fmt.Errorf("%w: /dev/video0", camera.ErrDeviceUnavailable), http.StatusServiceUnavailable, "device_unavailable"},
		{fmt.Errorf("%w: yolov9", detection.ErrModelUnavailable), http.StatusServiceUnavailable, "model_unavailable"},
		{fmt.Errorf("%w: frame skip", stream.ErrInvalidConfig), http.StatusBadRequest, "invalid_config"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		f := newFixture(t)
		f.live.startErr = tc.err
		rec := f.do(postForm("/start-live-detection", nil))
		assertError(t, rec, tc.status, tc.kind)
	}
}

func TestStopAndStatus(t *testing.T) {
	f := newFixture(t)
	f.live.active = true

	rec := f.do(httptest.NewRequest(http.MethodGet, "/live-detection-status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, map[string]any{"person": float64(2)}, body["class_counts"])

	rec = f.do(httptest.NewRequest(http.MethodPost, "/stop-live-detection", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["stopped"])
	assert.False(t, f.live.active)
}

func TestCaptureLiveFrame(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/capture-live-frame", nil))
	assertError(t, rec, http.StatusConflict, "no_active_session")

	f.live.active = true
	f.live.captureImg = []byte{0xFF, 0xD8, 0xFF, 0xD9}
	f.live.captureRec = &database.CaptureRecord{
		ID:         "cap-1",
		SessionID:  "sess-1",
		Model:      "yolov8n.pt",
		Confidence: 0.25,
		Detections: detection.Batch{{Class: "dog", Confidence: 0.8}},
		Path:       "captures/cap-1.jpg",
	}
	rec = f.do(httptest.NewRequest(http.MethodPost, "/capture-live-frame", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "cap-1", body["capture_id"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(f.live.captureImg), body["image"])
	assert.Equal(t, float64(1), body["objects_count"])
	assert.Equal(t, "yolov8n.pt", body["model_used"])
	assert.Equal(t, 0.25, body["confidence_threshold"])
}

func TestCameraStreamStartsSession(t *testing.T) {
	f := newFixture(t)
	f.live.frames <- []byte("jpeg-1")
	close(f.live.frames)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/camera-stream?camera_index=1&model=yolov8s.pt&confidence=0.5", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stream.ContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, "--frame\r\nContent-Type: image/jpeg\r\n\r\njpeg-1\r\n", rec.Body.String())

	got := f.live.startedConfigs()
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].CameraIndex)
	assert.Equal(t, "yolov8s.pt", got[0].Model)
	assert.Equal(t, 0.5, got[0].Confidence)
}

func TestCameraStreamAttachesToActiveSession(t *testing.T) {
	f := newFixture(t)
	f.live.active = true
	close(f.live.frames)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/camera-stream?camera_index=5", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.live.startedConfigs(), "parameters ignored while a session runs")
}

func TestCameraStreamStartFailure(t *testing.T) {
	f := newFixture(t)
	f.live.startErr = detection.ErrModelUnavailable

	rec := f.do(httptest.NewRequest(http.MethodGet, "/camera-stream", nil))
	assertError(t, rec, http.StatusServiceUnavailable, "model_unavailable")
}

func TestLiveSnapshot(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/live-snapshot", nil))
	assertError(t, rec, http.StatusConflict, "no_active_session")

	f.live.state.PublishFrame([]byte{1, 2, 3}, 1, 1)
	rec = f.do(httptest.NewRequest(http.MethodGet, "/live-snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{1, 2, 3}, rec.Body.Bytes())
}

func TestAvailableCamerasStopsAtFirstGap(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/get-available-cameras", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{float64(0), float64(1)}, body["cameras"], "index 3 opens but is never reached")
	assert.Equal(t, float64(2), body["count"])
}

func TestAvailableCamerasIncludesSessionCamera(t *testing.T) {
	f := newFixture(t)
	_, err := f.live.Start(context.Background(), stream.Config{CameraIndex: 2})
	require.NoError(t, err)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/get-available-cameras", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{float64(0), float64(1), float64(2), float64(3)}, body["cameras"])
}

func TestModels(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "yolov8n.pt", body["default"])
	models := body["models"].([]any)
	require.Len(t, models, 2)
	assert.Equal(t, true, models[0].(map[string]any)["loaded"])
}

func TestCaptures(t *testing.T) {
	f := newFixture(t)
	f.captures.records["c1"] = &database.CaptureRecord{ID: "c1", Model: "yolov8n.pt"}
	f.captures.images["c1"] = []byte{0xFF, 0xD8}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/captures?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = f.do(httptest.NewRequest(http.MethodGet, "/captures?limit=0", nil))
	assertError(t, rec, http.StatusBadRequest, "bad_request")

	rec = f.do(httptest.NewRequest(http.MethodGet, "/captures/c1/image", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte{0xFF, 0xD8}, rec.Body.Bytes())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/captures/missing/image", nil))
	assertError(t, rec, http.StatusNotFound, "not_found")
}

func TestDeleteCapture(t *testing.T) {
	f := newFixture(t)
	f.captures.records["c1"] = &database.CaptureRecord{ID: "c1"}
	f.captures.images["c1"] = []byte{0xFF, 0xD8}

	rec := f.do(httptest.NewRequest(http.MethodDelete, "/captures/c1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.captures.records)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/captures/c1/image", nil))
	assertError(t, rec, http.StatusNotFound, "not_found")

	rec = f.do(httptest.NewRequest(http.MethodDelete, "/captures/c1", nil))
	assertError(t, rec, http.StatusNotFound, "not_found")
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	f.health.err = errors.New("connection refused")
	rec = f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["detector"])
	assert.NotContains(t, body, "mqtt")
}

func TestReadyzReportsMQTT(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.MQTT = fakeStats{stats: mqtt.Stats{Connected: false, Published: 7, Failures: 2}}
	})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code, "a disconnected broker does not fail readiness")
	body := decode(t, rec)
	assert.Equal(t, map[string]any{"connected": false, "published": float64(7), "failures": float64(2)}, body["mqtt"])
}
