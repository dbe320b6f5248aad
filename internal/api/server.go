// Package api serves the live detection HTTP routes.
package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"

	"livecam/internal/camera"
	"livecam/internal/config"
	"livecam/internal/database"
	"livecam/internal/detection"
	"livecam/internal/mqtt"
	"livecam/internal/stream"
)

// Live is the single session slot the routes operate on.
type Live interface {
	Start(ctx context.Context, cfg stream.Config) (*stream.Info, error)
	Stop(ctx context.Context) (bool, error)
	Status() *stream.Status
	Capture(ctx context.Context) (*database.CaptureRecord, []byte, error)
	Subscribe() (<-chan []byte, func(), error)
	State() *stream.SharedState
}

// CaptureStore reads persisted captures.
type CaptureStore interface {
	GetCapture(ctx context.Context, id string) (*database.CaptureRecord, error)
	ListCaptures(ctx context.Context, limit int) ([]*database.CaptureRecord, error)
	ReadCaptureImage(ctx context.Context, id string) ([]byte, error)
	DeleteCapture(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// ModelLister reports the configured models.
type ModelLister interface {
	List() []detection.ModelInfo
}

// HealthChecker probes the detection service.
type HealthChecker interface {
	Health(ctx context.Context, model string) (*detection.YOLOHealthResponse, error)
}

// PublisherStats reports the state of the optional MQTT forwarder.
type PublisherStats interface {
	Stats() mqtt.Stats
}

// Options configure a Server. MQTT is nil when publishing is disabled.
type Options struct {
	Live     Live
	Captures CaptureStore
	Models   ModelLister
	Health   HealthChecker
	Opener   camera.Opener
	MQTT     PublisherStats
	Config   *config.Config
	Logger   *zap.Logger
}

// Server holds the route handlers.
type Server struct {
	live     Live
	captures CaptureStore
	models   ModelLister
	health   HealthChecker
	opener   camera.Opener
	mqtt     PublisherStats
	cfg      *config.Config
	logger   *zap.Logger
	mux      goahttp.Muxer
}

// Mount describes one mounted route.
type Mount struct {
	Method  string
	Verb    string
	Pattern string
}

// New creates the server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	return &Server{
		live:     opts.Live,
		captures: opts.Captures,
		models:   opts.Models,
		health:   opts.Health,
		opener:   opts.Opener,
		mqtt:     opts.MQTT,
		cfg:      opts.Config,
		logger:   opts.Logger,
	}
}

// Mount registers every route on mux and returns what was mounted.
func (s *Server) Mount(mux goahttp.Muxer) []Mount {
	s.mux = mux
	routes := []struct {
		name, verb, pattern string
		h                   http.HandlerFunc
	}{
		{"StartLiveDetection", "POST", "/start-live-detection", s.startLiveDetection},
		{"StopLiveDetection", "POST", "/stop-live-detection", s.stopLiveDetection},
		{"LiveDetectionStatus", "GET", "/live-detection-status", s.liveDetectionStatus},
		{"CameraStream", "GET", "/camera-stream", s.cameraStream},
		{"CaptureLiveFrame", "POST", "/capture-live-frame", s.captureLiveFrame},
		{"LiveSnapshot", "GET", "/live-snapshot", s.liveSnapshot},
		{"GetAvailableCameras", "GET", "/get-available-cameras", s.availableCameras},
		{"ListModels", "GET", "/models", s.listModels},
		{"ListCaptures", "GET", "/captures", s.listCaptures},
		{"CaptureImage", "GET", "/captures/{id}/image", s.captureImage},
		{"DeleteCapture", "DELETE", "/captures/{id}", s.deleteCapture},
		{"Healthz", "GET", "/healthz", s.healthz},
		{"Readyz", "GET", "/readyz", s.readyz},
	}

	mounts := make([]Mount, 0, len(routes))
	for _, rt := range routes {
		mux.Handle(rt.verb, rt.pattern, rt.h)
		mounts = append(mounts, Mount{Method: rt.name, Verb: rt.verb, Pattern: rt.pattern})
	}
	return mounts
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Warn("encoding response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// fail writes err as an ErrorResponse with the status it maps to.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	fields := []zap.Field{zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err)}
	if id, ok := r.Context().Value(middleware.RequestIDKey).(string); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Info("request rejected", fields...)
	}
	s.respond(w, r, status, ErrorResponse{Success: false, Error: kind, Message: err.Error()})
}
