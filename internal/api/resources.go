package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"livecam/internal/camera"
	"livecam/internal/database"
	"livecam/internal/detection"
	"livecam/internal/mqtt"
)

// CamerasResponse lists the camera indices that opened.
type CamerasResponse struct {
	Success bool  `json:"success"`
	Cameras []int `json:"cameras"`
	Count   int   `json:"count"`
}

// ModelsResponse lists the configured models.
type ModelsResponse struct {
	Success bool                  `json:"success"`
	Default string                `json:"default"`
	Models  []detection.ModelInfo `json:"models"`
}

// CapturesResponse lists stored captures, newest first.
type CapturesResponse struct {
	Success  bool                      `json:"success"`
	Captures []*database.CaptureRecord `json:"captures"`
	Count    int                       `json:"count"`
}

// HealthResponse is the body of the probe routes.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	MQTT   *mqtt.Stats       `json:"mqtt,omitempty"`
}

const (
	defaultCaptureLimit = 50
	maxCaptureLimit     = 500
)

// sessionCamera stands in for the camera the live session holds, so probing
// reports it without opening the device twice.
type sessionCamera struct {
	camera.Opener
	index int
}

func (o sessionCamera) Open(ctx context.Context, index, width, height int) (camera.Source, error) {
	if index == o.index {
		return heldSource{}, nil
	}
	return o.Opener.Open(ctx, index, width, height)
}

type heldSource struct{}

func (heldSource) ReadFrame(context.Context) (*camera.Frame, error) { return nil, camera.ErrReadFailed }
func (heldSource) Close() error { return nil }

func (s *Server) availableCameras(w http.ResponseWriter, r *http.Request) {
	opener := s.opener
	if st := s.live.Status(); st.Active && st.Session != nil {
		opener = sessionCamera{Opener: s.opener, index: st.Session.Config.CameraIndex}
	}
	cams, err := camera.Probe(r.Context(), opener, s.cfg.Camera.ProbeLimit, s.cfg.Camera.Width, s.cfg.Camera.Height)
	if err != nil {
		if r.Context().Err() != nil {
			s.fail(w, r, err)
			return
		}
		s.logger.Warn("closing probed cameras", zap.Error(err))
	}
	s.respond(w, r, http.StatusOK, CamerasResponse{Success: true, Cameras: cams, Count: len(cams)})
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, ModelsResponse{Success: true, Default: s.cfg.Model.Default, Models: s.models.List()})
}

func (s *Server) listCaptures(w http.ResponseWriter, r *http.Request) {
	limit := defaultCaptureLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxCaptureLimit {
			s.fail(w, r, badRequest("limit must be between 1 and %d", maxCaptureLimit))
			return
		}
		limit = n
	}

	recs, err := s.captures.ListCaptures(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []*database.CaptureRecord{}
	}
	s.respond(w, r, http.StatusOK, CapturesResponse{Success: true, Captures: recs, Count: len(recs)})
}

func (s *Server) captureImage(w http.ResponseWriter, r *http.Request) {
	id := s.mux.Vars(r)["id"]
	if id == "" {
		s.fail(w, r, badRequest("capture id is required"))
		return
	}
	img, err := s.captures.ReadCaptureImage(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJPEG(w, img)
}

func (s *Server) deleteCapture(w http.ResponseWriter, r *http.Request) {
	id := s.mux.Vars(r)["id"]
	if id == "" {
		s.fail(w, r, badRequest("capture id is required"))
		return
	}
	if err := s.captures.DeleteCapture(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("capture deleted", zap.String("capture", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, HealthResponse{Status: "ok"})
}

// readyz checks the capture store and the detection service. MQTT counters
// are reported but never fail readiness.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "detector": "ok"}
	ready := true
	if err := s.captures.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	}
	if _, err := s.health.Health(ctx, s.cfg.Model.Default); err != nil {
		checks["detector"] = err.Error()
		ready = false
	}

	resp := HealthResponse{Status: "ready", Checks: checks}
	if s.mqtt != nil {
		stats := s.mqtt.Stats()
		resp.MQTT = &stats
	}

	if !ready {
		s.logger.Warn("readiness check failed")
		resp.Status = "not_ready"
		s.respond(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	s.respond(w, r, http.StatusOK, resp)
}
