package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"livecam/internal/detection"
	"livecam/internal/stream"
)

// StreamURL is the route clients attach to after a start.
const StreamURL = "/camera-stream"

// StartResponse is returned by a successful start.
type StartResponse struct {
	Success   bool          `json:"success"`
	SessionID string        `json:"session_id"`
	StreamURL string        `json:"stream_url"`
	Config    stream.Config `json:"config"`
	StartedAt time.Time     `json:"started_at"`
	Message   string        `json:"message"`
}

// StopResponse reports whether the loop released the camera in time.
type StopResponse struct {
	Success bool   `json:"success"`
	Stopped bool   `json:"stopped"`
	Message string `json:"message"`
}

// StatusResponse wraps the slot status.
type StatusResponse struct {
	Success bool `json:"success"`
	*stream.Status
}

// CaptureResponse carries the persisted frame and its detections.
type CaptureResponse struct {
	Success             bool            `json:"success"`
	CaptureID           string          `json:"capture_id"`
	SessionID           string          `json:"session_id"`
	Image               string          `json:"image"` // base64 JPEG
	Detections          detection.Batch `json:"detections"`
	ObjectsCount        int             `json:"objects_count"`
	ModelUsed           string          `json:"model_used"`
	ConfidenceThreshold float64         `json:"confidence_threshold"`
	Path                string          `json:"path"`
	CreatedAt           time.Time       `json:"created_at"`
}

func (s *Server) startLiveDetection(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.parseStreamConfig(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	info, err := s.live.Start(r.Context(), cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, StartResponse{
		Success:   true,
		SessionID: info.ID,
		StreamURL: StreamURL,
		Config:    info.Config,
		StartedAt: info.StartedAt,
		Message:   "live detection started on camera " + strconv.Itoa(info.Config.CameraIndex),
	})
}

func (s *Server) stopLiveDetection(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.live.Stop(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg := "live detection stopped"
	if !stopped {
		msg = "live detection stopping, camera release pending"
	}
	s.respond(w, r, http.StatusOK, StopResponse{Success: true, Stopped: stopped, Message: msg})
}

func (s *Server) liveDetectionStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, StatusResponse{Success: true, Status: s.live.Status()})
}

// cameraStream attaches to the running session, starting one from the query
// parameters when the slot is idle.
func (s *Server) cameraStream(w http.ResponseWriter, r *http.Request) {
	frames, unsubscribe, err := s.live.Subscribe()
	if errors.Is(err, stream.ErrNoActiveSession) {
		cfg, perr := s.parseStreamConfig(r)
		if perr != nil {
			s.fail(w, r, perr)
			return
		}
		if _, serr := s.live.Start(r.Context(), cfg); serr != nil && !errors.Is(serr, stream.ErrAlreadyActive) {
			s.fail(w, r, serr)
			return
		}
		s.logger.Info("session started by stream client", zap.Int("camera", cfg.CameraIndex), zap.String("model", cfg.Model))
		frames, unsubscribe, err = s.live.Subscribe()
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer unsubscribe()

	stream.ServeMJPEG(w, r, frames, s.logger)
}

func (s *Server) captureLiveFrame(w http.ResponseWriter, r *http.Request) {
	rec, img, err := s.live.Capture(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, CaptureResponse{
		Success:             true,
		CaptureID:           rec.ID,
		SessionID:           rec.SessionID,
		Image:               base64.StdEncoding.EncodeToString(img),
		Detections:          rec.Detections,
		ObjectsCount:        len(rec.Detections),
		ModelUsed:           rec.Model,
		ConfidenceThreshold: rec.Confidence,
		Path:                rec.Path,
		CreatedAt:           rec.CreatedAt,
	})
}

// liveSnapshot serves the latest published frame as a single JPEG.
func (s *Server) liveSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.live.State().Snapshot()
	if snap.Frame == nil {
		s.fail(w, r, stream.ErrNoActiveSession)
		return
	}
	writeJPEG(w, snap.Frame)
}

func writeJPEG(w http.ResponseWriter, img []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(img)
}
