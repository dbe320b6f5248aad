package api

import (
	"errors"
	"fmt"
	"net/http"

	"livecam/internal/camera"
	"livecam/internal/database"
	"livecam/internal/detection"
	"livecam/internal/stream"
)

// errBadRequest marks malformed request input.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps an error to its HTTP status and error kind.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, stream.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_config"
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "device_unavailable"
	case errors.Is(err, detection.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, stream.ErrAlreadyActive):
		return http.StatusConflict, "already_active"
	case errors.Is(err, stream.ErrNoActiveSession):
		return http.StatusConflict, "no_active_session"
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
