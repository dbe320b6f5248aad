package stream

import (
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Boundary separates parts of the multipart stream body.
const Boundary = "frame"

// ContentType is the Content-Type of the live stream response.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// WritePart writes one JPEG as a multipart segment.
func WritePart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", Boundary); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// ServeMJPEG writes frames to the client until the channel is closed or
// the client goes away.
func ServeMJPEG(w http.ResponseWriter, r *http.Request, frames <-chan []byte, logger *zap.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger.Info("stream client connected", zap.String("remote", r.RemoteAddr))
	sent := 0
	defer func() {
		logger.Info("stream client disconnected", zap.String("remote", r.RemoteAddr), zap.Int("frames", sent))
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := WritePart(w, frame); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
			sent++
		}
	}
}
