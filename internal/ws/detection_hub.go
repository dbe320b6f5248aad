package ws

import (
	"encoding/json"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"livecam/internal/pipeline"
)

// AllCameras is the hub key of clients that want events from every camera.
const AllCameras = "*"

// DetectionHub fans detection events out to WebSocket clients
type DetectionHub struct {
	// clients maps camera key -> set of connections
	clients map[string]map[*client]bool
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewDetectionHub creates a new detection hub
func NewDetectionHub(logger *zap.Logger) *DetectionHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetectionHub{
		clients: make(map[string]map[*client]bool),
		logger:  logger,
	}
}

func (h *DetectionHub) register(key string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[key] == nil {
		h.clients[key] = make(map[*client]bool)
	}
	h.clients[key][c] = true
	h.logger.Info("websocket client registered", zap.String("camera", key), zap.Int("total", len(h.clients[key])))
}

func (h *DetectionHub) unregister(key string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[key]
	if !ok || !conns[c] {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, key)
	}
	close(c.send)
	h.logger.Info("websocket client unregistered", zap.String("camera", key))
}

// HasClients returns true if any client listens for the camera
func (h *DetectionHub) HasClients(cameraIndex int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[strconv.Itoa(cameraIndex)])+len(h.clients[AllCameras]) > 0
}

// OnDetectionEvent implements pipeline.EventHandler. It never blocks on a
// slow client; a full send buffer drops the message for that client.
func (h *DetectionHub) OnDetectionEvent(e *pipeline.DetectionEvent) {
	if !h.HasClients(e.CameraIndex) {
		return
	}

	data, err := json.Marshal(NewDetectionMessage(e))
	if err != nil {
		h.logger.Error("marshaling detection message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range []string{strconv.Itoa(e.CameraIndex), AllCameras} {
		for c := range h.clients[key] {
			select {
			case c.send <- data:
			default:
				h.logger.Debug("websocket client behind, dropping message", zap.String("camera", key))
			}
		}
	}
}

// ClientCount returns the total number of connected clients
func (h *DetectionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Close disconnects every client.
func (h *DetectionHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, conns := range h.clients {
		for c := range conns {
			close(c.send)
		}
		delete(h.clients, key)
	}
}
