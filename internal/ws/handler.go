package ws

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// PathPrefix is the route the handler is mounted on.
const PathPrefix = "/ws/live-detections"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client owns one connection. Only writePump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Handler handles WebSocket connections for live detections
type Handler struct {
	hub    *DetectionHub
	logger *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *DetectionHub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, logger: logger}
}

// ServeHTTP upgrades the request. Expected paths:
// /ws/live-detections for every camera, /ws/live-detections/{camera_index}
// for one.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, ok := cameraKey(r.URL.Path)
	if !ok {
		http.Error(w, "camera index must be a non-negative integer", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.logger.Info("websocket connected", zap.String("camera", key), zap.String("remote", r.RemoteAddr))

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.hub.register(key, c)

	go c.writePump()
	go h.readPump(key, c)
}

func cameraKey(path string) (string, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, PathPrefix), "/")
	if rest == "" {
		return AllCameras, true
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return "", false
	}
	return strconv.Itoa(idx), true
}

// readPump only detects disconnection and keeps the read deadline fresh.
func (h *Handler) readPump(key string, c *client) {
	defer h.hub.unregister(key, c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.String("camera", key), zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
