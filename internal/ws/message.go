package ws

import (
	"time"

	"livecam/internal/pipeline"
)

// DetectionMessage is the live detection broadcast sent to WebSocket clients.
type DetectionMessage struct {
	Type        string            `json:"type"` // "detection"
	SessionID   string            `json:"session_id"`
	CameraIndex int               `json:"camera_index"`
	Model       string            `json:"model"`
	FrameSeq    uint64            `json:"frame_seq"`
	FrameWidth  int               `json:"frame_width"`
	FrameHeight int               `json:"frame_height"`
	Objects     []ObjectDetection `json:"objects"`
	ClassCounts map[string]int    `json:"class_counts"`
	InferenceMs float64           `json:"inference_ms"`
	Timestamp   time.Time         `json:"timestamp"`
}

// ObjectDetection represents a single detected object
type ObjectDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"` // [x1, y1, x2, y2] in pixels
}

// NewDetectionMessage converts a pipeline event into its wire form.
func NewDetectionMessage(e *pipeline.DetectionEvent) *DetectionMessage {
	msg := &DetectionMessage{
		Type:        "detection",
		SessionID:   e.SessionID,
		CameraIndex: e.CameraIndex,
		Model:       e.Model,
		FrameSeq:    e.FrameSeq,
		FrameWidth:  e.FrameWidth,
		FrameHeight: e.FrameHeight,
		Objects:     make([]ObjectDetection, 0, len(e.Detections)),
		ClassCounts: e.ClassCounts,
		InferenceMs: e.InferenceMs,
		Timestamp:   e.Timestamp,
	}
	for _, d := range e.Detections {
		obj := ObjectDetection{Class: d.Class, ClassID: d.ClassID, Confidence: d.Confidence}
		if d.BBox != nil {
			obj.BBox = []float64{d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2}
		}
		msg.Objects = append(msg.Objects, obj)
	}
	return msg
}
