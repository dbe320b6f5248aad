package pipeline

import (
	"time"

	"livecam/internal/detection"
)

// DetectionEvent is published once per inference tick of a live session.
type DetectionEvent struct {
	SessionID   string          `json:"session_id"`
	CameraIndex int             `json:"camera_index"`
	Model       string          `json:"model"`
	FrameSeq    uint64          `json:"frame_seq"`
	FrameWidth  int             `json:"frame_width"`
	FrameHeight int             `json:"frame_height"`
	Detections  detection.Batch `json:"detections"`
	ClassCounts map[string]int  `json:"class_counts"`
	InferenceMs float64         `json:"inference_ms"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewDetectionEvent builds an event for batch, filling in the class counts.
func NewDetectionEvent(sessionID string, cameraIndex int, model string, seq uint64, width, height int, batch detection.Batch, took time.Duration) *DetectionEvent {
	if batch == nil {
		batch = detection.Batch{}
	}
	return &DetectionEvent{
		SessionID:   sessionID,
		CameraIndex: cameraIndex,
		Model:       model,
		FrameSeq:    seq,
		FrameWidth:  width,
		FrameHeight: height,
		Detections:  batch,
		ClassCounts: batch.Counts(),
		InferenceMs: float64(took.Microseconds()) / 1000,
		Timestamp:   time.Now(),
	}
}
