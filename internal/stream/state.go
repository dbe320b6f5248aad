package stream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"livecam/internal/detection"
)

// Snapshot is a consistent view of SharedState. Frame and Detections are
// shared with the state and must not be modified.
type Snapshot struct {
	Frame        []byte
	FrameWidth   int
	FrameHeight  int
	Detections   detection.Batch
	Active       bool
	FrameSeq     uint64
	DetectionSeq uint64
	UpdatedAt    time.Time
}

// SharedState holds the latest published frame and detections of the live
// session. The running session is the only writer; any number of readers
// may take snapshots. Values are replaced whole, never mutated in place.
type SharedState struct {
	clock clock.Clock

	mu           sync.RWMutex
	frame        []byte
	width        int
	height       int
	detections   detection.Batch
	active       bool
	frameSeq     uint64
	detectionSeq uint64
	updatedAt    time.Time
}

// NewSharedState returns an empty, inactive state.
func NewSharedState(clk clock.Clock) *SharedState {
	if clk == nil {
		clk = clock.New()
	}
	return &SharedState{clock: clk, detections: detection.Batch{}}
}

// Publish stores the result of one loop iteration. batch replaces the
// previous detections only when inferred is true; otherwise the last batch is
// kept. The caller hands over ownership of frame and batch.
func (s *SharedState) Publish(frame []byte, width, height int, batch detection.Batch, inferred bool) {
	if inferred && batch == nil {
		batch = detection.Batch{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.frame = frame
	s.width = width
	s.height = height
	s.frameSeq++
	if inferred {
		s.detections = batch
		s.detectionSeq++
	}
	s.updatedAt = s.clock.Now()
}

// PublishFrame stores a frame without touching the detections.
func (s *SharedState) PublishFrame(frame []byte, width, height int) {
	s.Publish(frame, width, height, nil, false)
}

// PublishDetections replaces the detections without touching the frame.
func (s *SharedState) PublishDetections(batch detection.Batch) {
	if batch == nil {
		batch = detection.Batch{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.detections = batch
	s.detectionSeq++
	s.updatedAt = s.clock.Now()
}

// Snapshot returns the current values read under a single lock.
func (s *SharedState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Frame:        s.frame,
		FrameWidth:   s.width,
		FrameHeight:  s.height,
		Detections:   s.detections,
		Active:       s.active,
		FrameSeq:     s.frameSeq,
		DetectionSeq: s.detectionSeq,
		UpdatedAt:    s.updatedAt,
	}
}

// SetActive sets the flag that reports whether a loop is iterating.
func (s *SharedState) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// Active reports the active flag.
func (s *SharedState) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Reset clears everything published by a previous session.
func (s *SharedState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frame = nil
	s.width, s.height = 0, 0
	s.detections = detection.Batch{}
	s.frameSeq, s.detectionSeq = 0, 0
	s.updatedAt = time.Time{}
}
