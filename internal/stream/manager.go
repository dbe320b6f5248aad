package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"livecam/internal/camera"
	"livecam/internal/database"
	"livecam/internal/detection"
	"livecam/internal/encoder"
	"livecam/internal/pipeline"
	"livecam/internal/pipeline/strategies"
)

var (
	// ErrAlreadyActive rejects a start while a session is starting or running.
	ErrAlreadyActive = errors.New("live session already active")
	// ErrNoActiveSession is returned by operations that need a running session.
	ErrNoActiveSession = errors.New("no active live session")
	// ErrInvalidConfig wraps validation failures of a session config.
	ErrInvalidConfig = errors.New("invalid stream config")
)

// ModelLoader makes a model available before a session starts.
type ModelLoader interface {
	Ensure(ctx context.Context, model string) error
}

// CaptureStore persists captured frames.
type CaptureStore interface {
	SaveCapture(ctx context.Context, rec *database.CaptureRecord, image []byte) error
}

// Options configure a Manager.
type Options struct {
	Opener   camera.Opener
	Models   ModelLoader
	Detector detection.Detector
	Store    CaptureStore
	Bus      *pipeline.EventBus
	Clock    clock.Clock
	Logger   *zap.Logger

	CaptureWidth  int
	CaptureHeight int
	ReadTimeout   time.Duration
	InferTimeout  time.Duration
	MaxFPS        int // zero disables pacing
	StopWait      time.Duration

	// MinInferInterval bounds inference rate when FrameSkip is 1.
	MinInferInterval time.Duration
}

// Info describes the session currently held by the manager.
type Info struct {
	ID        string    `json:"session_id"`
	Config    Config    `json:"config"`
	StartedAt time.Time `json:"started_at"`
}

// Status is a point-in-time report of the live slot.
type Status struct {
	State        string          `json:"state"`
	Active       bool            `json:"active"`
	Session      *Info           `json:"session,omitempty"`
	Detections   detection.Batch `json:"detections"`
	Count        int             `json:"count"`
	ClassCounts  map[string]int  `json:"class_counts"`
	FrameSeq     uint64          `json:"frame_seq"`
	DetectionSeq uint64          `json:"detection_seq"`
	Subscribers  int             `json:"subscribers"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// Manager owns the single live session slot.
type Manager struct {
	opts      Options
	state     *SharedState
	annotator *detection.Annotator

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	phase     State
	session   *Session
	info      *Info
	done      chan struct{}
	abort     bool
	lastError error
}

// NewManager creates a manager with an idle slot.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StopWait <= 0 {
		opts.StopWait = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:      opts,
		state:     NewSharedState(opts.Clock),
		annotator: detection.NewAnnotator(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the shared stream state.
func (m *Manager) State() *SharedState { return m.state }

// Start validates the camera and model and launches the loop. Validation
// failures leave the slot idle.
func (m *Manager) Start(ctx context.Context, cfg Config) (*Info, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	m.mu.Lock()
	if m.phase != StateIdle {
		phase := m.phase
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrAlreadyActive, phase)
	}
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return nil, errors.New("manager closed")
	}
	m.phase = StateStarting
	m.abort = false
	m.mu.Unlock()

	logger := m.opts.Logger.With(zap.Int("camera", cfg.CameraIndex), zap.String("model", cfg.Model))
	logger.Info("starting live session")

	s, err := m.prepare(ctx, cfg)
	if err != nil {
		logger.Info("live session not started", zap.Error(err))
		m.setIdle(err)
		return nil, err
	}

	m.mu.Lock()
	if m.abort {
		m.mu.Unlock()
		_ = s.Close()
		m.setIdle(nil)
		logger.Info("live session start aborted by stop")
		return nil, fmt.Errorf("%w: stopped while starting", ErrNoActiveSession)
	}
	info := &Info{ID: s.id, Config: cfg, StartedAt: s.startedAt}
	done := make(chan struct{})
	m.state.Reset()
	m.state.SetActive(true)
	m.phase = StateActive
	m.session = s
	m.info = info
	m.done = done
	m.lastError = nil
	m.mu.Unlock()

	go m.run(s, done)

	logger.Info("live session active", zap.String("session", s.id))
	return info, nil
}

func (m *Manager) prepare(ctx context.Context, cfg Config) (*Session, error) {
	if err := m.opts.Models.Ensure(ctx, cfg.Model); err != nil {
		return nil, err
	}

	enc, err := encoder.New(cfg.MaxWidth, cfg.MaxHeight, cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	strategy, err := strategies.New(strategies.Config{
		FrameSkip:   cfg.FrameSkip,
		MinInterval: m.opts.MinInferInterval,
	}, m.opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	src, err := m.opts.Opener.Open(ctx, cfg.CameraIndex, m.opts.CaptureWidth, m.opts.CaptureHeight)
	if err != nil {
		if !errors.Is(err, camera.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", camera.ErrDeviceUnavailable, err)
		}
		return nil, err
	}

	return newSession(uuid.NewString(), cfg, sessionDeps{
		source:      src,
		inferer:     detection.NewStage(m.opts.Detector, m.annotator, m.opts.InferTimeout),
		encoder:     enc,
		strategy:    strategy,
		state:       m.state,
		bus:         m.opts.Bus,
		logger:      m.opts.Logger,
		readTimeout: m.opts.ReadTimeout,
		startedAt:   m.opts.Clock.Now(),
	}), nil
}

func (m *Manager) run(s *Session, done chan struct{}) {
	defer close(done)

	var interval time.Duration
	if m.opts.MaxFPS > 0 {
		interval = time.Second / time.Duration(m.opts.MaxFPS)
	}

	err := s.Run(m.ctx, m.opts.Clock, interval)
	m.state.SetActive(false)
	if err != nil {
		m.opts.Logger.Error("live session stopped on capture failure", zap.String("session", s.id), zap.Error(err))
	} else {
		m.opts.Logger.Info("live session stopped", zap.String("session", s.id))
	}
	m.setIdle(err)
}

func (m *Manager) setIdle(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = StateIdle
	m.session = nil
	m.info = nil
	m.done = nil
	if err != nil {
		m.lastError = err
	}
}

// Stop clears the active flag and waits up to StopWait for the loop to
// release the camera. Stopping an idle slot is a no-op. It reports whether
// the loop had exited before Stop returned.
func (m *Manager) Stop(ctx context.Context) (bool, error) {
	m.mu.Lock()
	switch m.phase {
	case StateIdle:
		m.mu.Unlock()
		return true, nil
	case StateStarting:
		m.abort = true
		m.mu.Unlock()
		return true, nil
	}
	s, done := m.session, m.done
	m.phase = StateStopping
	m.mu.Unlock()

	m.state.SetActive(false)
	s.Stop()

	timer := m.opts.Clock.Timer(m.opts.StopWait)
	defer timer.Stop()
	select {
	case <-done:
		return true, nil
	case <-timer.C:
		m.opts.Logger.Warn("live loop still finishing its iteration", zap.String("session", s.id))
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Wait blocks until the current loop, if any, has exited.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe attaches a stream client to the running session.
func (m *Manager) Subscribe() (<-chan []byte, func(), error) {
	m.mu.Lock()
	s := m.session
	active := m.phase == StateActive
	m.mu.Unlock()
	if s == nil || !active {
		return nil, nil, ErrNoActiveSession
	}
	return s.Subscribe(5)
}

// Status reports the slot state and the latest published detections.
func (m *Manager) Status() *Status {
	m.mu.Lock()
	phase, s := m.phase, m.session
	var info *Info
	if m.info != nil {
		copied := *m.info
		info = &copied
	}
	lastErr := m.lastError
	m.mu.Unlock()

	snap := m.state.Snapshot()
	st := &Status{
		State:        phase.String(),
		Active:       snap.Active,
		Session:      info,
		Detections:   snap.Detections,
		Count:        len(snap.Detections),
		ClassCounts:  snap.Detections.Counts(),
		FrameSeq:     snap.FrameSeq,
		DetectionSeq: snap.DetectionSeq,
	}
	if s != nil {
		st.Subscribers = s.SubscriberCount()
	}
	if !snap.UpdatedAt.IsZero() {
		st.UpdatedAt = &snap.UpdatedAt
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st
}

// Capture persists the latest published frame with its detections.
// Without a running session nothing is written.
func (m *Manager) Capture(ctx context.Context) (*database.CaptureRecord, []byte, error) {
	m.mu.Lock()
	var info *Info
	if m.info != nil && m.phase == StateActive {
		copied := *m.info
		info = &copied
	}
	m.mu.Unlock()

	snap := m.state.Snapshot()
	if info == nil || !snap.Active {
		return nil, nil, ErrNoActiveSession
	}
	if snap.Frame == nil {
		return nil, nil, fmt.Errorf("%w: no frame published yet", ErrNoActiveSession)
	}

	rec := &database.CaptureRecord{
		ID:          uuid.NewString(),
		SessionID:   info.ID,
		CameraIndex: info.Config.CameraIndex,
		Model:       info.Config.Model,
		Confidence:  info.Config.Confidence,
		Width:       snap.FrameWidth,
		Height:      snap.FrameHeight,
		Detections:  snap.Detections,
		CreatedAt:   m.opts.Clock.Now(),
	}
	if err := m.opts.Store.SaveCapture(ctx, rec, snap.Frame); err != nil {
		return nil, nil, fmt.Errorf("saving capture: %w", err)
	}
	m.opts.Logger.Info("frame captured",
		zap.String("capture", rec.ID),
		zap.Int("detections", len(rec.Detections)),
		zap.Strings("classes", snap.Detections.Classes()))
	return rec, snap.Frame, nil
}

// Close stops any running session and waits for it to exit.
func (m *Manager) Close(ctx context.Context) error {
	if _, err := m.Stop(ctx); err != nil {
		return err
	}
	m.cancel()
	return m.Wait(ctx)
}
