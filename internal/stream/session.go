package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"livecam/internal/camera"
	"livecam/internal/config"
	"livecam/internal/detection"
	"livecam/internal/encoder"
	"livecam/internal/pipeline"
)

// State is the lifecycle phase of the live session slot.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config is the per-session stream configuration.
type Config struct {
	CameraIndex int     `json:"camera_index"`
	Model       string  `json:"model"`
	Confidence  float64 `json:"confidence"`
	IoU         float64 `json:"iou"`
	MaxWidth    int     `json:"max_width"`
	MaxHeight   int     `json:"max_height"`
	FrameSkip   int     `json:"frame_skip"`
	JPEGQuality int     `json:"jpeg_quality"`
}

// Validate checks the configuration before any device is touched.
func (c Config) Validate() error {
	if c.CameraIndex < 0 {
		return fmt.Errorf("camera index %d must not be negative", c.CameraIndex)
	}
	if c.Model == "" {
		return errors.New("model identifier is required")
	}
	if err := config.ValidateThresholds(c.Confidence, c.IoU); err != nil {
		return err
	}
	return config.ValidateStream(c.FrameSkip, c.JPEGQuality, c.MaxWidth, c.MaxHeight)
}

func (c Config) params() detection.Params {
	return detection.Params{Model: c.Model, Confidence: c.Confidence, IoU: c.IoU}
}

// Inferer runs the inference stage on one frame.
type Inferer interface {
	Infer(ctx context.Context, img image.Image, p detection.Params) (*detection.Result, error)
}

// Tick is the outcome of one loop iteration.
type Tick struct {
	Seq        uint64
	Chunk      []byte
	Width      int
	Height     int
	Inferred   bool
	Detections detection.Batch // set only when Inferred
	InferErr   error           // inference failure, the frame was sent raw
}

// Session is one run of the live loop. It owns its Source from creation
// until the loop exits.
type Session struct {
	id        string
	cfg       Config
	startedAt time.Time

	source      camera.Source
	inferer     Inferer
	encoder     *encoder.Encoder
	strategy    pipeline.DetectionStrategy
	state       *SharedState
	bus         *pipeline.EventBus
	logger      *zap.Logger
	readTimeout time.Duration

	seq uint64

	stopCh   chan struct{}
	stopOnce sync.Once

	subMu       sync.Mutex
	subscribers map[chan []byte]struct{}
	finished    bool

	closeOnce sync.Once
	closeErr  error
}

type sessionDeps struct {
	source      camera.Source
	inferer     Inferer
	encoder     *encoder.Encoder
	strategy    pipeline.DetectionStrategy
	state       *SharedState
	bus         *pipeline.EventBus
	logger      *zap.Logger
	readTimeout time.Duration
	startedAt   time.Time
}

func newSession(id string, cfg Config, d sessionDeps) *Session {
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return &Session{
		id:          id,
		cfg:         cfg,
		startedAt:   d.startedAt,
		source:      d.source,
		inferer:     d.inferer,
		encoder:     d.encoder,
		strategy:    d.strategy,
		state:       d.state,
		bus:         d.bus,
		logger:      d.logger.With(zap.String("session", id), zap.Int("camera", cfg.CameraIndex)),
		readTimeout: d.readTimeout,
		stopCh:      make(chan struct{}),
		subscribers: make(map[chan []byte]struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the configuration the session was started with.
func (s *Session) Config() Config { return s.cfg }

// Next runs one iteration: read, optionally infer, encode and publish.
// A returned error wrapping camera.ErrReadFailed is terminal for the
// session; other errors only affect this iteration.
func (s *Session) Next(ctx context.Context) (*Tick, error) {
	readCtx := ctx
	if s.readTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, s.readTimeout)
		defer cancel()
	}

	frame, err := s.source.ReadFrame(readCtx)
	if err != nil {
		if !errors.Is(err, camera.ErrReadFailed) {
			err = fmt.Errorf("%w: %v", camera.ErrReadFailed, err)
		}
		return nil, err
	}

	s.seq++
	tick := &Tick{Seq: s.seq}

	img := s.encoder.Fit(frame.Image)
	out := img
	var took time.Duration
	if s.strategy.ShouldDetect(s.seq) {
		res, err := s.inferer.Infer(ctx, img, s.cfg.params())
		s.strategy.OnDetectionComplete()
		if err != nil {
			tick.InferErr = err
			s.logger.Warn("inference failed, sending raw frame", zap.Uint64("seq", s.seq), zap.Error(err))
		} else {
			out = res.Annotated
			took = res.Took
			tick.Inferred = true
			tick.Detections = res.Batch
		}
	}

	chunk, err := s.encoder.Encode(out)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", s.seq, err)
	}
	b := out.Bounds()
	tick.Chunk, tick.Width, tick.Height = chunk, b.Dx(), b.Dy()

	s.state.Publish(chunk, tick.Width, tick.Height, tick.Detections, tick.Inferred)
	if tick.Inferred && s.bus != nil {
		s.bus.Publish(pipeline.NewDetectionEvent(s.id, s.cfg.CameraIndex, s.cfg.Model, s.seq, tick.Width, tick.Height, tick.Detections, took))
	}
	return tick, nil
}

// Run iterates Next until the active flag is cleared, ctx is done or the
// camera fails. The source is closed and subscribers are released on every
// exit path. interval is the minimum time between iteration starts; zero
// disables pacing.
func (s *Session) Run(ctx context.Context, clk clock.Clock, interval time.Duration) error {
	defer func() {
		s.finish()
		if cerr := s.Close(); cerr != nil {
			s.logger.Warn("closing camera", zap.Error(cerr))
		}
	}()

	for {
		if !s.state.Active() || ctx.Err() != nil || s.stopped() {
			return nil
		}

		start := clk.Now()
		tick, err := s.Next(ctx)
		switch {
		case err == nil:
			s.broadcast(tick.Chunk)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, camera.ErrReadFailed):
			return err
		default:
			s.logger.Warn("dropping frame", zap.Error(err))
		}

		if interval <= 0 {
			continue
		}
		if wait := interval - clk.Since(start); wait > 0 {
			select {
			case <-clk.After(wait):
			case <-s.stopCh:
			case <-ctx.Done():
			}
		}
	}
}

// Stop asks Run to exit after the current iteration.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Close releases the camera. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.source.Close()
		s.strategy.Reset()
	})
	return s.closeErr
}

// Subscribe returns a channel receiving every encoded chunk. The channel is
// closed when the session ends. Slow subscribers miss chunks.
func (s *Session) Subscribe(buffer int) (<-chan []byte, func(), error) {
	if buffer <= 0 {
		buffer = 5
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.finished {
		return nil, nil, ErrNoActiveSession
	}

	ch := make(chan []byte, buffer)
	s.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// SubscriberCount returns the number of attached stream clients.
func (s *Session) SubscriberCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subscribers)
}

func (s *Session) broadcast(chunk []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- chunk:
		default:
			// client is slow, skip chunk
		}
	}
}

func (s *Session) finish() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.finished = true
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
}
