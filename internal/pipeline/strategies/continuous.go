package strategies

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ContinuousStrategy infers every frame, optionally no more often than
// minInterval.
type ContinuousStrategy struct {
	minInterval   time.Duration
	clock         clock.Clock
	lastDetection time.Time
	mu            sync.Mutex
}

// NewContinuousStrategy creates a continuous strategy. A zero minInterval
// infers every frame.
func NewContinuousStrategy(minInterval time.Duration, clk clock.Clock) *ContinuousStrategy {
	if clk == nil {
		clk = clock.New()
	}
	return &ContinuousStrategy{minInterval: minInterval, clock: clk}
}

func (s *ContinuousStrategy) Name() string {
	return NameContinuous
}

func (s *ContinuousStrategy) ShouldDetect(uint64) bool {
	if s.minInterval == 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Since(s.lastDetection) >= s.minInterval
}

func (s *ContinuousStrategy) OnDetectionComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDetection = s.clock.Now()
}

func (s *ContinuousStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDetection = time.Time{}
}
