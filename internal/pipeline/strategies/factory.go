package strategies

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"livecam/internal/pipeline"
)

const (
	NameContinuous = "continuous"
	NameEveryNth   = "every_nth"
)

// Config selects a strategy for a session.
type Config struct {
	FrameSkip   int           // infer every Nth frame
	MinInterval time.Duration // with FrameSkip 1, lower bound between inferences
}

// New returns the strategy matching cfg. FrameSkip 1 maps to the continuous
// strategy, larger values to every-Nth.
func New(cfg Config, clk clock.Clock) (pipeline.DetectionStrategy, error) {
	switch {
	case cfg.FrameSkip < 1:
		return nil, fmt.Errorf("frame skip %d must be at least 1", cfg.FrameSkip)
	case cfg.FrameSkip == 1:
		return NewContinuousStrategy(cfg.MinInterval, clk), nil
	default:
		return NewEveryNthStrategy(cfg.FrameSkip), nil
	}
}
