package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// Result is the output of one inference tick.
type Result struct {
	Batch     Batch
	Annotated image.Image
	Took      time.Duration
}

// Stage runs a Detector under a bounded timeout and annotates its output.
type Stage struct {
	detector  Detector
	annotator *Annotator
	timeout   time.Duration
}

// NewStage wraps detector. A zero timeout means no limit beyond ctx.
func NewStage(detector Detector, annotator *Annotator, timeout time.Duration) *Stage {
	if annotator == nil {
		annotator = NewAnnotator()
	}
	return &Stage{detector: detector, annotator: annotator, timeout: timeout}
}

// Infer detects objects in img and returns them with an annotated copy.
// Errors wrap ErrInferenceFailed.
func (s *Stage) Infer(ctx context.Context, img image.Image, p Params) (*Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	batch, err := s.detector.Detect(ctx, img, p)
	if err != nil {
		if !errors.Is(err, ErrInferenceFailed) {
			err = fmt.Errorf("%w: %v", ErrInferenceFailed, err)
		}
		return nil, err
	}
	return &Result{
		Batch:     batch,
		Annotated: s.annotator.Annotate(img, batch),
		Took:      time.Since(start),
	}, nil
}
