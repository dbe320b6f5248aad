//go:build gocv

package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

func init() {
	Register("gocv", newGoCVOpener)
}

type gocvOpener struct {
	opts Options
}

func newGoCVOpener(opts Options) Opener {
	return &gocvOpener{opts: opts}
}

// gocvSource reads frames through OpenCV. mu serialises Read against Close
// because VideoCapture is not safe for concurrent use.
type gocvSource struct {
	index  int
	logger *zap.Logger

	mu      sync.Mutex
	capture *gocv.VideoCapture
	closed  bool
}

func (o *gocvOpener) Open(ctx context.Context, index, width, height int) (Source, error) {
	capture, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("%w: index %d: %v", ErrDeviceUnavailable, index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: index %d not opened", ErrDeviceUnavailable, index)
	}
	if width > 0 && height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	if o.opts.FPS > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(o.opts.FPS))
	}

	s := &gocvSource{
		index:   index,
		logger:  o.opts.Logger.With(zap.Int("index", index)),
		capture: capture,
	}

	openCtx, cancel := context.WithTimeout(ctx, o.opts.OpenTimeout)
	defer cancel()
	if _, err := s.ReadFrame(openCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: index %d: %v", ErrDeviceUnavailable, index, err)
	}
	s.logger.Info("camera opened")
	return s, nil
}

func (s *gocvSource) ReadFrame(ctx context.Context) (*Frame, error) {
	type result struct {
		frame *Frame
		err   error
	}
	out := make(chan result, 1)
	go func() {
		f, err := s.read()
		out <- result{f, err}
	}()

	select {
	case r := <-out:
		return r.frame, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: index %d: %v", ErrReadFailed, s.index, ctx.Err())
	}
}

func (s *gocvSource) read() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: index %d: closed", ErrReadFailed, s.index)
	}

	mat := gocv.NewMat()
	defer mat.Close()

	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		return nil, fmt.Errorf("%w: index %d: empty frame", ErrReadFailed, s.index)
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: index %d: %v", ErrReadFailed, s.index, err)
	}
	return NewFrame(img, time.Now()), nil
}

func (s *gocvSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("camera closed")
	return s.capture.Close()
}
