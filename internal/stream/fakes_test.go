package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"livecam/internal/camera"
	"livecam/internal/database"
	"livecam/internal/detection"
)

// fakeSource yields frames whose width identifies them: frame i is
// widthFor(i) pixels wide. After limit frames every read fails.
type fakeSource struct {
	mu              sync.Mutex
	reads           int
	limit           int // 0 means unlimited
	widthFor        func(i int) int
	closed          bool
	closeCalls      int
	readsAfterClose int
	readDelay       time.Duration
}

func newFakeSource(limit int) *fakeSource {
	return &fakeSource{limit: limit, widthFor: func(i int) int { return 10 * i }}
}

func (s *fakeSource) ReadFrame(ctx context.Context) (*camera.Frame, error) {
	if s.readDelay > 0 {
		select {
		case <-time.After(s.readDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", camera.ErrReadFailed, ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.readsAfterClose++
		return nil, fmt.Errorf("%w: closed", camera.ErrReadFailed)
	}
	if s.limit > 0 && s.reads >= s.limit {
		return nil, fmt.Errorf("%w: device unplugged", camera.ErrReadFailed)
	}
	s.reads++
	img := image.NewRGBA(image.Rect(0, 0, s.widthFor(s.reads), 10))
	return camera.NewFrame(img, time.Now()), nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCalls++
	return nil
}

func (s *fakeSource) snapshot() (reads int, closed bool, afterClose int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.closed, s.readsAfterClose
}

// fakeDetector names each detection after the width of the frame it saw.
type fakeDetector struct {
	mu     sync.Mutex
	widths []int
	failOn map[int]bool // by width
}

func (d *fakeDetector) Detect(_ context.Context, img image.Image, _ detection.Params) (detection.Batch, error) {
	w := img.Bounds().Dx()

	d.mu.Lock()
	d.widths = append(d.widths, w)
	fail := d.failOn[w]
	d.mu.Unlock()

	if fail {
		return nil, errors.New("model crashed")
	}
	return detection.Batch{
		{Class: fmt.Sprintf("w%d", w), ClassID: 1, Confidence: 0.8, BBox: &detection.BBox{X1: 1, Y1: 1, X2: 4, Y2: 4}},
	}, nil
}

func (d *fakeDetector) seen() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.widths...)
}

type fakeOpener struct {
	mu      sync.Mutex
	sources map[int]*fakeSource
	opened  []*fakeSource
	calls   int
	newSrc  func() *fakeSource
}

func (o *fakeOpener) Open(_ context.Context, index, _, _ int) (camera.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.newSrc != nil {
		s := o.newSrc()
		o.opened = append(o.opened, s)
		return s, nil
	}
	s, ok := o.sources[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", camera.ErrDeviceUnavailable, index)
	}
	o.opened = append(o.opened, s)
	return s, nil
}

func (o *fakeOpener) openCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type fakeModels struct {
	missing map[string]bool
}

func (m *fakeModels) Ensure(_ context.Context, model string) error {
	if m.missing[model] {
		return fmt.Errorf("%w: %s", detection.ErrModelUnavailable, model)
	}
	return nil
}

type fakeStore struct {
	mu     sync.Mutex
	saved  []*database.CaptureRecord
	images [][]byte
}

func (s *fakeStore) SaveCapture(_ context.Context, rec *database.CaptureRecord, image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Path = "/captures/" + rec.ID + ".jpg"
	s.saved = append(s.saved, rec)
	s.images = append(s.images, image)
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}
