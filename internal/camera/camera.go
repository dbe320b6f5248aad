package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDeviceUnavailable is returned when a device cannot be acquired.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrReadFailed is returned when an open device stops producing frames.
	ErrReadFailed = errors.New("camera read failed")
)

// Frame is one captured still image. A Frame belongs to whichever stage
// holds it and is never mutated after capture.
type Frame struct {
	Image      image.Image
	Width      int
	Height     int
	CapturedAt time.Time
}

// NewFrame wraps img with its dimensions and capture time.
func NewFrame(img image.Image, capturedAt time.Time) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: capturedAt,
	}
}

// Source owns one open device handle.
type Source interface {
	// ReadFrame blocks until the next frame is available or ctx is done.
	// Every failure wraps ErrReadFailed.
	ReadFrame(ctx context.Context) (*Frame, error)
	// Close releases the device. It is safe to call more than once.
	Close() error
}

// Opener acquires a device by index. Failures wrap ErrDeviceUnavailable.
type Opener interface {
	Open(ctx context.Context, index, width, height int) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, index, width, height int) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, index, width, height int) (Source, error) {
	return f(ctx, index, width, height)
}

// Options are shared by every capture backend.
type Options struct {
	DevicePattern string
	FPS           int
	OpenTimeout   time.Duration
	Logger        *zap.Logger
}

func (o Options) device(index int) string {
	return fmt.Sprintf(o.DevicePattern, index)
}

// Backend builds an Opener for a named capture implementation.
type Backend func(opts Options) Opener

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

// Register makes a backend available to NewOpener.
func Register(name string, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = b
}

// Backends lists the registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewOpener returns the Opener for the named backend.
func NewOpener(name string, opts Options) (Opener, error) {
	backendsMu.RLock()
	b, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown camera backend %q (available: %s)", name, strings.Join(Backends(), ", "))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return b(opts), nil
}

// isNetworkSource reports whether device is an HTTP or RTSP URL.
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// deviceAccessible checks that a local device node exists and can be read.
// Network sources are checked when the first frame arrives.
func deviceAccessible(device string) error {
	if isNetworkSource(device) {
		return nil
	}
	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	return f.Close()
}
