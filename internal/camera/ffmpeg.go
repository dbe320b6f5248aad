package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"strings"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func init() {
	Register("ffmpeg", newFFmpegOpener)
}

type ffmpegOpener struct {
	opts Options
}

func newFFmpegOpener(opts Options) Opener {
	return &ffmpegOpener{opts: opts}
}

// ffmpegSource runs ffmpeg as an MJPEG producer and keeps only the newest
// decoded frame.
type ffmpegSource struct {
	device string
	logger *zap.Logger

	cancel  context.CancelFunc
	pipe    *io.PipeReader
	frames  chan *Frame // capacity 1, newest frame wins
	first   chan struct{}
	done    chan struct{}
	workers sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	closeErr  error
}

func (o *ffmpegOpener) Open(ctx context.Context, index, width, height int) (Source, error) {
	device := o.opts.device(index)
	if err := deviceAccessible(device); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, device, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	s := &ffmpegSource{
		device: device,
		logger: o.opts.Logger.With(zap.String("device", device)),
		cancel: cancel,
		pipe:   pr,
		frames: make(chan *Frame, 1),
		first:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	stream := ffmpeg.Input(device, inputArgs(device, width, height, o.opts.FPS)).
		Output("pipe:", ffmpeg.KwArgs{
			"f":      "image2pipe",
			"vcodec": "mjpeg",
			"q:v":    5,
		})
	stream.Context = runCtx

	var stderr bytes.Buffer
	s.workers.Add(2)
	go func() {
		defer s.workers.Done()
		err := stream.WithOutput(pw).WithErrorOutput(&stderr).Run()
		if err != nil && runCtx.Err() == nil {
			err = fmt.Errorf("ffmpeg exited: %w (stderr: %s)", err, tail(stderr.Bytes(), 256))
		} else {
			err = io.EOF
		}
		pw.CloseWithError(err)
	}()
	go func() {
		defer s.workers.Done()
		s.readLoop(runCtx)
	}()

	timer := time.NewTimer(o.opts.OpenTimeout)
	defer timer.Stop()

	select {
	case <-s.first:
		s.logger.Info("camera opened", zap.Int("width", width), zap.Int("height", height))
		return s, nil
	case <-s.done:
		err := s.lastErr()
		_ = s.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, device, err)
	case <-timer.C:
		_ = s.Close()
		return nil, fmt.Errorf("%w: %s: no frame within %s", ErrDeviceUnavailable, device, o.opts.OpenTimeout)
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, device, ctx.Err())
	}
}

func inputArgs(device string, width, height, fps int) ffmpeg.KwArgs {
	switch {
	case strings.HasPrefix(device, "rtsp://"):
		return ffmpeg.KwArgs{"rtsp_transport": "tcp"}
	case isNetworkSource(device):
		return ffmpeg.KwArgs{}
	}
	args := ffmpeg.KwArgs{"f": "v4l2"}
	if width > 0 && height > 0 {
		args["video_size"] = fmt.Sprintf("%dx%d", width, height)
	}
	if fps > 0 {
		args["framerate"] = fps
	}
	return args
}

func (s *ffmpegSource) readLoop(ctx context.Context) {
	defer close(s.done)

	var sp splitter
	chunk := make([]byte, 32*1024)
	firstSeen := false
	for {
		n, err := s.pipe.Read(chunk)
		if n > 0 {
			sp.Write(chunk[:n])
			for data := sp.Next(); data != nil; data = sp.Next() {
				img, derr := jpeg.Decode(bytes.NewReader(data))
				if derr != nil {
					s.logger.Debug("dropping undecodable frame", zap.Error(derr))
					continue
				}
				s.publish(NewFrame(img, time.Now()))
				if !firstSeen {
					firstSeen = true
					close(s.first)
				}
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.setErr(err)
			} else {
				s.setErr(io.EOF)
			}
			return
		}
	}
}

// publish replaces any unread frame with f. readLoop is the only producer.
func (s *ffmpegSource) publish(f *Frame) {
	select {
	case <-s.frames:
	default:
	}
	s.frames <- f
}

func (s *ffmpegSource) ReadFrame(ctx context.Context) (*Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		// a frame may have landed just before the reader exited
		select {
		case f := <-s.frames:
			return f, nil
		default:
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrReadFailed, s.device, s.lastErr())
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrReadFailed, s.device, ctx.Err())
	}
}

func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = multierr.Append(s.closeErr, s.pipe.Close())
		s.workers.Wait()
		s.logger.Info("camera closed")
	})
	return s.closeErr
}

func (s *ffmpegSource) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *ffmpegSource) lastErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		return io.EOF
	}
	return s.err
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(bytes.TrimSpace(b))
}
