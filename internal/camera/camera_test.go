package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func encodeTestJPEG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestSplitterYieldsCompleteFrames(t *testing.T) {
	a := encodeTestJPEG(t, color.White)
	b := encodeTestJPEG(t, color.Black)
	stream := append(append([]byte("junk"), a...), b...)

	var sp splitter
	var got [][]byte
	// feed in awkward chunk sizes so markers straddle writes
	for i := 0; i < len(stream); i += 7 {
		end := min(i+7, len(stream))
		sp.Write(stream[i:end])
		for f := sp.Next(); f != nil; f = sp.Next() {
			got = append(got, f)
		}
	}

	require.Len(t, got, 2)
	assert.Equal(t, a, got[0])
	assert.Equal(t, b, got[1])

	_, err := jpeg.Decode(bytes.NewReader(got[1]))
	assert.NoError(t, err)
}

func TestSplitterWaitsForEndMarker(t *testing.T) {
	a := encodeTestJPEG(t, color.White)

	var sp splitter
	sp.Write(a[:len(a)-1])
	assert.Nil(t, sp.Next())
	sp.Write(a[len(a)-1:])
	assert.Equal(t, a, sp.Next())
	assert.Nil(t, sp.Next())
}

type stubSource struct {
	closed int
}

func (s *stubSource) ReadFrame(context.Context) (*Frame, error) {
	return NewFrame(image.NewRGBA(image.Rect(0, 0, 4, 4)), time.Now()), nil
}

func (s *stubSource) Close() error {
	s.closed++
	return nil
}

func TestProbeStopsAtFirstGap(t *testing.T) {
	// 0, 1 and 3 exist; 2 does not. 3 must never be tried.
	present := map[int]bool{0: true, 1: true, 3: true}
	var tried []int
	var opened []*stubSource
	opener := OpenerFunc(func(_ context.Context, index, _, _ int) (Source, error) {
		tried = append(tried, index)
		if !present[index] {
			return nil, ErrDeviceUnavailable
		}
		s := &stubSource{}
		opened = append(opened, s)
		return s, nil
	})

	got, err := Probe(context.Background(), opener, 10, 640, 480)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, got)
	assert.Equal(t, []int{0, 1, 2}, tried)
	for _, s := range opened {
		assert.Equal(t, 1, s.closed)
	}
}

func TestProbeNoDevices(t *testing.T) {
	opener := OpenerFunc(func(context.Context, int, int, int) (Source, error) {
		return nil, ErrDeviceUnavailable
	})
	got, err := Probe(context.Background(), opener, 10, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProbeAllPresent(t *testing.T) {
	opener := OpenerFunc(func(context.Context, int, int, int) (Source, error) {
		return &stubSource{}, nil
	})
	got, err := Probe(context.Background(), opener, 4, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestNewOpenerUnknownBackend(t *testing.T) {
	_, err := NewOpener("v4l-magic", Options{})
	assert.ErrorContains(t, err, "unknown camera backend")
	assert.Contains(t, Backends(), "ffmpeg")
}

func TestFFmpegOpenMissingDevice(t *testing.T) {
	opener, err := NewOpener("ffmpeg", Options{
		DevicePattern: filepath.Join(t.TempDir(), "video%d"),
		OpenTimeout:   time.Second,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	_, err = opener.Open(context.Background(), 0, 640, 480)
	assert.True(t, errors.Is(err, ErrDeviceUnavailable), "got %v", err)
}

func TestNewFrameDimensions(t *testing.T) {
	f := NewFrame(image.NewRGBA(image.Rect(0, 0, 320, 200)), time.Unix(10, 0))
	assert.Equal(t, 320, f.Width)
	assert.Equal(t, 200, f.Height)
}
