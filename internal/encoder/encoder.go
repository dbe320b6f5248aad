// Package encoder prepares frames for transport.
package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sync"

	"golang.org/x/image/draw"
)

// Encoder downscales frames to fit a bounding box and encodes them as JPEG.
type Encoder struct {
	maxWidth  int
	maxHeight int
	quality   int

	bufs sync.Pool
}

// New returns an encoder bounded by maxWidth x maxHeight at the given JPEG
// quality (0-100). Quality 0 encodes as 1, the lowest quality image/jpeg
// produces.
func New(maxWidth, maxHeight, quality int) (*Encoder, error) {
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, fmt.Errorf("invalid max dimensions %dx%d", maxWidth, maxHeight)
	}
	if quality < 0 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality %d out of range [0,100]", quality)
	}
	if quality == 0 {
		quality = 1
	}
	return &Encoder{
		maxWidth:  maxWidth,
		maxHeight: maxHeight,
		quality:   quality,
		bufs:      sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}, nil
}

// FitSize returns the dimensions of a w x h frame after downscaling to fit
// maxW x maxH with its aspect ratio preserved. Frames that already fit are
// returned unchanged; frames are never upscaled.
func FitSize(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := max(int(math.Round(float64(w)*scale)), 1)
	nh := max(int(math.Round(float64(h)*scale)), 1)
	return nw, nh
}

// Fit returns img downscaled to the encoder's bounds, or img itself when it
// already fits.
func (e *Encoder) Fit(img image.Image) image.Image {
	b := img.Bounds()
	w, h := FitSize(b.Dx(), b.Dy(), e.maxWidth, e.maxHeight)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Encode fits img and returns it as a fresh JPEG byte slice.
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	buf := e.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer e.bufs.Put(buf)

	if err := jpeg.Encode(buf, e.Fit(img), &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
