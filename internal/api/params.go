package api

import (
	"mime"
	"net/http"
	"strconv"

	goahttp "goa.design/goa/v3/http"

	"livecam/internal/stream"
)

// startRequest is the JSON form of the start parameters. Form-encoded
// requests use the same field names.
type startRequest struct {
	CameraIndex *int     `json:"camera_index"`
	Model       *string  `json:"model"`
	Confidence  *float64 `json:"confidence"`
	IoU         *float64 `json:"iou"`
	FrameSkip   *int     `json:"frame_skip"`
	JPEGQuality *int     `json:"jpeg_quality"`
	MaxWidth    *int     `json:"max_width"`
	MaxHeight   *int     `json:"max_height"`
}

// defaultStreamConfig builds a session config from the service defaults.
func (s *Server) defaultStreamConfig() stream.Config {
	return stream.Config{
		CameraIndex: 0,
		Model:       s.cfg.Model.Default,
		Confidence:  s.cfg.Model.Confidence,
		IoU:         s.cfg.Model.IoU,
		MaxWidth:    s.cfg.Stream.MaxWidth,
		MaxHeight:   s.cfg.Stream.MaxHeight,
		FrameSkip:   s.cfg.Stream.FrameSkip,
		JPEGQuality: s.cfg.Stream.JPEGQuality,
	}
}

// parseStreamConfig reads session parameters from a JSON body, a form body
// or the query string. Missing fields keep their defaults.
func (s *Server) parseStreamConfig(r *http.Request) (stream.Config, error) {
	cfg := s.defaultStreamConfig()

	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" && r.ContentLength != 0 {
		var req startRequest
		if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
			return cfg, badRequest("invalid JSON body: %v", err)
		}
		req.apply(&cfg)
		return cfg, nil
	}

	if err := r.ParseForm(); err != nil {
		return cfg, badRequest("invalid form: %v", err)
	}
	f := formReader{values: r.Form}
	f.int(&cfg.CameraIndex, "camera_index", "cameraIndex")
	f.str(&cfg.Model, "model", "modelId")
	f.float(&cfg.Confidence, "confidence")
	f.float(&cfg.IoU, "iou")
	f.int(&cfg.FrameSkip, "frame_skip")
	f.int(&cfg.JPEGQuality, "jpeg_quality")
	f.int(&cfg.MaxWidth, "max_width")
	f.int(&cfg.MaxHeight, "max_height")
	return cfg, f.err
}

func (req *startRequest) apply(cfg *stream.Config) {
	if req.CameraIndex != nil {
		cfg.CameraIndex = *req.CameraIndex
	}
	if req.Model != nil {
		cfg.Model = *req.Model
	}
	if req.Confidence != nil {
		cfg.Confidence = *req.Confidence
	}
	if req.IoU != nil {
		cfg.IoU = *req.IoU
	}
	if req.FrameSkip != nil {
		cfg.FrameSkip = *req.FrameSkip
	}
	if req.JPEGQuality != nil {
		cfg.JPEGQuality = *req.JPEGQuality
	}
	if req.MaxWidth != nil {
		cfg.MaxWidth = *req.MaxWidth
	}
	if req.MaxHeight != nil {
		cfg.MaxHeight = *req.MaxHeight
	}
}

// formReader keeps the first parse error.
type formReader struct {
	values map[string][]string
	err    error
}

func (f *formReader) lookup(keys ...string) (string, bool) {
	for _, k := range keys {
		if v := f.values[k]; len(v) > 0 && v[0] != "" {
			return v[0], true
		}
	}
	return "", false
}

func (f *formReader) str(dst *string, keys ...string) {
	if v, ok := f.lookup(keys...); ok {
		*dst = v
	}
}

func (f *formReader) int(dst *int, keys ...string) {
	v, ok := f.lookup(keys...)
	if !ok || f.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		f.err = badRequest("%s must be an integer, got %q", keys[0], v)
		return
	}
	*dst = n
}

func (f *formReader) float(dst *float64, keys ...string) {
	v, ok := f.lookup(keys...)
	if !ok || f.err != nil {
		return
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		f.err = badRequest("%s must be a number, got %q", keys[0], v)
		return
	}
	*dst = n
}
