package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// YOLODetection is a single detection as returned by the YOLO service.
type YOLODetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

// YOLOResult is the /detect response body.
type YOLOResult struct {
	Detections      []YOLODetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
	Device          string          `json:"device"`
	Model           string          `json:"model"`
}

// YOLOHealthResponse is the /health response body.
type YOLOHealthResponse struct {
	Status       string `json:"status"`
	Device       string `json:"device"`
	GPUAvailable bool   `json:"gpu_available"`
	ModelLoaded  bool   `json:"model_loaded"`
}

// YOLOClient talks to an external YOLO inference service over HTTP.
type YOLOClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
	quality  int
}

// NewYOLOClient creates a client for the service at endpoint. timeout bounds
// each HTTP round trip.
func NewYOLOClient(endpoint string, timeout time.Duration, logger *zap.Logger) *YOLOClient {
	return &YOLOClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		quality:  90,
	}
}

// Health returns the service health, optionally for a specific model.
func (c *YOLOClient) Health(ctx context.Context, model string) (*YOLOHealthResponse, error) {
	u := c.endpoint + "/health"
	if model != "" {
		u += "?model=" + url.QueryEscape(model)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check YOLO health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("YOLO health check returned status %d", resp.StatusCode)
	}

	var health YOLOHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// Load asks the service to load model and fails with ErrModelUnavailable
// unless the service reports it loaded.
func (c *YOLOClient) Load(ctx context.Context, model string) error {
	health, err := c.Health(ctx, model)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModelUnavailable, model, err)
	}
	if !health.ModelLoaded {
		return fmt.Errorf("%w: %s: not loaded (status %q)", ErrModelUnavailable, model, health.Status)
	}
	c.logger.Info("model ready", zap.String("model", model), zap.String("device", health.Device))
	return nil
}

// Detect uploads img as JPEG and returns the detections in service order.
func (c *YOLOClient) Detect(ctx context.Context, img image.Image, p Params) (Batch, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	if err := jpeg.Encode(fw, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("%w: encode frame: %v", ErrInferenceFailed, err)
	}
	_ = w.WriteField("model", p.Model)
	_ = w.WriteField("conf_threshold", fmt.Sprintf("%.3f", p.Confidence))
	_ = w.WriteField("iou_threshold", fmt.Sprintf("%.3f", p.IoU))
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/detect", &body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrInferenceFailed, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result YOLOResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrInferenceFailed, err)
	}
	return result.Batch(), nil
}

// Batch converts the service response into a Batch. Boxes that do not have
// exactly four coordinates are dropped from the detection.
func (r *YOLOResult) Batch() Batch {
	batch := make(Batch, 0, len(r.Detections))
	for _, d := range r.Detections {
		det := Detection{
			Class:      d.Class,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
		}
		if len(d.BBox) == 4 {
			det.BBox = &BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]}
		}
		batch = append(batch, det)
	}
	return batch
}
