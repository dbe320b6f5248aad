package detection

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testImage(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func TestYOLOClientDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "yolov8n.pt", r.FormValue("model"))
		assert.Equal(t, "0.250", r.FormValue("conf_threshold"))
		assert.Equal(t, "0.700", r.FormValue("iou_threshold"))

		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		img, err := jpeg.Decode(f)
		require.NoError(t, err)
		assert.Equal(t, 64, img.Bounds().Dx())

		_ = json.NewEncoder(w).Encode(YOLOResult{
			Detections: []YOLODetection{
				{Class: "person", ClassID: 0, Confidence: 0.91, BBox: []float64{1, 2, 30, 40}},
				{Class: "dog", ClassID: 16, Confidence: 0.5, BBox: []float64{1, 2}},
			},
			Count: 2,
		})
	}))
	defer srv.Close()

	c := NewYOLOClient(srv.URL+"/", time.Second, zaptest.NewLogger(t))
	batch, err := c.Detect(context.Background(), testImage(64, 48), Params{Model: "yolov8n.pt", Confidence: 0.25, IoU: 0.7})
	require.NoError(t, err)
	require.Len(t, batch, 2)

	assert.Equal(t, "person", batch[0].Class)
	assert.InDelta(t, 0.91, batch[0].Confidence, 1e-9)
	require.NotNil(t, batch[0].BBox)
	assert.Equal(t, BBox{X1: 1, Y1: 2, X2: 30, Y2: 40}, *batch[0].BBox)
	assert.Nil(t, batch[1].BBox)
}

func TestYOLOClientDetectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cuda out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewYOLOClient(srv.URL, time.Second, zaptest.NewLogger(t))
	_, err := c.Detect(context.Background(), testImage(8, 8), Params{Model: "m"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInferenceFailed))
	assert.Contains(t, err.Error(), "cuda out of memory")
}

func TestYOLOClientLoad(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(YOLOHealthResponse{
			Status:      "healthy",
			Device:      "cpu",
			ModelLoaded: r.URL.Query().Get("model") == "yolov8n.pt",
		})
	}))
	defer srv.Close()

	c := NewYOLOClient(srv.URL, time.Second, zaptest.NewLogger(t))
	require.NoError(t, c.Load(context.Background(), "yolov8n.pt"))

	err := c.Load(context.Background(), "missing.pt")
	assert.True(t, errors.Is(err, ErrModelUnavailable))
}

func TestYOLOClientLoadUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := NewYOLOClient(srv.URL, 200*time.Millisecond, zaptest.NewLogger(t))
	err := c.Load(context.Background(), "yolov8n.pt")
	assert.True(t, errors.Is(err, ErrModelUnavailable))
}
