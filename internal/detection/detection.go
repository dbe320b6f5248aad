package detection

import (
	"context"
	"errors"
	"image"
	"sort"
)

var (
	// ErrInferenceFailed marks a failed inference on a single frame.
	ErrInferenceFailed = errors.New("inference failed")
	// ErrModelUnavailable marks a model the detection service cannot load.
	ErrModelUnavailable = errors.New("model unavailable")
)

// BBox is a bounding box in pixel coordinates of the frame that was inferred.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one labelled object. It is never modified after creation.
type Detection struct {
	Class      string  `json:"class"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	BBox       *BBox   `json:"bbox,omitempty"`
}

// Batch holds the detections for one frame in detector output order.
type Batch []Detection

// Counts returns the number of detections per class.
func (b Batch) Counts() map[string]int {
	counts := make(map[string]int, len(b))
	for _, d := range b {
		counts[d.Class]++
	}
	return counts
}

// Classes returns the distinct class labels in sorted order.
func (b Batch) Classes() []string {
	counts := b.Counts()
	classes := make([]string, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

// Params selects the model and thresholds for one inference call.
type Params struct {
	Model      string
	Confidence float64
	IoU        float64
}

// Detector runs object detection on a single image.
type Detector interface {
	Detect(ctx context.Context, img image.Image, p Params) (Batch, error)
}

// Loader makes a model ready for use.
type Loader interface {
	Load(ctx context.Context, model string) error
}
