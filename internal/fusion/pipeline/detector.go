package pipeline

import (
	"context"
	"time"

	"github.com/banshee-data/obstacle-fusion/internal/fusion/l1sensors"
)

// Image is a raw camera frame as delivered on the image topic.
type Image struct {
	Tick      uint64
	Timestamp time.Time
	Source    string
	Width     int
	Height    int
	Pixels    []byte
}

// Detector turns an image into 2D detections. The stage depends only on
// this capability; any model (or a replayed detector log) can provide it.
type Detector interface {
	Detect(ctx context.Context, img Image) ([]l1sensors.BoundingBox2D, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, img Image) ([]l1sensors.BoundingBox2D, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, img Image) ([]l1sensors.BoundingBox2D, error) {
	return f(ctx, img)
}
