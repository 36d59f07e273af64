package l1sensors

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// ErrMalformedInput marks a sensor record that failed shape validation
// (NaN coordinates, inverted rectangles, truncated payloads). The offending
// item is dropped and the rest of its batch is processed.
var ErrMalformedInput = errors.New("malformed input")

// Pose is the ego vehicle's position and orientation in the world frame
// for one tick. Orientation rotates ego-frame vectors into the world frame.
type Pose struct {
	Tick        uint64
	Timestamp   time.Time
	Position    r3.Vector
	Orientation quat.Number
}

// Point is a single LIDAR return.
type Point struct {
	Position  r3.Vector
	Intensity float32
}

// PointCloudFrame is one LIDAR sweep together with the pose of the same
// tick. Frames are published by the FrameStore and never mutated afterwards.
type PointCloudFrame struct {
	Tick      uint64
	Timestamp time.Time
	Points    []Point
	Pose      Pose
}

// BoundingBox2D is an axis-aligned detection rectangle in image pixels.
type BoundingBox2D struct {
	MinX, MinY float64
	MaxX, MaxY float64

	Label      string
	ClassID    int
	Confidence float64

	Tick        uint64
	Timestamp   time.Time
	SourceImage string
}

// BoxBatch is the set of detections produced from one image.
type BoxBatch struct {
	Tick        uint64
	Timestamp   time.Time
	SourceImage string
	Boxes       []BoundingBox2D
}

// NewBoxBatch stamps every box with the batch tick, timestamp and image
// identity so individual boxes stay attributable after validation.
func NewBoxBatch(tick uint64, ts time.Time, sourceImage string, boxes []BoundingBox2D) BoxBatch {
	stamped := make([]BoundingBox2D, len(boxes))
	for i, b := range boxes {
		b.Tick = tick
		b.Timestamp = ts
		b.SourceImage = sourceImage
		stamped[i] = b
	}
	return BoxBatch{Tick: tick, Timestamp: ts, SourceImage: sourceImage, Boxes: stamped}
}

// Width returns the horizontal size of the box in pixels.
func (b BoundingBox2D) Width() float64 { return b.MaxX - b.MinX }

// Height returns the vertical size of the box in pixels.
func (b BoundingBox2D) Height() float64 { return b.MaxY - b.MinY }

// Contains reports whether pixel (u, v) lies inside the box, edges included.
func (b BoundingBox2D) Contains(u, v float64) bool {
	return u >= b.MinX && u <= b.MaxX && v >= b.MinY && v <= b.MaxY
}

// Validate checks the box shape.
func (b BoundingBox2D) Validate() error {
	for _, v := range [...]float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if !isFinite(v) {
			return fmt.Errorf("%w: bbox has non-finite coordinate (%g,%g)-(%g,%g)", ErrMalformedInput, b.MinX, b.MinY, b.MaxX, b.MaxY)
		}
	}
	if b.Width() < 0 || b.Height() < 0 {
		return fmt.Errorf("%w: bbox has negative size %gx%g", ErrMalformedInput, b.Width(), b.Height())
	}
	if !isFinite(b.Confidence) || b.Confidence < 0 || b.Confidence > 1 {
		return fmt.Errorf("%w: bbox confidence %g outside [0,1]", ErrMalformedInput, b.Confidence)
	}
	return nil
}

// Validate checks the point coordinates.
func (p Point) Validate() error {
	if !isFiniteVector(p.Position) || !isFinite(float64(p.Intensity)) {
		return fmt.Errorf("%w: point has non-finite value %v", ErrMalformedInput, p.Position)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func isFiniteVector(v r3.Vector) bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}
