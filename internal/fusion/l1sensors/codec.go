package l1sensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Byte layouts of the raw sensor topics. All values are little-endian.
const (
	// PointStride is the size of one lidar_pc point: float32 x, y, z.
	PointStride = 3 * 4
	// PoseSize is the size of a position message: float32 x, y, z, qx, qy, qz, qw.
	PoseSize = 7 * 4
	// BoxRowSize is the size of one bbox row:
	// int32 min_x, max_x, min_y, max_y, confidence (percent), class id.
	BoxRowSize = 6 * 4
	// ObstacleRowSize is the size of one obstacles row:
	// float32 x, y, z, confidence, class id.
	ObstacleRowSize = 5 * 4
)

// DecodePointCloud parses a lidar_pc payload.
func DecodePointCloud(b []byte) ([]Point, error) {
	if len(b)%PointStride != 0 {
		return nil, fmt.Errorf("%w: lidar_pc payload of %d bytes is not a multiple of %d", ErrMalformedInput, len(b), PointStride)
	}
	n := len(b) / PointStride
	points := make([]Point, n)
	for i := 0; i < n; i++ {
		off := i * PointStride
		points[i] = Point{Position: r3.Vector{
			X: float64(readFloat32(b[off:])),
			Y: float64(readFloat32(b[off+4:])),
			Z: float64(readFloat32(b[off+8:])),
		}}
	}
	return points, nil
}

// EncodePointCloud is the inverse of DecodePointCloud. Intensity is not
// carried on the wire.
func EncodePointCloud(points []Point) []byte {
	b := make([]byte, len(points)*PointStride)
	for i, p := range points {
		off := i * PointStride
		putFloat32(b[off:], float32(p.Position.X))
		putFloat32(b[off+4:], float32(p.Position.Y))
		putFloat32(b[off+8:], float32(p.Position.Z))
	}
	return b
}

// DecodePose parses a position payload and validates the result.
func DecodePose(tick uint64, ts time.Time, b []byte) (Pose, error) {
	if len(b) != PoseSize {
		return Pose{}, fmt.Errorf("%w: position payload is %d bytes, want %d", ErrMalformedInput, len(b), PoseSize)
	}
	var v [7]float64
	for i := range v {
		v[i] = float64(readFloat32(b[i*4:]))
	}
	p := Pose{
		Tick:        tick,
		Timestamp:   ts,
		Position:    r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Orientation: quat.Number{Imag: v[3], Jmag: v[4], Kmag: v[5], Real: v[6]},
	}
	if err := p.Validate(); err != nil {
		return Pose{}, err
	}
	return p.Normalized(), nil
}

// EncodePose is the inverse of DecodePose.
func EncodePose(p Pose) []byte {
	b := make([]byte, PoseSize)
	vals := [7]float64{
		p.Position.X, p.Position.Y, p.Position.Z,
		p.Orientation.Imag, p.Orientation.Jmag, p.Orientation.Kmag, p.Orientation.Real,
	}
	for i, v := range vals {
		putFloat32(b[i*4:], float32(v))
	}
	return b
}

// DecodeBoxes parses a bbox payload. Rows are returned as-is; shape
// validation is left to ValidateBoxes so that one bad row does not lose
// the batch.
func DecodeBoxes(b []byte) ([]BoundingBox2D, error) {
	if len(b)%BoxRowSize != 0 {
		return nil, fmt.Errorf("%w: bbox payload of %d bytes is not a multiple of %d", ErrMalformedInput, len(b), BoxRowSize)
	}
	n := len(b) / BoxRowSize
	boxes := make([]BoundingBox2D, n)
	for i := 0; i < n; i++ {
		var row [6]int32
		for j := range row {
			row[j] = int32(binary.LittleEndian.Uint32(b[i*BoxRowSize+j*4:]))
		}
		classID := int(row[5])
		boxes[i] = BoundingBox2D{
			MinX:       float64(row[0]),
			MaxX:       float64(row[1]),
			MinY:       float64(row[2]),
			MaxY:       float64(row[3]),
			Confidence: float64(row[4]) / 100,
			ClassID:    classID,
			Label:      LabelName(classID),
		}
	}
	return boxes, nil
}

// EncodeBoxes is the inverse of DecodeBoxes. Coordinates are truncated to
// whole pixels and confidence is rounded to a percentage.
func EncodeBoxes(boxes []BoundingBox2D) []byte {
	b := make([]byte, len(boxes)*BoxRowSize)
	for i, box := range boxes {
		row := [6]int32{
			int32(box.MinX), int32(box.MaxX), int32(box.MinY), int32(box.MaxY),
			int32(math.Round(box.Confidence * 100)), int32(box.ClassID),
		}
		for j, v := range row {
			binary.LittleEndian.PutUint32(b[i*BoxRowSize+j*4:], uint32(v))
		}
	}
	return b
}

// ObstacleRow is the flattened form of one emitted obstacle.
type ObstacleRow struct {
	Position   r3.Vector
	Confidence float64
	ClassID    int
}

// EncodeObstacles serialises obstacles into the obstacles topic layout.
// An empty input yields an empty payload.
func EncodeObstacles(rows []ObstacleRow) []byte {
	b := make([]byte, len(rows)*ObstacleRowSize)
	for i, r := range rows {
		off := i * ObstacleRowSize
		putFloat32(b[off:], float32(r.Position.X))
		putFloat32(b[off+4:], float32(r.Position.Y))
		putFloat32(b[off+8:], float32(r.Position.Z))
		putFloat32(b[off+12:], float32(r.Confidence))
		putFloat32(b[off+16:], float32(r.ClassID))
	}
	return b
}

// DecodeObstacles parses an obstacles payload.
func DecodeObstacles(b []byte) ([]ObstacleRow, error) {
	if len(b)%ObstacleRowSize != 0 {
		return nil, fmt.Errorf("%w: obstacles payload of %d bytes is not a multiple of %d", ErrMalformedInput, len(b), ObstacleRowSize)
	}
	n := len(b) / ObstacleRowSize
	rows := make([]ObstacleRow, n)
	for i := 0; i < n; i++ {
		off := i * ObstacleRowSize
		rows[i] = ObstacleRow{
			Position: r3.Vector{
				X: float64(readFloat32(b[off:])),
				Y: float64(readFloat32(b[off+4:])),
				Z: float64(readFloat32(b[off+8:])),
			},
			Confidence: float64(readFloat32(b[off+12:])),
			ClassID:    int(readFloat32(b[off+16:])),
		}
	}
	return rows, nil
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func putFloat32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}
