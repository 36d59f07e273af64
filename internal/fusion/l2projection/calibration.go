package l2projection

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/obstacle-fusion/internal/config"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/l1sensors"
)

// ErrCalibrationMissing is returned when the camera intrinsics or the
// camera mount are absent or unusable. It is fatal at stage construction.
var ErrCalibrationMissing = errors.New("camera calibration is missing or invalid")

// PointFrame names the coordinate frame point clouds are expressed in.
type PointFrame string

const (
	// PointFrameWorld clouds are already in world coordinates.
	PointFrameWorld PointFrame = config.PointFrameWorld
	// PointFrameEgo clouds are relative to the ego vehicle (sensor-local).
	PointFrameEgo PointFrame = config.PointFrameEgo
)

// DefaultNearPlane is the minimum forward depth, in metres, a point must
// have in front of the camera to be projected.
const DefaultNearPlane = 0.1

// Intrinsics is a pinhole camera model in pixels.
type Intrinsics struct {
	Width  int
	Height int
	Fx, Fy float64
	Ppx    float64
	Ppy    float64
}

// IntrinsicsFromFOV derives a pinhole model with square pixels and a centred
// principal point from the horizontal field of view.
func IntrinsicsFromFOV(width, height int, fovDeg float64) Intrinsics {
	f := float64(width) / (2 * math.Tan(fovDeg*math.Pi/360))
	return Intrinsics{
		Width:  width,
		Height: height,
		Fx:     f,
		Fy:     f,
		Ppx:    float64(width) / 2,
		Ppy:    float64(height) / 2,
	}
}

// CheckValid reports whether the intrinsics can be used for projection.
func (in Intrinsics) CheckValid() error {
	if in.Width <= 0 || in.Height <= 0 {
		return fmt.Errorf("%w: invalid image size %dx%d", ErrCalibrationMissing, in.Width, in.Height)
	}
	if !(in.Fx > 0) || math.IsInf(in.Fx, 0) {
		return fmt.Errorf("%w: invalid focal length Fx=%g", ErrCalibrationMissing, in.Fx)
	}
	if !(in.Fy > 0) || math.IsInf(in.Fy, 0) {
		return fmt.Errorf("%w: invalid focal length Fy=%g", ErrCalibrationMissing, in.Fy)
	}
	if !(in.Ppx >= 0) || !(in.Ppy >= 0) {
		return fmt.Errorf("%w: invalid principal point (%g,%g)", ErrCalibrationMissing, in.Ppx, in.Ppy)
	}
	return nil
}

// PointToPixel maps a camera-frame point (x right, y down, z forward) to
// sub-pixel image coordinates. Callers must ensure z > 0.
func (in Intrinsics) PointToPixel(x, y, z float64) (u, v float64) {
	return x/z*in.Fx + in.Ppx, y/z*in.Fy + in.Ppy
}

// InImage reports whether (u, v) lies on the sensor: [0,W)×[0,H).
func (in Intrinsics) InImage(u, v float64) bool {
	return u >= 0 && u < float64(in.Width) && v >= 0 && v < float64(in.Height)
}

// Extrinsics is the camera mount in the ego frame (x forward, y right,
// z up). Angles are radians.
type Extrinsics struct {
	Translation r3.Vector
	Roll        float64
	Pitch       float64
	Yaw         float64
}

// Pose returns the mount as a camera→ego rigid transform.
func (e Extrinsics) Pose() l1sensors.Pose {
	return l1sensors.PoseFromEuler(0, time.Time{}, e.Translation, e.Yaw, e.Pitch, e.Roll)
}

// CameraCalibration is everything needed to map world points into pixels.
type CameraCalibration struct {
	Intrinsics Intrinsics
	Extrinsics Extrinsics
	NearPlane  float64
	PointFrame PointFrame
}

// Validate returns ErrCalibrationMissing when the calibration cannot be used.
func (c CameraCalibration) Validate() error {
	if err := c.Intrinsics.CheckValid(); err != nil {
		return err
	}
	t := c.Extrinsics.Translation
	for _, v := range [...]float64{t.X, t.Y, t.Z, c.Extrinsics.Roll, c.Extrinsics.Pitch, c.Extrinsics.Yaw, c.NearPlane} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite extrinsics", ErrCalibrationMissing)
		}
	}
	if c.NearPlane < 0 {
		return fmt.Errorf("%w: negative near plane %g", ErrCalibrationMissing, c.NearPlane)
	}
	switch c.PointFrame {
	case "", PointFrameWorld, PointFrameEgo:
	default:
		return fmt.Errorf("%w: unknown point frame %q", ErrCalibrationMissing, c.PointFrame)
	}
	return nil
}

// CalibrationFromConfig builds the calibration from the calibration
// section of the fusion config.
func CalibrationFromConfig(cfg *config.CalibrationConfig) CameraCalibration {
	in := Intrinsics{Width: cfg.GetImageWidth(), Height: cfg.GetImageHeight()}
	in.Fx, in.Fy, in.Ppx, in.Ppy = cfg.GetIntrinsics()
	roll, pitch, yaw := cfg.GetMountRotationRad()
	return CameraCalibration{
		Intrinsics: in,
		Extrinsics: Extrinsics{
			Translation: r3.Vector{X: cfg.GetMountX(), Y: cfg.GetMountY(), Z: cfg.GetMountZ()},
			Roll:        roll,
			Pitch:       pitch,
			Yaw:         yaw,
		},
		NearPlane:  cfg.GetNearPlane(),
		PointFrame: PointFrame(cfg.GetPointFrame()),
	}
}
