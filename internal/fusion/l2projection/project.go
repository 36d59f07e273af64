package l2projection

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/obstacle-fusion/internal/fusion/l1sensors"
)

// Projected is a point that landed on the image: its world position, its
// pixel coordinates and its forward distance from the camera.
type Projected struct {
	World r3.Vector
	Pixel r2.Point
	Depth float64
}

// bodyToOptical maps the camera body frame (x forward, y right, z up) into
// the optical frame (x right, y down, z forward).
var bodyToOptical = mat.NewDense(4, 4, []float64{
	0, 1, 0, 0,
	0, 0, -1, 0,
	1, 0, 0, 0,
	0, 0, 0, 1,
})

// WorldToCamera returns the 4x4 transform from the cloud's frame into the
// camera optical frame for the given ego pose.
func WorldToCamera(pose l1sensors.Pose, cal CameraCalibration) *mat.Dense {
	egoToCam := l1sensors.InvertRigid(cal.Extrinsics.Pose().Matrix())

	var m mat.Dense
	m.Mul(bodyToOptical, egoToCam)
	if cal.PointFrame == PointFrameEgo {
		return &m
	}
	var full mat.Dense
	full.Mul(&m, l1sensors.InvertRigid(pose.Matrix()))
	return &full
}

// Project maps points into image pixels for the given pose and calibration.
// Points at or behind the near plane and points whose pixel falls outside
// [0,W)×[0,H) are dropped. World holds the point's world position even when
// the cloud is ego-relative. The result order follows the input order.
//
// Project is pure and safe to call concurrently.
func Project(points []l1sensors.Point, pose l1sensors.Pose, cal CameraCalibration) []Projected {
	if len(points) == 0 {
		return nil
	}
	T := WorldToCamera(pose, cal)
	var t [12]float64
	for i := range t {
		t[i] = T.At(i/4, i%4)
	}

	near := cal.NearPlane
	in := cal.Intrinsics
	ego := cal.PointFrame == PointFrameEgo

	out := make([]Projected, 0, len(points))
	for _, p := range points {
		v := p.Position
		z := t[8]*v.X + t[9]*v.Y + t[10]*v.Z + t[11]
		if !(z > near) {
			continue
		}
		x := t[0]*v.X + t[1]*v.Y + t[2]*v.Z + t[3]
		y := t[4]*v.X + t[5]*v.Y + t[6]*v.Z + t[7]
		u, w := in.PointToPixel(x, y, z)
		if !in.InImage(u, w) {
			continue
		}
		world := v
		if ego {
			world = pose.EgoToWorld(v)
		}
		out = append(out, Projected{World: world, Pixel: r2.Point{X: u, Y: w}, Depth: z})
	}
	return out
}
