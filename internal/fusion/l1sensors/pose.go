package l1sensors

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Tolerances for pose validation.
const (
	// QuaternionNormTolerance is how far |q| may drift from 1. Poses arrive
	// as float32 on the wire, so exact unit norm is not expected.
	QuaternionNormTolerance = 1e-3
	// MatrixValidationTolerance is the tolerance for checking rotation matrix validity
	MatrixValidationTolerance = 0.01
)

// QuaternionFromEuler builds the rotation R = Rz(yaw)·Ry(pitch)·Rx(roll).
// Angles are in radians.
func QuaternionFromEuler(yaw, pitch, roll float64) quat.Number {
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// PoseFromEuler builds a Pose from a position and yaw/pitch/roll in radians.
func PoseFromEuler(tick uint64, ts time.Time, position r3.Vector, yaw, pitch, roll float64) Pose {
	return Pose{
		Tick:        tick,
		Timestamp:   ts,
		Position:    position,
		Orientation: QuaternionFromEuler(yaw, pitch, roll),
	}
}

// IdentityPose is a pose at the world origin with no rotation.
func IdentityPose(tick uint64, ts time.Time) Pose {
	return Pose{Tick: tick, Timestamp: ts, Orientation: quat.Number{Real: 1}}
}

// Validate checks that the pose is finite and its orientation is a unit quaternion.
func (p Pose) Validate() error {
	if !isFiniteVector(p.Position) {
		return fmt.Errorf("%w: pose position is not finite: %v", ErrMalformedInput, p.Position)
	}
	n := quat.Abs(p.Orientation)
	if math.IsNaN(n) || math.Abs(n-1) > QuaternionNormTolerance {
		return fmt.Errorf("%w: pose orientation is not a unit quaternion (|q|=%g)", ErrMalformedInput, n)
	}
	return nil
}

// Normalized returns the pose with its orientation rescaled to unit length.
func (p Pose) Normalized() Pose {
	n := quat.Abs(p.Orientation)
	if n > 0 {
		p.Orientation = quat.Scale(1/n, p.Orientation)
	}
	return p
}

// Rotate applies the rotation q to v (q·v·q*).
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	r := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// EgoToWorld maps an ego-frame point into the world frame.
func (p Pose) EgoToWorld(v r3.Vector) r3.Vector {
	return Rotate(p.Orientation, v).Add(p.Position)
}

// WorldToEgo maps a world-frame point into the ego frame.
func (p Pose) WorldToEgo(v r3.Vector) r3.Vector {
	return Rotate(quat.Conj(p.Orientation), v.Sub(p.Position))
}

// RotationMatrix returns the 3x3 rotation matrix of a unit quaternion.
func RotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RigidTransform assembles a 4x4 homogeneous transform from a rotation and
// a translation.
func RigidTransform(rot mat.Matrix, t r3.Vector) *mat.Dense {
	T := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			T.Set(i, j, rot.At(i, j))
		}
	}
	T.Set(0, 3, t.X)
	T.Set(1, 3, t.Y)
	T.Set(2, 3, t.Z)
	T.Set(3, 3, 1)
	return T
}

// Matrix returns the 4x4 ego→world transform of the pose.
func (p Pose) Matrix() *mat.Dense {
	return RigidTransform(RotationMatrix(p.Orientation), p.Position)
}

// InvertRigid inverts a rigid transform using Rᵀ and −Rᵀt rather than a
// general matrix inverse.
func InvertRigid(T *mat.Dense) *mat.Dense {
	var rt mat.Dense
	rt.CloneFrom(T.Slice(0, 3, 0, 3).T())
	t := mat.NewVecDense(3, []float64{T.At(0, 3), T.At(1, 3), T.At(2, 3)})
	var nt mat.VecDense
	nt.MulVec(&rt, t)
	nt.ScaleVec(-1, &nt)
	return RigidTransform(&rt, r3.Vector{X: nt.AtVec(0), Y: nt.AtVec(1), Z: nt.AtVec(2)})
}

// ApplyTransform applies a 4x4 row-major homogeneous transform T to v.
func ApplyTransform(T mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: T.At(0, 0)*v.X + T.At(0, 1)*v.Y + T.At(0, 2)*v.Z + T.At(0, 3),
		Y: T.At(1, 0)*v.X + T.At(1, 1)*v.Y + T.At(1, 2)*v.Z + T.At(1, 3),
		Z: T.At(2, 0)*v.X + T.At(2, 1)*v.Y + T.At(2, 2)*v.Z + T.At(2, 3),
	}
}

// IsValidTransformMatrix checks if a 4x4 matrix is a valid rigid transform.
// A valid rigid transform has:
// 1. Orthonormal rotation submatrix (det ≈ 1)
// 2. Last row is [0 0 0 1]
func IsValidTransformMatrix(T mat.Matrix) bool {
	r, c := T.Dims()
	if r != 4 || c != 4 {
		return false
	}
	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.Set(i, j, T.At(i, j))
		}
	}
	if math.Abs(mat.Det(rot)-1.0) > MatrixValidationTolerance {
		return false
	}
	if T.At(3, 0) != 0 || T.At(3, 1) != 0 || T.At(3, 2) != 0 || math.Abs(T.At(3, 3)-1.0) > 0.001 {
		return false
	}
	return true
}
