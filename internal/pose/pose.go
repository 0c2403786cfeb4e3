// Package pose holds 6-DOF rigid poses and the reconciliation that moves a
// VPS map-relative estimate into the AR subsystem's tracking space.
//
// Rotations are gonum quaternions (Real is w; Imag, Jmag, Kmag are x, y, z)
// and are always treated as unit quaternions; every entry point re-normalizes
// them before use.
package pose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a translation plus orientation.
type Pose struct {
	Position r3.Vec
	Rotation quat.Number
}

// Identity is the pose with zero translation and no rotation.
func Identity() Pose {
	return Pose{Rotation: quat.Number{Real: 1}}
}

// New builds a pose from position and x, y, z, w quaternion components, the
// order used on the wire.
func New(x, y, z, qx, qy, qz, qw float64) Pose {
	return Pose{
		Position: r3.Vec{X: x, Y: y, Z: z},
		Rotation: quat.Number{Real: qw, Imag: qx, Jmag: qy, Kmag: qz},
	}
}

// Components returns x, y, z, qx, qy, qz, qw.
func (p Pose) Components() [7]float64 {
	q := p.Rotation
	return [7]float64{p.Position.X, p.Position.Y, p.Position.Z, q.Imag, q.Jmag, q.Kmag, q.Real}
}

func (p Pose) String() string {
	q := p.Rotation
	return fmt.Sprintf("pos(%.4f, %.4f, %.4f) rot(%.4f, %.4f, %.4f, %.4f)",
		p.Position.X, p.Position.Y, p.Position.Z, q.Imag, q.Jmag, q.Kmag, q.Real)
}

// Normalize returns q scaled to unit length. A zero (or non-finite)
// quaternion has no orientation and becomes the identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// AxisAngle returns the unit quaternion rotating by angle radians about axis.
func AxisAngle(axis r3.Vec, angle float64) quat.Number {
	n := r3.Norm(axis)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	a := r3.Scale(1/n, axis)
	s := math.Sin(angle / 2)
	return quat.Number{Real: math.Cos(angle / 2), Imag: a.X * s, Jmag: a.Y * s, Kmag: a.Z * s}
}

// Rotate applies the rotation q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	q = Normalize(q)
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// ComposeLocal applies r in p's own frame: the position is unchanged and the
// orientation becomes p.Rotation * r.
func ComposeLocal(p Pose, r quat.Number) Pose {
	return Pose{
		Position: p.Position,
		Rotation: Normalize(quat.Mul(Normalize(p.Rotation), Normalize(r))),
	}
}

// ApproxEqual reports whether a and b agree within tol on every position
// component and on the rotation, treating q and -q as the same rotation.
func ApproxEqual(a, b Pose, tol float64) bool {
	if math.Abs(a.Position.X-b.Position.X) > tol ||
		math.Abs(a.Position.Y-b.Position.Y) > tol ||
		math.Abs(a.Position.Z-b.Position.Z) > tol {
		return false
	}
	qa, qb := Normalize(a.Rotation), Normalize(b.Rotation)
	dot := qa.Real*qb.Real + qa.Imag*qb.Imag + qa.Jmag*qb.Jmag + qa.Kmag*qb.Kmag
	return 1-math.Abs(dot) <= tol
}

// Matrix returns the 4×4 homogeneous transform [R t; 0 1] of p.
func (p Pose) Matrix() *mat.Dense {
	q := Normalize(p.Rotation)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	t := p.Position
	return mat.NewDense(4, 4, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y), t.X,
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x), t.Y,
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y), t.Z,
		0, 0, 0, 1,
	})
}

// FromMatrix extracts a pose from a 4×4 rigid transform. The rotation is
// returned normalized with a non-negative scalar part; the matrix alone does
// not fix the sign, so Reconcile re-aligns it.
func FromMatrix(m mat.Matrix) Pose {
	m00, m01, m02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	m10, m11, m12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	m20, m21, m22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	var q quat.Number
	switch tr := m00 + m11 + m22; {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{Real: 0.25 * s, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	q = Normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return Pose{
		Position: r3.Vec{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)},
		Rotation: q,
	}
}

// RigidInverse returns the inverse of a rigid transform in closed form:
// [Rᵀ  -Rᵀt; 0 1]. Unlike a general inverse it cannot amplify the small
// non-orthogonality left by quaternion rounding.
func RigidInverse(m mat.Matrix) *mat.Dense {
	rt := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.Set(i, j, m.At(j, i))
		}
	}

	t := mat.NewVecDense(3, []float64{m.At(0, 3), m.At(1, 3), m.At(2, 3)})
	var nt mat.VecDense
	nt.MulVec(rt, t)
	nt.ScaleVec(-1, &nt)

	inv := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			inv.Set(i, j, rt.At(i, j))
		}
		inv.Set(i, 3, nt.AtVec(i))
	}
	inv.Set(3, 3, 1)
	return inv
}
