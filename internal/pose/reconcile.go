package pose

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Reconcile re-expresses a VPS estimate in tracking space.
//
// estimated is the camera pose the service found, relative to the stored
// map. tracker is the camera pose the AR subsystem reported when the same
// frame was captured. The result is tracker ∘ estimated⁻¹: the pose of the
// map origin in tracking space, which is where map-anchored content must be
// placed.
//
// q and -q are the same rotation; the result takes the sign of the quaternion
// product tracker·estimated⁻¹, so an identity estimate returns tracker's
// rotation unchanged and equal poses cancel to +1.
func Reconcile(estimated, tracker Pose) Pose {
	est := estimated.Matrix()
	trk := tracker.Matrix()

	var result mat.Dense
	result.Mul(trk, RigidInverse(est))

	out := FromMatrix(&result)
	ref := quat.Mul(Normalize(tracker.Rotation), quat.Conj(Normalize(estimated.Rotation)))
	out.Rotation = alignSign(out.Rotation, ref)
	out.Position = r3.Vec{
		X: cleanZero(out.Position.X),
		Y: cleanZero(out.Position.Y),
		Z: cleanZero(out.Position.Z),
	}
	return out
}

// alignSign returns q or -q, whichever lies in the same hemisphere as ref.
func alignSign(q, ref quat.Number) quat.Number {
	if q.Real*ref.Real+q.Imag*ref.Imag+q.Jmag*ref.Jmag+q.Kmag*ref.Kmag < 0 {
		return quat.Scale(-1, q)
	}
	return q
}

// cleanZero folds rounding residue and negative zero to 0 so identical
// inputs reconcile to an exact zero translation.
func cleanZero(v float64) float64 {
	if math.Abs(v) < 1e-12 {
		return 0
	}
	return v
}
