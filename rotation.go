package srvins

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Orientations are unit Hamilton quaternions rotating a body frame into the parent frame,
// e.g. an IMU orientation q maps IMU-frame vectors into the global frame.

// QuatIdentity is the identity rotation.
var QuatIdentity = quat.Number{Real: 1}

// normalizeQuat returns q with unit norm and a non-negative scalar part.
func normalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return QuatIdentity
	}
	if q.Real < 0 {
		n = -n
	}
	return quat.Scale(1/n, q)
}

// ExpQuat returns the unit quaternion of the rotation vector θ.
func ExpQuat(θ r3.Vector) quat.Number {
	angle := θ.Norm()
	if angle < 1e-12 {
		// Second order keeps the map smooth around the identity.
		return normalizeQuat(quat.Number{Real: 1, Imag: θ.X / 2, Jmag: θ.Y / 2, Kmag: θ.Z / 2})
	}
	s := math.Sin(angle/2) / angle
	return quat.Number{Real: math.Cos(angle / 2), Imag: θ.X * s, Jmag: θ.Y * s, Kmag: θ.Z * s}
}

// LogQuat returns the rotation vector of the unit quaternion q, with angle in [0, π].
func LogQuat(q quat.Number) r3.Vector {
	q = normalizeQuat(q)
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinHalf := v.Norm()
	if sinHalf < 1e-12 {
		return v.Mul(2)
	}
	angle := 2 * math.Atan2(sinHalf, q.Real)
	return v.Mul(angle / sinHalf)
}

// Rotate applies the rotation q to v.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	out := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: out.Imag, Y: out.Jmag, Z: out.Kmag}
}

// RotationMatrix returns the 3×3 direction cosine matrix of q.
func RotationMatrix(q quat.Number) *mat.Dense {
	q = normalizeQuat(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// Skew returns the cross-product matrix [v]× such that [v]× w = v × w.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// composeQuat applies the local perturbation δθ to q, i.e. q ⊗ Exp(δθ).
func composeQuat(q quat.Number, δθ r3.Vector) quat.Number {
	return normalizeQuat(quat.Mul(q, ExpQuat(δθ)))
}

// quatDifference returns δθ such that composeQuat(from, δθ) == to.
func quatDifference(to, from quat.Number) r3.Vector {
	return LogQuat(quat.Mul(quat.Conj(normalizeQuat(from)), normalizeQuat(to)))
}

func vecOf(v r3.Vector) *mat.VecDense {
	return mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
}

func r3Of(v mat.Vector, offset int) r3.Vector {
	return r3.Vector{X: v.AtVec(offset), Y: v.AtVec(offset + 1), Z: v.AtVec(offset + 2)}
}

func finiteVec(v r3.Vector) bool {
	return !math.IsNaN(v.X+v.Y+v.Z) && !math.IsInf(v.X+v.Y+v.Z, 0)
}

func vecArray(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}
