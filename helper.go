package srvins

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// triTolerance is the magnitude below which a strictly lower element is considered zero.
const triTolerance = 1e-9

// pivotTolerance is the relative magnitude below which a diagonal element of a factor is zero.
const pivotTolerance = 1e-12

// Identity returns an identity matrix of the provided size.
func Identity(n int) *mat.SymDense {
	I := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		I.SetSym(i, i, 1)
	}
	return I
}

// ScaledIdentity returns an identity matrix scaled by the provided factor.
func ScaledIdentity(n int, s float64) *mat.Dense {
	I := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		I.Set(i, i, s)
	}
	return I
}

// IsNil returns whether the provided matrix only has zero values
func IsNil(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

// AsSymDense attempts return a SymDense from the provided Dense.
// Asymmetries below tol are averaged out.
func AsSymDense(m mat.Matrix, tol float64) (*mat.SymDense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, errors.New("matrix must be square")
	}
	sym := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < c; j++ {
			a, b := m.At(i, j), m.At(j, i)
			if math.Abs(a-b) > tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b))) {
				return nil, errors.New("matrix is not symmetric")
			}
			sym.SetSym(i, j, 0.5*(a+b))
		}
	}
	return sym, nil
}

// IsUpperTriangular returns whether every strictly lower element of m is within tol of zero.
func IsUpperTriangular(m mat.Matrix, tol float64) bool {
	r, c := m.Dims()
	for i := 1; i < r; i++ {
		for j := 0; j < i && j < c; j++ {
			if math.Abs(m.At(i, j)) > tol {
				return false
			}
		}
	}
	return true
}

// allFinite returns false if m holds a NaN or an infinity.
func allFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// zeroLower forces the strictly lower part of the square m to zero.
func zeroLower(m *mat.Dense) {
	r, c := m.Dims()
	for i := 1; i < r; i++ {
		for j := 0; j < i && j < c; j++ {
			m.Set(i, j, 0)
		}
	}
}

// positiveDiagonal flips the sign of every row of m whose diagonal is negative.
// R^T R is unchanged by this.
func positiveDiagonal(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r && i < c; i++ {
		if m.At(i, i) >= 0 {
			continue
		}
		for j := i; j < c; j++ {
			m.Set(i, j, -m.At(i, j))
		}
	}
}

// upperFromQR returns the upper-trapezoidal factor of the QR decomposition of a,
// with a non-negative diagonal. a must have at least as many rows as columns.
func upperFromQR(a mat.Matrix) *mat.Dense {
	var qr mat.QR
	qr.Factorize(a)
	var R mat.Dense
	qr.RTo(&R)
	positiveDiagonal(&R)
	return &R
}

// givensTriangularize zeroes the sub-diagonal of the n×c matrix m in place using Givens rotations
// on adjacent rows, where bandwidth bounds how far below the diagonal non-zeros may appear.
// Only the top c rows are meaningful afterwards.
func givensTriangularize(m *mat.Dense, bandwidth int) {
	rows, cols := m.Dims()
	for j := 0; j < cols; j++ {
		bottom := j + bandwidth
		if bottom > rows-1 {
			bottom = rows - 1
		}
		for i := bottom; i > j; i-- {
			a, b := m.At(i-1, j), m.At(i, j)
			if b == 0 {
				continue
			}
			r := math.Hypot(a, b)
			cs, sn := a/r, b/r
			for k := j; k < cols; k++ {
				x, y := m.At(i-1, k), m.At(i, k)
				m.Set(i-1, k, cs*x+sn*y)
				m.Set(i, k, -sn*x+cs*y)
			}
			m.Set(i, j, 0)
		}
	}
}

// removeColumns returns a copy of m without the columns in [start, start+count).
func removeColumns(m mat.Matrix, start, count int) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c-count, nil)
	for i := 0; i < r; i++ {
		for j, k := 0, 0; j < c; j++ {
			if j >= start && j < start+count {
				continue
			}
			out.Set(i, k, m.At(i, j))
			k++
		}
	}
	return out
}
