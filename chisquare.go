package srvins

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// chi2Probability is the probability the consistency gate thresholds are taken at.
const chi2Probability = 0.95

// ChiSquareTable caches the chi-square quantile per degree of freedom.
// It is read-only once built.
type ChiSquareTable struct {
	p      float64
	values []float64
}

// NewChiSquareTable precomputes the p-quantile for 1..maxDof degrees of freedom.
func NewChiSquareTable(p float64, maxDof int) *ChiSquareTable {
	t := &ChiSquareTable{p: p, values: make([]float64, maxDof+1)}
	for dof := 1; dof <= maxDof; dof++ {
		t.values[dof] = distuv.ChiSquared{K: float64(dof)}.Quantile(p)
	}
	return t
}

// Threshold returns the quantile for dof degrees of freedom. Values beyond the table are computed.
func (t *ChiSquareTable) Threshold(dof int) float64 {
	if dof <= 0 {
		return 0
	}
	if dof < len(t.values) {
		return t.values[dof]
	}
	return distuv.ChiSquared{K: float64(dof)}.Quantile(t.p)
}

// NormalizedInnovation returns r^T (H P H^T + σ² I)^-1 r with P = R^T R, without forming P:
// with B = R H^T the innovation covariance is B^T B + σ² I, which is solved through its Cholesky
// factor.
func NormalizedInnovation(H mat.Matrix, r mat.Vector, sigma float64, R mat.Matrix) (float64, error) {
	if err := checkMatDims(H, R, "H", "R", cols2cols); err != nil {
		return 0, err
	}
	if err := checkMatDims(H, r, "H", "r", rows2rows); err != nil {
		return 0, err
	}
	m, _ := H.Dims()
	var B mat.Dense
	B.Mul(R, H.T())
	var S mat.SymDense
	S.SymOuterK(1, B.T())
	for i := 0; i < m; i++ {
		S.SetSym(i, i, S.At(i, i)+sigma*sigma)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(&S); !ok {
		return math.Inf(1), ErrNumericalInstability
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, r); err != nil {
		return math.Inf(1), ErrNumericalInstability
	}
	return mat.Dot(r, &x), nil
}

// ConsistencyTest gates a measurement on its normalized innovation. The threshold is the table
// quantile at the measurement dimension times multiplier. A measurement whose innovation
// covariance cannot be factorized fails the test.
func ConsistencyTest(H *mat.Dense, r *mat.VecDense, sigma float64, R mat.Matrix, table *ChiSquareTable, multiplier float64) (chi2, threshold float64, ok bool) {
	threshold = multiplier * table.Threshold(r.Len())
	chi2, err := NormalizedInnovation(H, r, sigma, R)
	if err != nil {
		return chi2, threshold, false
	}
	return chi2, threshold, chi2 <= threshold
}
