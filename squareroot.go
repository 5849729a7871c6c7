package srvins

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SqrtUpdate computes the correction and the posterior square root factor of an isotropic
// measurement, using only the prior factor R (P = R^T R).
//
// The (m+n)×(m+n) pre-array
//
//	| σI     0 |
//	| R H^T  R |
//
// is triangularized by QR into the post-array
//
//	| S  W  |
//	| 0  R+ |
//
// where S^T S = H P H^T + σ²I, W = S^-T H P and R+^T R+ is the posterior covariance.
// The gain is W^T S^-T, so the correction is W^T z with S^T z = r.
// Nothing here mutates the inputs: the caller commits the result through FilterState.ApplyCorrection.
func SqrtUpdate(R mat.Matrix, block *MeasurementBlock) (*mat.VecDense, *mat.Dense, error) {
	if block == nil || block.Rows() == 0 {
		return nil, nil, ErrEmptyBatch
	}
	H, r := block.Jacobian, block.Residual
	if err := checkMatDims(H, R, "H", "R", cols2cols); err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(H, r, "H", "r", rows2rows); err != nil {
		return nil, nil, err
	}
	if block.Sigma <= 0 {
		return nil, nil, fmt.Errorf("measurement noise must be positive, got %f", block.Sigma)
	}
	m, n := H.Dims()

	pre := mat.NewDense(m+n, m+n, nil)
	for i := 0; i < m; i++ {
		pre.Set(i, i, block.Sigma)
	}
	pre.Slice(m, m+n, 0, m).(*mat.Dense).Mul(R, H.T())
	pre.Slice(m, m+n, m, m+n).(*mat.Dense).Copy(R)
	post := upperFromQR(pre)

	S := mat.NewTriDense(m, mat.Upper, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			S.SetTri(i, j, post.At(i, j))
		}
	}
	for i := 0; i < m; i++ {
		if d := S.At(i, i); d == 0 || math.IsNaN(d) {
			return nil, nil, errors.Wrap(ErrNumericalInstability, "singular innovation factor")
		}
	}
	var z mat.VecDense
	if err := z.SolveVec(S.TTri(), r); err != nil {
		if _, illCond := err.(mat.Condition); !illCond {
			return nil, nil, errors.Wrap(ErrNumericalInstability, err.Error())
		}
	}
	var delta mat.VecDense
	delta.MulVec(post.Slice(0, m, m, m+n).T(), &z)

	Rplus := mat.DenseCopyOf(post.Slice(m, m+n, m, m+n))
	if !allFinite(&delta) {
		return nil, nil, errors.Wrap(ErrNumericalInstability, "non-finite correction")
	}
	if err := checkFactor(Rplus, n); err != nil {
		return nil, nil, err
	}
	zeroLower(Rplus)
	return &delta, Rplus, nil
}

// shifted returns a copy of the block with residual r + H δ, so that SqrtUpdate yields
// K (r + H δ), the iterated correction relative to the prior.
func (b *MeasurementBlock) shifted(δ mat.Vector) *MeasurementBlock {
	c := *b
	var Hδ mat.VecDense
	Hδ.MulVec(b.Jacobian, δ)
	c.Residual = mat.NewVecDense(b.Residual.Len(), nil)
	c.Residual.AddVec(b.Residual, &Hδ)
	return &c
}

// SqrtPredict returns the upper-triangular factor of Φ P Φ^T + Lq^T Lq with P = R^T R, from the
// QR decomposition of the stacked pre-array [R Φ^T; Lq]. Lq may be nil for a noiseless prediction.
func SqrtPredict(R, Φ, Lq mat.Matrix) (*mat.Dense, error) {
	if err := checkMatDims(R, Φ, "R", "Φ", rowsAndcols); err != nil {
		return nil, err
	}
	n, _ := R.Dims()
	k := 0
	if Lq != nil {
		if err := checkMatDims(Lq, R, "Lq", "R", cols2cols); err != nil {
			return nil, err
		}
		k, _ = Lq.Dims()
	}
	pre := mat.NewDense(n+k, n, nil)
	pre.Slice(0, n, 0, n).(*mat.Dense).Mul(R, Φ.T())
	if k > 0 {
		pre.Slice(n, n+k, 0, n).(*mat.Dense).Copy(Lq)
	}
	F := mat.DenseCopyOf(upperFromQR(pre).Slice(0, n, 0, n))
	if err := checkFactor(F, n); err != nil {
		return nil, err
	}
	zeroLower(F)
	return F, nil
}
