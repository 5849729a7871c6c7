package srvins

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// FeatureLinearization is the reprojection residual of one feature and its Jacobians.
type FeatureLinearization struct {
	FeatureID uint64
	Position  r3.Vector     // global position the linearization was taken at
	Residual  *mat.VecDense // observed minus predicted pixels, two rows per observation
	Hf        *mat.Dense    // ∂h/∂p_f
	Hx        *mat.Dense    // ∂h/∂x over the whole error state
	Landmark  bool          // the feature is a persistent state: Hf is already folded into Hx
}

// Linearize computes the pixel residual of every observation of f that matches a clone of s, and
// its Jacobian wrt the feature position and the error state. If f is a landmark of s, the state
// landmark position is used and its block of Hx is filled.
func Linearize(f *Feature, pos r3.Vector, s *FilterState, cam Camera) (*FeatureLinearization, error) {
	fail := func(format string, args ...interface{}) (*FeatureLinearization, error) {
		return nil, &LinearizeFailure{FeatureID: f.ID, Reason: fmt.Sprintf(format, args...)}
	}
	obs, idx := f.observationsIn(s)
	if len(obs) == 0 {
		return fail("no observation matches a clone of the window")
	}
	lmIdx, isLandmark := s.LandmarkIndex(f.ID)
	if isLandmark {
		pos = s.landmarks[lmIdx].Position
	}
	if !finiteVec(pos) {
		return fail("non-finite feature position %v", pos)
	}

	m, n := 2*len(obs), s.Dim()
	lin := &FeatureLinearization{
		FeatureID: f.ID,
		Position:  pos,
		Residual:  mat.NewVecDense(m, nil),
		Hf:        mat.NewDense(m, 3, nil),
		Hx:        mat.NewDense(m, n, nil),
		Landmark:  isLandmark,
	}
	RItoC := RotationMatrix(quat.Conj(cam.rotationCtoI()))
	for k, o := range obs {
		c := s.clones[idx[k]]
		RGtoI := RotationMatrix(quat.Conj(c.Orientation))
		var pIv mat.VecDense
		pIv.MulVec(RGtoI, vecOf(pos.Sub(c.Position)))
		pI := r3Of(&pIv, 0)
		pC := cam.PointInCamera(c.Orientation, c.Position, pos)
		u, v, err := cam.Project(pC)
		if err != nil {
			return fail("observation at %f: %s", o.Timestamp, err)
		}
		lin.Residual.SetVec(2*k, o.U-u)
		lin.Residual.SetVec(2*k+1, o.V-v)

		// ∂z/∂p_I' where p_I' is the feature in the IMU frame.
		var A mat.Dense
		A.Mul(cam.projectionJacobian(pC), RItoC)

		var dθ, dp, df mat.Dense
		dθ.Mul(&A, Skew(pI))
		dp.Mul(&A, RGtoI)
		dp.Scale(-1, &dp)
		df.Mul(&A, RGtoI)

		rows := [2]int{2 * k, 2*k + 2}
		off := s.CloneOffset(idx[k])
		lin.Hx.Slice(rows[0], rows[1], off, off+3).(*mat.Dense).Copy(&dθ)
		lin.Hx.Slice(rows[0], rows[1], off+3, off+6).(*mat.Dense).Copy(&dp)
		lin.Hf.Slice(rows[0], rows[1], 0, 3).(*mat.Dense).Copy(&df)
		if isLandmark {
			lo := s.LandmarkOffset(lmIdx)
			lin.Hx.Slice(rows[0], rows[1], lo, lo+3).(*mat.Dense).Copy(&df)
		}
	}
	if !allFinite(lin.Residual) || !allFinite(lin.Hx) || !allFinite(lin.Hf) {
		return fail("non-finite residual or Jacobian")
	}
	return lin, nil
}

// leftNullspace returns an orthonormal basis Q2 (m×(m-3)) of the left nullspace of the m×3 Hf,
// from the complete Q of its QR decomposition.
func leftNullspace(Hf mat.Matrix) *mat.Dense {
	m, c := Hf.Dims()
	var qr mat.QR
	qr.Factorize(Hf)
	var Q mat.Dense
	qr.QTo(&Q)
	return mat.DenseCopyOf(Q.Slice(0, m, c, m))
}

// NullspaceProject removes the sensitivity of the measurement to the feature position:
// Q2^T r = Q2^T Hx δx + Q2^T n, with Q2^T Hf = 0. An m-row measurement becomes m-3 rows, and the
// isotropic noise stays isotropic since Q2 is orthonormal.
func NullspaceProject(Hf, Hx *mat.Dense, r *mat.VecDense) (*mat.Dense, *mat.VecDense, error) {
	if err := checkMatDims(Hf, Hx, "Hf", "Hx", rows2rows); err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(Hf, r, "Hf", "r", rows2rows); err != nil {
		return nil, nil, err
	}
	m, c := Hf.Dims()
	if m <= c {
		return nil, nil, fmt.Errorf("nullspace projection needs more than %d rows, got %d", c, m)
	}
	Q2 := leftNullspace(Hf)
	var Ho mat.Dense
	Ho.Mul(Q2.T(), Hx)
	var ro mat.VecDense
	ro.MulVec(Q2.T(), r)
	return &Ho, &ro, nil
}

// project returns the measurement of a linearized feature expressed against the state only.
func (lin *FeatureLinearization) project() (*mat.Dense, *mat.VecDense, error) {
	if lin.Landmark {
		return lin.Hx, lin.Residual, nil
	}
	return NullspaceProject(lin.Hf, lin.Hx, lin.Residual)
}

// FeatureRecord traces the contribution of a feature to a MeasurementBlock.
type FeatureRecord struct {
	FeatureID uint64
	Rows      int     // rows before compression; projected unless Landmark
	Chi2      float64 // zero when the gate did not run
	Landmark  bool
}

// MeasurementBlock is the stacked, possibly compressed, measurement of a batch of features.
type MeasurementBlock struct {
	ID         uuid.UUID
	Residual   *mat.VecDense
	Jacobian   *mat.Dense
	Sigma      float64 // isotropic noise standard deviation of every row
	Compressed bool
	Provenance []FeatureRecord
}

// Rows returns the measurement dimension.
func (b *MeasurementBlock) Rows() int {
	if b.Residual == nil {
		return 0
	}
	return b.Residual.Len()
}

func (b *MeasurementBlock) String() string {
	return fmt.Sprintf("MeasurementBlock{id=%s rows=%d features=%d compressed=%t}", b.ID, b.Rows(), len(b.Provenance), b.Compressed)
}

// ProjectedMeasurement is the measurement of one feature expressed against the state only, as
// returned by NullspaceProject, before stacking.
type ProjectedMeasurement struct {
	Record   FeatureRecord
	Jacobian *mat.Dense
	Residual *mat.VecDense
}

// Compress stacks the projected measurements of the features. When the stacked dimension exceeds
// the state dimension n, the QR decomposition of [H | r] replaces them with the top n rows of its
// triangular factor, which carry the same information; rows left with a null Jacobian are dropped.
func Compress(features []ProjectedMeasurement, n int, sigma float64) *MeasurementBlock {
	block := &MeasurementBlock{ID: uuid.New(), Sigma: sigma}
	rows := 0
	for _, f := range features {
		rows += f.Residual.Len()
		block.Provenance = append(block.Provenance, f.Record)
	}
	if rows == 0 {
		return block
	}
	stacked := mat.NewDense(rows, n+1, nil)
	at := 0
	for _, f := range features {
		m := f.Residual.Len()
		stacked.Slice(at, at+m, 0, n).(*mat.Dense).Copy(f.Jacobian)
		stacked.Slice(at, at+m, n, n+1).(*mat.Dense).Copy(f.Residual)
		at += m
	}
	if rows <= n {
		block.Jacobian = mat.DenseCopyOf(stacked.Slice(0, rows, 0, n))
		block.Residual = mat.VecDenseCopyOf(stacked.ColView(n))
		return block
	}

	T := upperFromQR(stacked)
	scale := mat.Norm(T.Slice(0, n, 0, n), math.Inf(1))
	keep := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if floats.Norm(T.RawRowView(i)[:n], 2) > 1e-12*math.Max(1, scale) {
			keep = append(keep, i)
		}
	}
	block.Jacobian = mat.NewDense(len(keep), n, nil)
	block.Residual = mat.NewVecDense(len(keep), nil)
	for k, i := range keep {
		block.Jacobian.SetRow(k, T.RawRowView(i)[:n])
		block.Residual.SetVec(k, T.At(i, n))
	}
	block.Compressed = true
	return block
}
