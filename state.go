package srvins

import (
	"fmt"
	"math"
	"slices"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Error-state block sizes. The IMU block is ordered [δθ δp δv δbg δba], a clone block is [δθ δp]
// and a landmark block is its global position. Blocks are laid out IMU, clones (oldest first),
// then landmarks.
const (
	ImuDim      = 15
	CloneDim    = 6
	LandmarkDim = 3
)

// ImuState is the kinematic state of the IMU.
type ImuState struct {
	Orientation quat.Number // IMU to global
	Position    r3.Vector   // IMU in global (m)
	Velocity    r3.Vector   // global (m/s)
	GyroBias    r3.Vector   // rad/s
	AccelBias   r3.Vector   // m/s²
}

// Clone is the IMU pose stored at an image timestamp.
type Clone struct {
	Timestamp   float64
	Orientation quat.Number
	Position    r3.Vector
}

// Landmark is a feature kept as a persistent state.
type Landmark struct {
	ID       uint64
	Position r3.Vector
}

// FilterState holds the current estimate and its upper-triangular square root factor R,
// with R^T R the error-state covariance.
// It is owned by the filter goroutine: nothing here is synchronized.
type FilterState struct {
	timestamp float64
	imu       ImuState
	clones    []Clone
	landmarks []Landmark
	factor    *mat.Dense
	opts      StateOptions
}

// NewFilterState returns a state with an empty sliding window.
// Parameters:
// - ts: timestamp of the IMU state
// - imu: IMU state
// - factor: 15×15 upper-triangular square root of the IMU covariance
// - opts: StateOptions
func NewFilterState(ts float64, imu ImuState, factor mat.Matrix, opts StateOptions) (*FilterState, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := checkStateFactor(factor, ImuDim); err != nil {
		return nil, err
	}
	imu.Orientation = normalizeQuat(imu.Orientation)
	F := mat.DenseCopyOf(factor)
	zeroLower(F)
	return &FilterState{timestamp: ts, imu: imu, factor: F, opts: opts}, nil
}

// checkFactor verifies that R is a finite n×n upper-triangular matrix.
func checkFactor(R mat.Matrix, n int) error {
	if r, c := R.Dims(); r != n || c != n {
		return fmt.Errorf("square root factor must be %dx%d, got %dx%d", n, n, r, c)
	}
	if !allFinite(R) {
		return errors.Wrap(ErrNumericalInstability, "square root factor is not finite")
	}
	if !IsUpperTriangular(R, triTolerance*math.Max(1, mat.Norm(R, math.Inf(1)))) {
		return errors.Wrap(ErrNumericalInstability, "square root factor is not upper triangular")
	}
	return nil
}

// checkStateFactor is checkFactor for a factor installed in a FilterState, which must also be
// nonsingular.
func checkStateFactor(R mat.Matrix, n int) error {
	if err := checkFactor(R, n); err != nil {
		return err
	}
	tol := pivotTolerance * math.Max(1, mat.Norm(R, math.Inf(1)))
	for i := 0; i < n; i++ {
		if math.Abs(R.At(i, i)) <= tol {
			return errors.Wrapf(ErrNumericalInstability, "square root factor is singular at pivot %d", i)
		}
	}
	return nil
}

func (s *FilterState) String() string {
	return fmt.Sprintf("FilterState{t=%.6f clones=%d landmarks=%d dim=%d p=%v v=%v}", s.timestamp, len(s.clones), len(s.landmarks), s.Dim(), s.imu.Position, s.imu.Velocity)
}

// Timestamp returns the time of the IMU state.
func (s *FilterState) Timestamp() float64 { return s.timestamp }

// Imu returns the IMU state.
func (s *FilterState) Imu() ImuState { return s.imu }

// Options returns the state options.
func (s *FilterState) Options() StateOptions { return s.opts }

// Clones returns a copy of the sliding window, oldest first.
func (s *FilterState) Clones() []Clone { return slices.Clone(s.clones) }

// NumClones returns the size of the sliding window.
func (s *FilterState) NumClones() int { return len(s.clones) }

// Clone returns the i-th clone of the window.
func (s *FilterState) Clone(i int) Clone { return s.clones[i] }

// Landmarks returns a copy of the persistent landmarks.
func (s *FilterState) Landmarks() []Landmark { return slices.Clone(s.landmarks) }

// Dim returns the dimension of the error state.
func (s *FilterState) Dim() int {
	return ImuDim + CloneDim*len(s.clones) + LandmarkDim*len(s.landmarks)
}

// CloneOffset returns the first error-state index of the i-th clone.
func (s *FilterState) CloneOffset(i int) int { return ImuDim + CloneDim*i }

// LandmarkOffset returns the first error-state index of the j-th landmark.
func (s *FilterState) LandmarkOffset(j int) int {
	return ImuDim + CloneDim*len(s.clones) + LandmarkDim*j
}

// CloneIndex returns the window index of the clone taken at ts.
func (s *FilterState) CloneIndex(ts float64) (int, bool) {
	for i, c := range s.clones {
		if c.Timestamp == ts {
			return i, true
		}
	}
	return -1, false
}

// LandmarkIndex returns the index of the landmark with the provided ID.
func (s *FilterState) LandmarkIndex(id uint64) (int, bool) {
	for j, l := range s.landmarks {
		if l.ID == id {
			return j, true
		}
	}
	return -1, false
}

// Factor returns a copy of the square root factor.
func (s *FilterState) Factor() *mat.Dense { return mat.DenseCopyOf(s.factor) }

// Covariance returns R^T R. Only meant for diagnostics: the filter never forms it.
func (s *FilterState) Covariance() *mat.SymDense {
	var P mat.SymDense
	P.SymOuterK(1, s.factor.T())
	return &P
}

// StdDev returns the standard deviation of every error-state component, sqrt(P_jj) being the
// norm of the j-th column of R.
func (s *FilterState) StdDev() []float64 {
	n := s.Dim()
	σ := make([]float64, n)
	col := make([]float64, n)
	for j := 0; j < n; j++ {
		σ[j] = floats.Norm(mat.Col(col, j, s.factor)[:j+1], 2)
	}
	return σ
}

// Copy returns a deep copy of the state.
func (s *FilterState) Copy() *FilterState {
	return &FilterState{
		timestamp: s.timestamp,
		imu:       s.imu,
		clones:    slices.Clone(s.clones),
		landmarks: slices.Clone(s.landmarks),
		factor:    mat.DenseCopyOf(s.factor),
		opts:      s.opts,
	}
}

// sameLayout returns whether both states order the same clones and landmarks identically.
func (s *FilterState) sameLayout(o *FilterState) bool {
	if len(s.clones) != len(o.clones) || len(s.landmarks) != len(o.landmarks) {
		return false
	}
	for i := range s.clones {
		if s.clones[i].Timestamp != o.clones[i].Timestamp {
			return false
		}
	}
	for j := range s.landmarks {
		if s.landmarks[j].ID != o.landmarks[j].ID {
			return false
		}
	}
	return true
}

// SetPropagated installs the output of the propagation collaborator: the IMU state at ts and the
// factor of the whole (unchanged layout) state.
func (s *FilterState) SetPropagated(ts float64, imu ImuState, factor mat.Matrix) error {
	if ts < s.timestamp {
		return fmt.Errorf("cannot propagate backwards from %f to %f", s.timestamp, ts)
	}
	if err := checkStateFactor(factor, s.Dim()); err != nil {
		return err
	}
	s.timestamp = ts
	s.imu = imu
	s.imu.Orientation = normalizeQuat(imu.Orientation)
	s.factor = mat.DenseCopyOf(factor)
	zeroLower(s.factor)
	return nil
}

// AppendClone clones the current IMU pose into the sliding window under the timestamp ts.
// The clone is an exact copy: its columns of R are the IMU pose columns and its new rows only
// carry StateOptions.CloneStdDev on the diagonal, so R stays upper-triangular without any
// refactorization.
func (s *FilterState) AppendClone(ts float64) error {
	if _, exists := s.CloneIndex(ts); exists {
		return fmt.Errorf("clone at %f already in the window", ts)
	}
	if n := len(s.clones); n > 0 && ts < s.clones[n-1].Timestamp {
		return fmt.Errorf("clone at %f is older than the newest clone (%f)", ts, s.clones[n-1].Timestamp)
	}
	n := s.Dim()
	k := s.LandmarkOffset(0) // insertion point, landmarks move after the new clone
	shift := func(i int) int {
		if i < k {
			return i
		}
		return i + CloneDim
	}
	F := mat.NewDense(n+CloneDim, n+CloneDim, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if v := s.factor.At(i, j); v != 0 {
				F.Set(shift(i), shift(j), v)
			}
		}
		// Orientation and position are the first six IMU columns.
		for c := 0; c < CloneDim; c++ {
			if v := s.factor.At(i, c); v != 0 {
				F.Set(shift(i), k+c, v)
			}
		}
	}
	for c := 0; c < CloneDim; c++ {
		F.Set(k+c, k+c, s.opts.CloneStdDev)
	}
	s.factor = F
	s.clones = append(s.clones, Clone{Timestamp: ts, Orientation: s.imu.Orientation, Position: s.imu.Position})
	return nil
}

// Marginalize removes the clone at the provided window index. Dropping its columns from R leaves
// a banded matrix, which Givens rotations bring back to upper-triangular form; the dropped rows
// only carried information about the removed clone.
func (s *FilterState) Marginalize(index int) error {
	if index < 0 || index >= len(s.clones) {
		return fmt.Errorf("clone index %d out of range [0, %d)", index, len(s.clones))
	}
	s.marginalizeBlock(s.CloneOffset(index), CloneDim)
	s.clones = slices.Delete(s.clones, index, index+1)
	return nil
}

// MarginalizeOldest removes the oldest clone.
func (s *FilterState) MarginalizeOldest() error {
	if len(s.clones) == 0 {
		return errors.New("no clone to marginalize")
	}
	return s.Marginalize(0)
}

// AddLandmark appends a persistent landmark, uncorrelated with the rest of the state.
func (s *FilterState) AddLandmark(id uint64, pos r3.Vector, stddev float64) error {
	if _, exists := s.LandmarkIndex(id); exists {
		return fmt.Errorf("landmark %d already in the state", id)
	}
	if stddev <= 0 || !finiteVec(pos) {
		return fmt.Errorf("invalid landmark %d: position %v, stddev %f", id, pos, stddev)
	}
	n := s.Dim()
	F := mat.NewDense(n+LandmarkDim, n+LandmarkDim, nil)
	F.Slice(0, n, 0, n).(*mat.Dense).Copy(s.factor)
	for i := n; i < n+LandmarkDim; i++ {
		F.Set(i, i, stddev)
	}
	s.factor = F
	s.landmarks = append(s.landmarks, Landmark{ID: id, Position: pos})
	return nil
}

// MarginalizeLandmark removes a persistent landmark.
func (s *FilterState) MarginalizeLandmark(id uint64) error {
	j, ok := s.LandmarkIndex(id)
	if !ok {
		return fmt.Errorf("landmark %d not in the state", id)
	}
	s.marginalizeBlock(s.LandmarkOffset(j), LandmarkDim)
	s.landmarks = slices.Delete(s.landmarks, j, j+1)
	return nil
}

func (s *FilterState) marginalizeBlock(start, size int) {
	n := s.Dim()
	R := removeColumns(s.factor, start, size)
	givensTriangularize(R, size)
	F := mat.DenseCopyOf(R.Slice(0, n-size, 0, n-size))
	positiveDiagonal(F)
	zeroLower(F)
	s.factor = F
}

// ApplyCorrection composes the error-state correction delta onto the estimate and installs
// newFactor. Orientations are corrected on the manifold, q ⊗ Exp(δθ), everything else is additive.
// Nothing is written unless both inputs are valid.
func (s *FilterState) ApplyCorrection(delta mat.Vector, newFactor mat.Matrix) error {
	n := s.Dim()
	if delta.Len() != n {
		return fmt.Errorf("%scorrection(%d) state(%d)", dimErrMsg, delta.Len(), n)
	}
	if !allFinite(delta) {
		return errors.Wrap(ErrNumericalInstability, "correction is not finite")
	}
	if err := checkStateFactor(newFactor, n); err != nil {
		return err
	}
	s.compose(delta)
	s.factor = mat.DenseCopyOf(newFactor)
	zeroLower(s.factor)
	return nil
}

// compose applies s ⊞ delta in place.
func (s *FilterState) compose(delta mat.Vector) {
	s.imu.Orientation = composeQuat(s.imu.Orientation, r3Of(delta, 0))
	s.imu.Position = s.imu.Position.Add(r3Of(delta, 3))
	s.imu.Velocity = s.imu.Velocity.Add(r3Of(delta, 6))
	s.imu.GyroBias = s.imu.GyroBias.Add(r3Of(delta, 9))
	s.imu.AccelBias = s.imu.AccelBias.Add(r3Of(delta, 12))
	for i := range s.clones {
		o := s.CloneOffset(i)
		s.clones[i].Orientation = composeQuat(s.clones[i].Orientation, r3Of(delta, o))
		s.clones[i].Position = s.clones[i].Position.Add(r3Of(delta, o+3))
	}
	for j := range s.landmarks {
		o := s.LandmarkOffset(j)
		s.landmarks[j].Position = s.landmarks[j].Position.Add(r3Of(delta, o))
	}
}

// corrected returns a copy of s ⊞ delta, keeping the factor of s.
func (s *FilterState) corrected(delta mat.Vector) *FilterState {
	c := s.Copy()
	c.compose(delta)
	return c
}

// Difference returns δ such that o ⊞ δ = s. Both states must share the same layout.
func (s *FilterState) Difference(o *FilterState) (*mat.VecDense, error) {
	if !s.sameLayout(o) {
		return nil, errors.New("states do not share the same layout")
	}
	δ := mat.NewVecDense(s.Dim(), nil)
	set := func(offset int, v r3.Vector) {
		δ.SetVec(offset, v.X)
		δ.SetVec(offset+1, v.Y)
		δ.SetVec(offset+2, v.Z)
	}
	set(0, quatDifference(s.imu.Orientation, o.imu.Orientation))
	set(3, s.imu.Position.Sub(o.imu.Position))
	set(6, s.imu.Velocity.Sub(o.imu.Velocity))
	set(9, s.imu.GyroBias.Sub(o.imu.GyroBias))
	set(12, s.imu.AccelBias.Sub(o.imu.AccelBias))
	for i := range s.clones {
		off := s.CloneOffset(i)
		set(off, quatDifference(s.clones[i].Orientation, o.clones[i].Orientation))
		set(off+3, s.clones[i].Position.Sub(o.clones[i].Position))
	}
	for j := range s.landmarks {
		set(s.LandmarkOffset(j), s.landmarks[j].Position.Sub(o.landmarks[j].Position))
	}
	return δ, nil
}
