package srvins

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// correlatedFactor returns an upper-triangular n×n factor with a dense upper part.
func correlatedFactor(n int) *mat.Dense {
	R := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		R.Set(i, i, 0.1+0.01*float64(i))
		for j := i + 1; j < n; j++ {
			R.Set(i, j, 0.01*math.Sin(float64(3*i+j)))
		}
	}
	return R
}

func newTestState(t *testing.T, opts StateOptions) *FilterState {
	t.Helper()
	imu := ImuState{
		Orientation: ExpQuat(r3.Vector{X: 0.1, Y: -0.2, Z: 0.3}),
		Position:    r3.Vector{X: 1, Y: 2, Z: 3},
		Velocity:    r3.Vector{X: 0.5},
	}
	s, err := NewFilterState(0, imu, correlatedFactor(ImuDim), opts)
	require.NoError(t, err)
	return s
}

func TestNewFilterStateRejects(t *testing.T) {
	opts := DefaultStateOptions()
	_, err := NewFilterState(0, ImuState{Orientation: QuatIdentity}, Identity(3), opts)
	assert.Error(t, err)

	lower := correlatedFactor(ImuDim)
	lower.Set(4, 1, 0.3)
	_, err = NewFilterState(0, ImuState{Orientation: QuatIdentity}, lower, opts)
	assert.ErrorIs(t, err, ErrNumericalInstability)

	_, err = NewFilterState(0, ImuState{Orientation: QuatIdentity}, Identity(ImuDim), StateOptions{MaxClones: 1, CloneStdDev: 1e-6})
	assert.Error(t, err)
	_, err = NewFilterState(0, ImuState{Orientation: QuatIdentity}, Identity(ImuDim), StateOptions{MaxClones: 4})
	assert.Error(t, err)

	singular := correlatedFactor(ImuDim)
	singular.Set(7, 7, 0)
	_, err = NewFilterState(0, ImuState{Orientation: QuatIdentity}, singular, opts)
	assert.ErrorIs(t, err, ErrNumericalInstability)
}

func TestFactorStaysPositiveDefinite(t *testing.T) {
	s := newTestState(t, DefaultStateOptions())
	requirePD := func(step string) {
		t.Helper()
		var chol mat.Cholesky
		require.True(t, chol.Factorize(s.Covariance()), "covariance not positive definite after %s", step)
	}
	for k := 0; k < 4; k++ {
		imu := s.Imu()
		imu.Velocity = imu.Velocity.Add(r3.Vector{Y: 0.1})
		require.NoError(t, s.SetPropagated(float64(k), imu, s.Factor()))
		require.NoError(t, s.AppendClone(float64(k)))
		requirePD("append")
	}
	require.NoError(t, s.AddLandmark(3, r3.Vector{X: 2, Z: 6}, 0.3))
	require.NoError(t, s.Marginalize(1))
	requirePD("marginalize")

	n := s.Dim()
	delta := mat.NewVecDense(n, nil)
	delta.SetVec(4, 0.1)
	R := s.Factor()
	R.Scale(0.5, R)
	require.NoError(t, s.ApplyCorrection(delta, R))
	requirePD("correction")
	require.NoError(t, s.MarginalizeOldest())
	require.NoError(t, s.AppendClone(4))
	requirePD("append after correction")

	// A singular factor is never committed.
	committed := s.Factor()
	assert.ErrorIs(t, s.ApplyCorrection(mat.NewVecDense(s.Dim(), nil), mat.NewDense(s.Dim(), s.Dim(), nil)), ErrNumericalInstability)
	singular := s.Factor()
	singular.Set(s.Dim()-1, s.Dim()-1, 0)
	assert.ErrorIs(t, s.SetPropagated(5, s.Imu(), singular), ErrNumericalInstability)
	assert.True(t, mat.Equal(committed, s.Factor()))
	requirePD("rejected inputs")
}

func TestAppendClone(t *testing.T) {
	s := newTestState(t, DefaultStateOptions())
	before := s.Covariance()
	require.NoError(t, s.AppendClone(0))
	require.Equal(t, ImuDim+CloneDim, s.Dim())
	assert.True(t, IsUpperTriangular(s.Factor(), 0))

	c := s.Clone(0)
	assert.Equal(t, s.Imu().Orientation, c.Orientation)
	assert.Equal(t, s.Imu().Position, c.Position)

	// The clone is perfectly correlated with the IMU pose.
	P := s.Covariance()
	off := s.CloneOffset(0)
	for i := 0; i < ImuDim; i++ {
		for j := 0; j < CloneDim; j++ {
			assert.InDelta(t, before.At(i, j), P.At(i, off+j), 1e-15, "(%d, %d)", i, j)
		}
	}
	σ := DefaultStateOptions().CloneStdDev
	for i := 0; i < CloneDim; i++ {
		for j := 0; j < CloneDim; j++ {
			want := before.At(i, j)
			if i == j {
				want += σ * σ
			}
			assert.InDelta(t, want, P.At(off+i, off+j), 1e-15)
		}
	}
	assert.True(t, mat.EqualApprox(P.SliceSym(0, ImuDim), before, 1e-15))

	assert.Error(t, s.AppendClone(0), "duplicate timestamp")
	require.NoError(t, s.SetPropagated(1, s.Imu(), s.Factor()))
	require.NoError(t, s.AppendClone(1))
	assert.Error(t, s.AppendClone(0.5), "out of order")
}

func TestAppendCloneWithLandmark(t *testing.T) {
	opts := DefaultStateOptions()
	opts.CloneStdDev = 1e-3
	s := newTestState(t, opts)
	require.NoError(t, s.AppendClone(0))
	require.NoError(t, s.AddLandmark(42, r3.Vector{X: 5}, 0.5))
	lm := s.LandmarkOffset(0)
	before := s.Covariance()

	require.NoError(t, s.AppendClone(1))
	assert.Equal(t, lm+CloneDim, s.LandmarkOffset(0))
	P := s.Covariance()
	for i := 0; i < LandmarkDim; i++ {
		assert.InDelta(t, before.At(lm+i, lm+i), P.At(lm+CloneDim+i, lm+CloneDim+i), 1e-15)
	}
	off := s.CloneOffset(1)
	for i := 0; i < CloneDim; i++ {
		assert.InDelta(t, before.At(i, i)+1e-6, P.At(off+i, off+i), 1e-12)
	}
}

func TestMarginalize(t *testing.T) {
	opts := DefaultStateOptions()
	opts.CloneStdDev = 1e-2
	s := newTestState(t, opts)
	for k := 0; k < 3; k++ {
		imu := s.Imu()
		imu.Position = imu.Position.Add(r3.Vector{X: 0.1})
		F := s.Factor()
		// Mix the clones with the IMU block so that the removed columns are not trivial.
		for j := 0; j < s.Dim(); j++ {
			F.Set(0, j, F.At(0, j)+0.01)
		}
		require.NoError(t, s.SetPropagated(float64(k), imu, F))
		require.NoError(t, s.AppendClone(float64(k)))
	}
	require.NoError(t, s.AddLandmark(9, r3.Vector{Z: 4}, 0.2))
	P := s.Covariance()
	kept := append(append([]int{}, seq(0, s.CloneOffset(1))...), seq(s.CloneOffset(2), s.Dim())...)

	require.NoError(t, s.Marginalize(1))
	require.Equal(t, 2, s.NumClones())
	assert.Equal(t, []float64{0, 2}, []float64{s.Clone(0).Timestamp, s.Clone(1).Timestamp})
	R := s.Factor()
	assert.True(t, IsUpperTriangular(R, 0))
	for i := 0; i < s.Dim(); i++ {
		assert.GreaterOrEqual(t, R.At(i, i), 0.0)
	}
	Pm := s.Covariance()
	for a, i := range kept {
		for b, j := range kept {
			assert.InDelta(t, P.At(i, j), Pm.At(a, b), 1e-12, "(%d, %d)", i, j)
		}
	}

	require.NoError(t, s.MarginalizeLandmark(9))
	assert.Empty(t, s.Landmarks())
	assert.Error(t, s.MarginalizeLandmark(9))
	assert.Error(t, s.Marginalize(5))
	require.NoError(t, s.MarginalizeOldest())
	require.NoError(t, s.MarginalizeOldest())
	assert.Error(t, s.MarginalizeOldest())
	assert.Equal(t, ImuDim, s.Dim())
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestApplyCorrection(t *testing.T) {
	s := newTestState(t, DefaultStateOptions())
	require.NoError(t, s.AppendClone(0))
	n := s.Dim()
	before := s.Copy()

	delta := mat.NewVecDense(n, nil)
	delta.SetVec(2, 0.01)  // yaw
	delta.SetVec(3, 0.5)   // p_x
	delta.SetVec(19, -0.2) // clone p_y
	R := ScaledIdentity(n, 0.05)
	require.NoError(t, s.ApplyCorrection(delta, R))
	assert.InDelta(t, before.Imu().Position.X+0.5, s.Imu().Position.X, 1e-12)
	assert.InDelta(t, before.Clone(0).Position.Y-0.2, s.Clone(0).Position.Y, 1e-12)
	assert.InDelta(t, 0, quatDifference(s.Imu().Orientation, composeQuat(before.Imu().Orientation, r3.Vector{Z: 0.01})).Norm(), 1e-12)
	assert.True(t, mat.Equal(R, s.Factor()))

	got, err := s.Difference(before)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(got, delta, 1e-12))

	// Invalid inputs leave the state untouched.
	committed := s.Copy()
	nan := mat.NewVecDense(n, nil)
	nan.SetVec(0, math.NaN())
	assert.ErrorIs(t, s.ApplyCorrection(nan, R), ErrNumericalInstability)
	assert.Error(t, s.ApplyCorrection(mat.NewVecDense(n-1, nil), R))
	lower := ScaledIdentity(n, 0.05)
	lower.Set(n-1, 0, 1)
	assert.ErrorIs(t, s.ApplyCorrection(delta, lower), ErrNumericalInstability)
	assert.Error(t, s.ApplyCorrection(delta, ScaledIdentity(n+1, 1)))

	assert.Empty(t, cmp.Diff(committed.Imu(), s.Imu()))
	assert.Empty(t, cmp.Diff(committed.Clones(), s.Clones()))
	assert.True(t, mat.Equal(committed.Factor(), s.Factor()))
}

func TestDifferenceLayout(t *testing.T) {
	s := newTestState(t, DefaultStateOptions())
	o := s.Copy()
	require.NoError(t, s.AppendClone(0))
	_, err := s.Difference(o)
	assert.Error(t, err)
}

func TestStdDev(t *testing.T) {
	s := newTestState(t, DefaultStateOptions())
	require.NoError(t, s.AddLandmark(1, r3.Vector{X: 1}, 0.3))
	P := s.Covariance()
	σ := s.StdDev()
	require.Len(t, σ, s.Dim())
	for i, v := range σ {
		assert.InDelta(t, math.Sqrt(P.At(i, i)), v, 1e-12)
	}
	assert.InDelta(t, 0.3, σ[s.LandmarkOffset(0)], 1e-15)
	assert.Error(t, s.AddLandmark(1, r3.Vector{}, 0.3))
	assert.Error(t, s.AddLandmark(2, r3.Vector{}, 0))
}
