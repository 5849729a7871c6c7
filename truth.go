package srvins

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ImuErrorHeaders names the components of an IMU error state.
var ImuErrorHeaders = []string{
	"theta_x", "theta_y", "theta_z",
	"p_x", "p_y", "p_z",
	"v_x", "v_y", "v_z",
	"bg_x", "bg_y", "bg_z",
	"ba_x", "ba_y", "ba_z",
}

// ImuError returns est ⊟ truth: the rotation vector Log(truth* ⊗ est) followed by the differences
// of position, velocity and biases.
func ImuError(est, truth ImuState) *mat.VecDense {
	e := mat.NewVecDense(ImuDim, nil)
	for k, v := range [...]struct{ a, b [3]float64 }{
		{vecArray(quatDifference(est.Orientation, truth.Orientation)), [3]float64{}},
		{vecArray(est.Position), vecArray(truth.Position)},
		{vecArray(est.Velocity), vecArray(truth.Velocity)},
		{vecArray(est.GyroBias), vecArray(truth.GyroBias)},
		{vecArray(est.AccelBias), vecArray(truth.AccelBias)},
	} {
		for i := 0; i < 3; i++ {
			e.SetVec(3*k+i, v.a[i]-v.b[i])
		}
	}
	return e
}

// NEES returns the normalized estimation error squared e^T P_k^-1 e of the leading k components
// of the error state. Since R is upper-triangular, the marginal covariance of the leading block is
// R11^T R11 with R11 its leading k×k block, so NEES = |R11^-T e|².
func NEES(e mat.Vector, R mat.Matrix, k int) (float64, error) {
	if e.Len() < k {
		return 0, fmt.Errorf("%serror(%d) block(%d)", dimErrMsg, e.Len(), k)
	}
	if r, c := R.Dims(); r < k || c < k {
		return 0, fmt.Errorf("%sfactor(%dx%d) block(%d)", dimErrMsg, r, c, k)
	}
	R11 := mat.NewTriDense(k, mat.Upper, nil)
	for i := 0; i < k; i++ {
		if R.At(i, i) == 0 {
			return math.Inf(1), fmt.Errorf("singular factor at %d", i)
		}
		for j := i; j < k; j++ {
			R11.SetTri(i, j, R.At(i, j))
		}
	}
	head := mat.NewVecDense(k, nil)
	for i := 0; i < k; i++ {
		head.SetVec(i, e.AtVec(i))
	}
	var y mat.VecDense
	if err := y.SolveVec(R11.TTri(), head); err != nil {
		if _, illCond := err.(mat.Condition); !illCond {
			return math.Inf(1), err
		}
	}
	return mat.Dot(&y, &y), nil
}

// ErrorEstimate is the error of the IMU state of an estimate against the ground truth.
type ErrorEstimate struct {
	Timestamp float64
	Error     *mat.VecDense // est ⊟ truth over the IMU block
	Sigma     []float64     // 1σ of each IMU component
	NEES      float64       // over the IMU block
	PoseNEES  float64       // over orientation and position
}

// IsWithinNσ returns whether every component of the error is within N σ.
func (e ErrorEstimate) IsWithinNσ(N float64) bool {
	for i := 0; i < e.Error.Len(); i++ {
		if math.Abs(e.Error.AtVec(i)) > N*e.Sigma[i] {
			return false
		}
	}
	return true
}

// PositionError returns the norm of the position error (m).
func (e ErrorEstimate) PositionError() float64 {
	return floats.Norm(e.Error.RawVector().Data[3:6], 2)
}

// OrientationError returns the angle of the orientation error (rad).
func (e ErrorEstimate) OrientationError() float64 {
	return floats.Norm(e.Error.RawVector().Data[0:3], 2)
}

func (e ErrorEstimate) String() string {
	return fmt.Sprintf("t=%.6f |δp|=%.4f m |δθ|=%.4f rad nees=%.3f", e.Timestamp, e.PositionError(), e.OrientationError(), e.NEES)
}

// BatchGroundTruth is the true IMU trajectory of a simulated run.
type BatchGroundTruth struct {
	timestamps []float64
	states     []ImuState
}

// NewBatchGroundTruth returns a ground truth from increasing timestamps and their states.
func NewBatchGroundTruth(timestamps []float64, states []ImuState) (*BatchGroundTruth, error) {
	if len(timestamps) != len(states) {
		return nil, fmt.Errorf("%d timestamps for %d states", len(timestamps), len(states))
	}
	if !sort.Float64sAreSorted(timestamps) {
		return nil, fmt.Errorf("ground truth timestamps must be increasing")
	}
	return &BatchGroundTruth{timestamps, states}, nil
}

// At returns the true state at ts.
func (t *BatchGroundTruth) At(ts float64) (ImuState, bool) {
	i := sort.SearchFloat64s(t.timestamps, ts)
	if i == len(t.timestamps) || t.timestamps[i] != ts {
		return ImuState{}, false
	}
	return t.states[i], true
}

// Error returns the error of the IMU state of s against the truth at the state timestamp.
func (t *BatchGroundTruth) Error(s *FilterState) (ErrorEstimate, error) {
	truth, ok := t.At(s.Timestamp())
	if !ok {
		return ErrorEstimate{}, fmt.Errorf("no ground truth at %f", s.Timestamp())
	}
	e := ImuError(s.Imu(), truth)
	nees, err := NEES(e, s.factor, ImuDim)
	if err != nil {
		return ErrorEstimate{}, err
	}
	poseNEES, err := NEES(e, s.factor, CloneDim)
	if err != nil {
		return ErrorEstimate{}, err
	}
	return ErrorEstimate{
		Timestamp: s.Timestamp(),
		Error:     e,
		Sigma:     s.StdDev()[:ImuDim],
		NEES:      nees,
		PoseNEES:  poseNEES,
	}, nil
}
