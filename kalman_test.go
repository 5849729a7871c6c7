package srvins

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// scriptedPropagator moves the IMU to known poses and inflates the IMU block of the factor.
type scriptedPropagator struct {
	poses map[float64]Clone
	noise float64
	calls int
	err   error
}

func (p *scriptedPropagator) Propagate(s *FilterState, buf *InertialBuffer, to float64) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	imu := s.Imu()
	if c, ok := p.poses[to]; ok {
		imu.Orientation, imu.Position = c.Orientation, c.Position
	}
	n := s.Dim()
	Lq := mat.NewDense(ImuDim, n, nil)
	for i := 0; i < ImuDim; i++ {
		Lq.Set(i, i, p.noise)
	}
	F, err := SqrtPredict(s.Factor(), Identity(n), Lq)
	if err != nil {
		return err
	}
	return s.SetPropagated(to, imu, F)
}

func newTestFilter(t *testing.T, opts StateOptions, prop Propagator) *Filter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.State = opts
	s, err := NewFilterState(0, ImuState{Orientation: QuatIdentity}, ScaledIdentity(ImuDim, 1e-3), opts)
	require.NoError(t, err)
	u, _ := newTestUpdater(t, cfg)
	return NewFilter(s, NewInertialBuffer(0), prop, u)
}

func TestFilterSlidingWindow(t *testing.T) {
	opts := StateOptions{MaxClones: 3, CloneStdDev: 1e-6}
	prop := &scriptedPropagator{noise: 1e-3}
	f := newTestFilter(t, opts, prop)
	for i := 0; i <= 12; i++ {
		f.buffer.Ingest(InertialSample{Timestamp: 0.5 * float64(i)})
	}

	for k := 1; k <= 6; k++ {
		res, err := f.ProcessFrame(float64(k), nil, false, true)
		require.NoError(t, err, "frame %d", k)
		require.NotNil(t, res)
		assert.LessOrEqual(t, f.State().NumClones(), opts.MaxClones)
	}
	assert.Equal(t, 6, prop.calls)
	clones := f.State().Clones()
	require.Len(t, clones, 3)
	assert.Equal(t, []float64{4, 5, 6}, []float64{clones[0].Timestamp, clones[1].Timestamp, clones[2].Timestamp})
	assert.Equal(t, ImuDim+3*CloneDim, f.State().Dim())
	assert.True(t, IsUpperTriangular(f.State().Factor(), 0))

	samples := f.buffer.Snapshot()
	require.NotEmpty(t, samples)
	assert.Equal(t, 4.0, samples[0].Timestamp)
}

func TestFilterPropagationError(t *testing.T) {
	prop := &scriptedPropagator{err: errors.New("no samples")}
	f := newTestFilter(t, DefaultStateOptions(), prop)
	_, err := f.ProcessFrame(1, nil, false, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no samples")
	assert.Zero(t, f.State().NumClones())
}

func TestFilterUpdatesWithFeatures(t *testing.T) {
	sc := newTestScene()
	poses := make(map[float64]Clone, len(sc.poses))
	for _, c := range sc.poses {
		poses[c.Timestamp] = c
	}
	prop := &scriptedPropagator{poses: poses, noise: 1e-3}
	f := newTestFilter(t, StateOptions{MaxClones: 5, CloneStdDev: 1e-6}, prop)

	var res *UpdateResult
	var err error
	for k, ts := range sc.times {
		var features []*Feature
		if k == len(sc.times)-1 {
			features = sc.features()
		}
		res, err = f.ProcessFrame(ts, features, true, true)
		require.NoError(t, err)
	}
	assert.Len(t, res.Used, len(sc.points))
	rot, pos := sc.poseErrors(f.State())
	assert.InDelta(t, 0, rot, 1e-6)
	assert.InDelta(t, 0, pos, 1e-6)
	assert.Equal(t, DefaultConfig().Update, f.Updater().Config().Update)

	// The features are retained for another pass.
	res, err = f.Updater().UpdateFeatures(f.State())
	require.NoError(t, err)
	assert.Len(t, res.Used, len(sc.points))
}
