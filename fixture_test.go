package srvins

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// testScene is three poses looking along +z at a grid of points 3 to 7 m away.
type testScene struct {
	cam    Camera
	times  []float64
	poses  []Clone
	points []r3.Vector
}

func newTestScene() testScene {
	sc := testScene{
		cam:   DefaultCamera(),
		times: []float64{1, 1.1, 1.2},
		poses: []Clone{
			{Orientation: QuatIdentity, Position: r3.Vector{X: -0.4}},
			{Orientation: ExpQuat(r3.Vector{Z: 0.02}), Position: r3.Vector{X: 0.4, Y: 0.1}},
			{Orientation: ExpQuat(r3.Vector{X: 0.01, Z: -0.02}), Position: r3.Vector{Y: -0.2, Z: 0.05}},
		},
		// The first point is the one used by single feature tests.
		points: []r3.Vector{{X: 0.2, Y: -0.1, Z: 5}},
	}
	for i := -1; i <= 1; i++ {
		for j := -1; j <= 1; j++ {
			if i == 0 && j == 0 {
				continue
			}
			sc.points = append(sc.points, r3.Vector{X: 1.2 * float64(i), Y: 0.8 * float64(j), Z: 5 + 2*float64(j)})
		}
	}
	for k := range sc.poses {
		sc.poses[k].Timestamp = sc.times[k]
	}
	return sc
}

// observation returns the noise-free pixel observation of point p from pose k.
func (sc testScene) observation(k int, p r3.Vector) Observation {
	pC := sc.cam.PointInCamera(sc.poses[k].Orientation, sc.poses[k].Position, p)
	u, v, err := sc.cam.Project(pC)
	if err != nil {
		panic(err)
	}
	return Observation{Timestamp: sc.times[k], U: u, V: v}
}

// feature returns a feature seeing the i-th point from every pose.
func (sc testScene) feature(id uint64, i int) *Feature {
	f := NewFeature(id)
	for k := range sc.poses {
		f.Observations = append(f.Observations, sc.observation(k, sc.points[i]))
	}
	return f
}

// features returns one feature per point, with IDs starting at 1.
func (sc testScene) features() []*Feature {
	out := make([]*Feature, len(sc.points))
	for i := range sc.points {
		out[i] = sc.feature(uint64(i+1), i)
	}
	return out
}

// state returns a state whose window holds the true poses, except the last clone and the IMU
// which are off by (dθ, dp). The earlier clones are only uncertain by CloneStdDev, the IMU pose
// when the last clone is taken has a prior of σθ and σp.
func (sc testScene) state(t *testing.T, dθ, dp r3.Vector, σθ, σp float64) *FilterState {
	t.Helper()
	opts := DefaultStateOptions()
	opts.CloneStdDev = 1e-6
	R0 := mat.NewDense(ImuDim, ImuDim, nil)
	for i, σ := range []float64{1e-3, 1e-3, 1e-3, 1e-3, 1e-3, 1e-3, 0.1, 0.1, 0.1, 1e-3, 1e-3, 1e-3, 1e-2, 1e-2, 1e-2} {
		R0.Set(i, i, σ)
	}
	last := len(sc.poses) - 1
	imu := ImuState{Orientation: sc.poses[0].Orientation, Position: sc.poses[0].Position}
	s, err := NewFilterState(sc.times[0], imu, R0, opts)
	require.NoError(t, err)
	require.NoError(t, s.AppendClone(sc.times[0]))
	for k := 1; k <= last; k++ {
		imu.Orientation, imu.Position = sc.poses[k].Orientation, sc.poses[k].Position
		F := s.Factor()
		if k == last {
			imu.Orientation = composeQuat(imu.Orientation, dθ)
			imu.Position = imu.Position.Add(dp)
			// IMU pose columns only have entries in the first six rows.
			_, n := F.Dims()
			for i := 0; i < 6; i++ {
				for j := 0; j < n; j++ {
					F.Set(i, j, 0)
				}
			}
			for i := 0; i < 3; i++ {
				F.Set(i, i, σθ)
				F.Set(3+i, 3+i, σp)
			}
		}
		require.NoError(t, s.SetPropagated(sc.times[k], imu, F))
		require.NoError(t, s.AppendClone(sc.times[k]))
	}
	return s
}

// poseErrors returns the orientation (rad) and position (m) error of the IMU against the last pose.
func (sc testScene) poseErrors(s *FilterState) (float64, float64) {
	truth := sc.poses[len(sc.poses)-1]
	imu := s.Imu()
	return quatDifference(imu.Orientation, truth.Orientation).Norm(), imu.Position.Sub(truth.Position).Norm()
}

func diagonal(m mat.Symmetric) []float64 {
	n := m.SymmetricDim()
	d := make([]float64, n)
	for i := range d {
		d[i] = m.At(i, i)
	}
	return d
}
