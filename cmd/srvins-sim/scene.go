package main

import (
	"math"
	"math/rand/v2"

	"github.com/ChristopherRabotin/srvins"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// scene is a circular trajectory inside a cylinder of landmarks, the camera looking outwards.
type scene struct {
	radius  float64 // trajectory radius (m)
	rate    float64 // angular rate around the center (rad/s)
	heave   float64 // amplitude of the vertical oscillation (m)
	cam     srvins.Camera
	points  []r3.Vector
	minDist float64
	maxDist float64
}

// outwardCamera looks along -y of the IMU, the outside of the circle for a counterclockwise motion.
var outwardCamera = [4]float64{math.Sqrt2 / 2, math.Sqrt2 / 2, 0, 0}

func newScene(seed uint64, cam srvins.Camera, topt srvins.TriangulationOptions, landmarks int) *scene {
	cam.RotationCtoI = outwardCamera
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	s := &scene{radius: 3, rate: 0.2, heave: 0.4, cam: cam, minDist: topt.MinDist, maxDist: topt.MaxDist}
	for i := 0; i < landmarks; i++ {
		θ := 2 * math.Pi * rng.Float64()
		ρ := 7 + 2*rng.Float64()
		s.points = append(s.points, r3.Vector{X: ρ * math.Cos(θ), Y: ρ * math.Sin(θ), Z: -1 + 4*rng.Float64()})
	}
	return s
}

// truth returns the true IMU state at t.
func (s *scene) truth(t float64) srvins.ImuState {
	θ := s.rate * t
	w := s.rate
	return srvins.ImuState{
		Orientation: srvins.ExpQuat(r3.Vector{Z: θ + math.Pi/2}),
		Position:    r3.Vector{X: s.radius * math.Cos(θ), Y: s.radius * math.Sin(θ), Z: s.heave * math.Sin(2*θ)},
		Velocity:    r3.Vector{X: -s.radius * w * math.Sin(θ), Y: s.radius * w * math.Cos(θ), Z: 2 * w * s.heave * math.Cos(2*θ)},
	}
}

// inertial returns the noisy inertial sample at t: body rates and specific force.
func (s *scene) inertial(t float64, noise srvins.Noise) srvins.InertialSample {
	θ := s.rate * t
	w := s.rate
	acc := r3.Vector{X: -s.radius * w * w * math.Cos(θ), Y: -s.radius * w * w * math.Sin(θ), Z: -4 * w * w * s.heave * math.Sin(2*θ)}
	q := s.truth(t).Orientation
	ng, na := noise.Inertial()
	return srvins.InertialSample{
		Timestamp:          t,
		AngularRate:        r3.Vector{Z: w}.Add(ng),
		LinearAcceleration: srvins.Rotate(quat.Conj(q), acc.Sub(gravity)).Add(na),
	}
}

// observe returns the noisy pixel observation of landmark i at t, if it is visible.
func (s *scene) observe(i int, t float64, noise srvins.Noise) (srvins.Observation, bool) {
	imu := s.truth(t)
	pC := s.cam.PointInCamera(imu.Orientation, imu.Position, s.points[i])
	if pC.Z < s.minDist || pC.Z > s.maxDist {
		return srvins.Observation{}, false
	}
	u, v, err := s.cam.Project(pC)
	if err != nil || !s.cam.InImage(u, v) {
		return srvins.Observation{}, false
	}
	du, dv := noise.Pixel()
	return srvins.Observation{Timestamp: t, U: u + du, V: v + dv}, true
}

// tracker is a perfect data association front end: it follows every visible landmark and ends a
// track when the landmark leaves the image or the track reaches its maximum length.
// A landmark is re-tracked under a new feature ID after its track ended.
type tracker struct {
	scene     *scene
	noise     srvins.Noise
	maxLength int
	nextID    uint64
	tracks    map[int]*srvins.Feature
	ended     []*srvins.Feature
}

func newTracker(s *scene, noise srvins.Noise, maxLength int) *tracker {
	return &tracker{scene: s, noise: noise, maxLength: maxLength, tracks: make(map[int]*srvins.Feature)}
}

// observe records the observations of the frame at t.
func (tr *tracker) observe(t float64) {
	for i := range tr.scene.points {
		o, visible := tr.scene.observe(i, t, tr.noise)
		f, tracked := tr.tracks[i]
		switch {
		case !visible && tracked:
			delete(tr.tracks, i)
			tr.ended = append(tr.ended, f)
		case visible && !tracked:
			tr.nextID++
			tr.tracks[i] = srvins.NewFeature(tr.nextID, o)
		case visible:
			f.Observations = append(f.Observations, o)
			if len(f.Observations) >= tr.maxLength {
				delete(tr.tracks, i)
				tr.ended = append(tr.ended, f)
			}
		}
	}
}

// Features implements srvins.FeatureSource: the tracks that ended at or before t.
func (tr *tracker) Features(t float64) []*srvins.Feature {
	tr.observe(t)
	out := tr.ended
	tr.ended = nil
	return out
}
