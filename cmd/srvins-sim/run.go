package main

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/ChristopherRabotin/srvins"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// simulation is the setup of one simulated run.
type simulation struct {
	cfg       srvins.Config
	frames    int
	imuRate   float64 // Hz
	cameraDiv int     // inertial samples per frame
	landmarks int
	track     int // maximum track length (frames)
	seed      uint64
	noiseless bool
	iterative bool
	gate      bool

	gyroStd, accelStd, pixelStd float64
	gyroWalk, accelWalk         float64
}

// initialSigma is the 1σ of the initial IMU error, ordered as the error state.
var initialSigma = [5]float64{0.01, 0.05, 0.05, 1e-3, 1e-2}

func (sim simulation) noises(seed uint64) (inertial, pixel srvins.Noise, err error) {
	Q, R := srvins.IsotropicNoise(sim.gyroStd, sim.accelStd, sim.pixelStd)
	if sim.noiseless {
		n, err := srvins.NewNoiseless(Q, R)
		return n, n, err
	}
	if inertial, err = srvins.NewAWGN(Q, R, seed); err != nil {
		return nil, nil, err
	}
	pixel, err = srvins.NewAWGN(Q, R, seed+1)
	return inertial, pixel, err
}

// initialState returns the truth at t0 perturbed by a draw of the initial uncertainty.
func (sim simulation) initialState(truth srvins.ImuState, seed uint64) (*srvins.FilterState, error) {
	rng := rand.New(rand.NewPCG(seed, 0x1417))
	draw := func(σ float64) r3.Vector {
		if sim.noiseless {
			return r3.Vector{}
		}
		return r3.Vector{X: σ * rng.NormFloat64(), Y: σ * rng.NormFloat64(), Z: σ * rng.NormFloat64()}
	}
	est := truth
	est.Orientation = quat.Mul(truth.Orientation, srvins.ExpQuat(draw(initialSigma[0])))
	est.Position = truth.Position.Add(draw(initialSigma[1]))
	est.Velocity = truth.Velocity.Add(draw(initialSigma[2]))
	est.GyroBias = truth.GyroBias.Add(draw(initialSigma[3]))
	est.AccelBias = truth.AccelBias.Add(draw(initialSigma[4]))

	R := mat.NewDense(srvins.ImuDim, srvins.ImuDim, nil)
	for i := 0; i < srvins.ImuDim; i++ {
		R.Set(i, i, initialSigma[i/3])
	}
	return srvins.NewFilterState(0, est, R, sim.cfg.State)
}

// run simulates one trajectory. Inertial samples are produced by one goroutine while the filter
// goroutine consumes frames, both sharing the InertialBuffer.
func (sim simulation) run(ctx context.Context, log *slog.Logger, exp srvins.Exporter) (srvins.MonteCarloRun, error) {
	sc := newScene(sim.seed, sim.cfg.Camera, sim.cfg.Triangulation, sim.landmarks)
	sim.cfg.Camera = sc.cam
	inertialNoise, pixelNoise, err := sim.noises(sim.seed)
	if err != nil {
		return srvins.MonteCarloRun{}, err
	}

	frameTime := func(k int) float64 { return float64(k*sim.cameraDiv) / sim.imuRate }
	stamps := make([]float64, sim.frames)
	states := make([]srvins.ImuState, sim.frames)
	for k := range stamps {
		stamps[k] = frameTime(k)
		states[k] = sc.truth(stamps[k])
	}
	gt, err := srvins.NewBatchGroundTruth(stamps, states)
	if err != nil {
		return srvins.MonteCarloRun{}, err
	}

	state, err := sim.initialState(states[0], sim.seed)
	if err != nil {
		return srvins.MonteCarloRun{}, err
	}
	updater, err := srvins.NewUpdater(srvins.UpdaterConfig{Config: sim.cfg, Logger: log, Registry: gometrics.NewRegistry()})
	if err != nil {
		return srvins.MonteCarloRun{}, err
	}
	buf := srvins.NewInertialBuffer(4 * sim.cameraDiv)
	prop := strapdown{gyroStd: math.Max(sim.gyroStd, 1e-4), accelStd: math.Max(sim.accelStd, 1e-3), gyroWalk: sim.gyroWalk, accelWalk: sim.accelWalk}
	filter := srvins.NewFilter(state, buf, prop, updater)
	var source srvins.FeatureSource = newTracker(sc, pixelNoise, min(sim.track, sim.cfg.State.MaxClones))

	frames := make(chan float64)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(frames)
		for i := 0; i <= (sim.frames-1)*sim.cameraDiv; i++ {
			t := float64(i) / sim.imuRate
			buf.Ingest(sc.inertial(t, inertialNoise))
			if i%sim.cameraDiv != 0 {
				continue
			}
			select {
			case frames <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	run := srvins.MonteCarloRun{Estimates: make([]srvins.ErrorEstimate, 0, sim.frames)}
	g.Go(func() error {
		for ts := range frames {
			res, err := filter.ProcessFrame(ts, source.Features(ts), sim.iterative, sim.gate)
			if err != nil {
				return errors.Wrapf(err, "frame at %f", ts)
			}
			est, err := gt.Error(filter.State())
			if err != nil {
				return err
			}
			run.Estimates = append(run.Estimates, est)
			if exp != nil {
				if err := exp.Write(est); err != nil {
					return err
				}
			}
			if res != nil {
				log.Debug("frame", slog.Float64("t", ts), slog.Int("used", len(res.Used)), slog.Int("dropped", len(res.Dropped)), slog.Float64("pos_err", est.PositionError()))
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return run, err
	}
	if n := len(run.Estimates); n > 0 {
		log.Info("run done", slog.Uint64("seed", sim.seed), slog.Int("frames", n), slog.String("final", run.Estimates[n-1].String()))
	}
	return run, nil
}
