package main

import (
	"fmt"
	"math"

	"github.com/ChristopherRabotin/srvins"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

var gravity = r3.Vector{Z: -9.81}

// strapdown integrates the inertial samples between two frames and propagates the square root
// factor with the linearized error dynamics.
type strapdown struct {
	gyroStd, accelStd   float64 // per-sample white noise (rad/s, m/s²)
	gyroWalk, accelWalk float64 // bias random walk (per √s)
}

// Propagate implements srvins.Propagator.
func (p strapdown) Propagate(state *srvins.FilterState, buf *srvins.InertialBuffer, to float64) error {
	from := state.Timestamp()
	if to <= from {
		return nil
	}
	samples := buf.Window(from, to)
	if len(samples) < 2 || samples[0].Timestamp != from || samples[len(samples)-1].Timestamp != to {
		return fmt.Errorf("inertial samples do not cover [%f, %f]", from, to)
	}

	imu := state.Imu()
	Φ := mat.DenseCopyOf(srvins.Identity(srvins.ImuDim))
	Lq := mat.NewDense(srvins.ImuDim, srvins.ImuDim, nil)
	for k := 1; k < len(samples); k++ {
		a, b := samples[k-1], samples[k]
		dt := b.Timestamp - a.Timestamp
		if dt <= 0 {
			continue
		}
		ω := a.AngularRate.Add(b.AngularRate).Mul(0.5).Sub(imu.GyroBias)
		f := a.LinearAcceleration.Add(b.LinearAcceleration).Mul(0.5).Sub(imu.AccelBias)

		F := p.transition(imu.Orientation, ω, f, dt)
		var next mat.Dense
		next.Mul(F, Φ)
		Φ = &next
		var err error
		if Lq, err = srvins.SqrtPredict(Lq, F, p.noiseFactor(dt)); err != nil {
			return err
		}

		acc := srvins.Rotate(imu.Orientation, f).Add(gravity)
		imu.Position = imu.Position.Add(imu.Velocity.Mul(dt)).Add(acc.Mul(0.5 * dt * dt))
		imu.Velocity = imu.Velocity.Add(acc.Mul(dt))
		imu.Orientation = quat.Mul(imu.Orientation, srvins.ExpQuat(ω.Mul(dt)))
	}

	n := state.Dim()
	full := mat.DenseCopyOf(srvins.Identity(n))
	full.Slice(0, srvins.ImuDim, 0, srvins.ImuDim).(*mat.Dense).Copy(Φ)
	noise := mat.NewDense(srvins.ImuDim, n, nil)
	noise.Slice(0, srvins.ImuDim, 0, srvins.ImuDim).(*mat.Dense).Copy(Lq)
	factor, err := srvins.SqrtPredict(state.Factor(), full, noise)
	if err != nil {
		return err
	}
	return state.SetPropagated(to, imu, factor)
}

// transition is the error-state transition of one step, with orientation errors on the right.
func (p strapdown) transition(q quat.Number, ω, f r3.Vector, dt float64) *mat.Dense {
	F := mat.DenseCopyOf(srvins.Identity(srvins.ImuDim))
	R := srvins.RotationMatrix(q)
	var Rf mat.Dense
	Rf.Mul(R, srvins.Skew(f))

	block := func(i, j int) *mat.Dense { return F.Slice(i, i+3, j, j+3).(*mat.Dense) }
	block(0, 0).Copy(srvins.RotationMatrix(srvins.ExpQuat(ω.Mul(-dt))))
	block(0, 9).Copy(srvins.ScaledIdentity(3, -dt))
	block(3, 0).Scale(-0.5*dt*dt, &Rf)
	block(3, 6).Copy(srvins.ScaledIdentity(3, dt))
	block(3, 12).Scale(-0.5*dt*dt, R)
	block(6, 0).Scale(-dt, &Rf)
	block(6, 12).Scale(-dt, R)
	return F
}

// noiseFactor is the diagonal square root of the discrete process noise of one step.
func (p strapdown) noiseFactor(dt float64) *mat.Dense {
	L := mat.NewDense(srvins.ImuDim, srvins.ImuDim, nil)
	for i := 0; i < 3; i++ {
		L.Set(i, i, p.gyroStd*dt)
		L.Set(6+i, 6+i, p.accelStd*dt)
		L.Set(9+i, 9+i, p.gyroWalk*math.Sqrt(dt))
		L.Set(12+i, 12+i, p.accelWalk*math.Sqrt(dt))
	}
	return L
}
