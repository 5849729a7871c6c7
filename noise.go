package srvins

import (
	"fmt"
	"math/rand/v2"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Noise generates the sensor noise of a simulated run.
type Noise interface {
	Inertial() (gyro, accel r3.Vector) // noise of one inertial sample
	Pixel() (du, dv float64)           // noise of one pixel observation
	InertialMatrix() mat.Symmetric     // 6×6 covariance of [gyro accel]
	PixelMatrix() mat.Symmetric        // 2×2 covariance of [u v]
	String() string
}

// IsotropicNoise returns the covariances of independent gyro, accelerometer and pixel noises
// with the provided standard deviations.
func IsotropicNoise(gyroStd, accelStd, pixelStd float64) (Q, R *mat.SymDense) {
	Q = mat.NewSymDense(6, nil)
	for i := 0; i < 3; i++ {
		Q.SetSym(i, i, gyroStd*gyroStd)
		Q.SetSym(i+3, i+3, accelStd*accelStd)
	}
	R = mat.NewSymDense(2, nil)
	R.SetSym(0, 0, pixelStd*pixelStd)
	R.SetSym(1, 1, pixelStd*pixelStd)
	return Q, R
}

func checkNoiseDims(Q, R mat.Symmetric) error {
	if n := Q.SymmetricDim(); n != 6 {
		return fmt.Errorf("inertial noise covariance must be 6x6, got %dx%d", n, n)
	}
	if n := R.SymmetricDim(); n != 2 {
		return fmt.Errorf("pixel noise covariance must be 2x2, got %dx%d", n, n)
	}
	return nil
}

// Noiseless implements the Noise interface and only carries the covariances.
type Noiseless struct {
	Q, R mat.Symmetric
}

// NewNoiseless returns a Noiseless with the provided covariances.
func NewNoiseless(Q, R mat.Symmetric) (*Noiseless, error) {
	if err := checkNoiseDims(Q, R); err != nil {
		return nil, err
	}
	return &Noiseless{Q, R}, nil
}

// Inertial implements the Noise interface.
func (n Noiseless) Inertial() (r3.Vector, r3.Vector) { return r3.Vector{}, r3.Vector{} }

// Pixel implements the Noise interface.
func (n Noiseless) Pixel() (float64, float64) { return 0, 0 }

// InertialMatrix implements the Noise interface.
func (n Noiseless) InertialMatrix() mat.Symmetric { return n.Q }

// PixelMatrix implements the Noise interface.
func (n Noiseless) PixelMatrix() mat.Symmetric { return n.R }

func (n Noiseless) String() string {
	return fmt.Sprintf("Noiseless{\nQ=%v\nR=%v}\n", mat.Formatted(n.Q, mat.Prefix("  ")), mat.Formatted(n.R, mat.Prefix("  ")))
}

// AWGN implements the Noise interface with additive white Gaussian noise.
type AWGN struct {
	Q, R     mat.Symmetric
	inertial *distmv.Normal
	pixel    *distmv.Normal
}

// NewAWGN returns an AWGN drawing from Q and R. The seed makes runs reproducible.
func NewAWGN(Q, R mat.Symmetric, seed uint64) (*AWGN, error) {
	if err := checkNoiseDims(Q, R); err != nil {
		return nil, err
	}
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	inertial, ok := distmv.NewNormal(make([]float64, 6), Q, src)
	if !ok {
		return nil, fmt.Errorf("inertial noise covariance is not positive definite")
	}
	pixel, ok := distmv.NewNormal(make([]float64, 2), R, src)
	if !ok {
		return nil, fmt.Errorf("pixel noise covariance is not positive definite")
	}
	return &AWGN{Q, R, inertial, pixel}, nil
}

// Inertial implements the Noise interface.
func (n AWGN) Inertial() (r3.Vector, r3.Vector) {
	w := n.inertial.Rand(nil)
	return r3.Vector{X: w[0], Y: w[1], Z: w[2]}, r3.Vector{X: w[3], Y: w[4], Z: w[5]}
}

// Pixel implements the Noise interface.
func (n AWGN) Pixel() (float64, float64) {
	w := n.pixel.Rand(nil)
	return w[0], w[1]
}

// InertialMatrix implements the Noise interface.
func (n AWGN) InertialMatrix() mat.Symmetric { return n.Q }

// PixelMatrix implements the Noise interface.
func (n AWGN) PixelMatrix() mat.Symmetric { return n.R }

func (n AWGN) String() string {
	return fmt.Sprintf("AWGN{\nQ=%v\nR=%v}\n", mat.Formatted(n.Q, mat.Prefix("  ")), mat.Formatted(n.R, mat.Prefix("  ")))
}
