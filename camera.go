package srvins

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Camera is a pinhole camera rigidly mounted on the IMU. Observations are expected
// already undistorted.
type Camera struct {
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	Width  int     `json:"width,omitempty"`  // zero disables the image bound check
	Height int     `json:"height,omitempty"` // zero disables the image bound check

	// RotationCtoI is the (w, x, y, z) quaternion rotating camera-frame vectors into the IMU frame.
	RotationCtoI [4]float64 `json:"q_CtoI"`
	// PositionCinI is the camera optical center in the IMU frame (m).
	PositionCinI [3]float64 `json:"p_CinI"`
}

// DefaultCamera returns a 640×480 camera aligned with the IMU.
func DefaultCamera() Camera {
	return Camera{Fx: 460, Fy: 460, Cx: 320, Cy: 240, Width: 640, Height: 480, RotationCtoI: [4]float64{1, 0, 0, 0}}
}

// Validate checks the intrinsics and extrinsics.
func (c Camera) Validate() error {
	if c.Fx <= 0 || c.Fy <= 0 {
		return fmt.Errorf("focal lengths must be positive, got fx=%f fy=%f", c.Fx, c.Fy)
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("image size must be non-negative, got %dx%d", c.Width, c.Height)
	}
	q := c.rotationCtoI()
	if n := quat.Abs(q); math.Abs(n-1) > 1e-6 {
		return fmt.Errorf("q_CtoI must be a unit quaternion, norm is %f", n)
	}
	return nil
}

func (c Camera) rotationCtoI() quat.Number {
	return quat.Number{Real: c.RotationCtoI[0], Imag: c.RotationCtoI[1], Jmag: c.RotationCtoI[2], Kmag: c.RotationCtoI[3]}
}

func (c Camera) positionCinI() r3.Vector {
	return r3.Vector{X: c.PositionCinI[0], Y: c.PositionCinI[1], Z: c.PositionCinI[2]}
}

// Pose returns the camera orientation (camera to global) and optical center in the global frame
// for an IMU at orientation qI and position pI.
func (c Camera) Pose(qI quat.Number, pI r3.Vector) (quat.Number, r3.Vector) {
	qC := normalizeQuat(quat.Mul(qI, c.rotationCtoI()))
	return qC, pI.Add(Rotate(qI, c.positionCinI()))
}

// PointInCamera expresses the global point pf in the camera frame of an IMU at (qI, pI).
func (c Camera) PointInCamera(qI quat.Number, pI, pf r3.Vector) r3.Vector {
	inImu := Rotate(quat.Conj(normalizeQuat(qI)), pf.Sub(pI))
	return Rotate(quat.Conj(normalizeQuat(c.rotationCtoI())), inImu.Sub(c.positionCinI()))
}

var errBehindCamera = errors.New("point is behind the camera")

// Project returns the pixel coordinates of a camera-frame point.
func (c Camera) Project(pC r3.Vector) (u, v float64, err error) {
	if pC.Z <= 0 {
		return 0, 0, errBehindCamera
	}
	return c.Fx*pC.X/pC.Z + c.Cx, c.Fy*pC.Y/pC.Z + c.Cy, nil
}

// InImage returns whether (u, v) lies inside the image bounds, always true when no size is set.
func (c Camera) InImage(u, v float64) bool {
	if c.Width == 0 || c.Height == 0 {
		return true
	}
	return u >= 0 && v >= 0 && u < float64(c.Width) && v < float64(c.Height)
}

// Normalize maps pixel coordinates to the z=1 plane of the camera.
func (c Camera) Normalize(u, v float64) (x, y float64) {
	return (u - c.Cx) / c.Fx, (v - c.Cy) / c.Fy
}

// projectionJacobian is ∂(u,v)/∂p_C, a 2×3 matrix.
func (c Camera) projectionJacobian(pC r3.Vector) *mat.Dense {
	iz := 1 / pC.Z
	iz2 := iz * iz
	return mat.NewDense(2, 3, []float64{
		c.Fx * iz, 0, -c.Fx * pC.X * iz2,
		0, c.Fy * iz, -c.Fy * pC.Y * iz2,
	})
}
