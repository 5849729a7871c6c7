package srvins

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// ray is one observation of a feature, expressed with the pose of the observing camera.
type ray struct {
	x, y    float64    // normalized image coordinates
	RGtoC   *mat.Dense // global to camera rotation
	center  r3.Vector  // camera optical center in global
	bearing r3.Vector  // unit ray direction in global
}

func raysOf(f *Feature, s *FilterState, cam Camera) []ray {
	obs, idx := f.observationsIn(s)
	rays := make([]ray, len(obs))
	for k, o := range obs {
		c := s.clones[idx[k]]
		qC, center := cam.Pose(c.Orientation, c.Position)
		x, y := cam.Normalize(o.U, o.V)
		var RGtoC mat.Dense
		RGtoC.CloneFrom(RotationMatrix(qC).T())
		rays[k] = ray{x: x, y: y, RGtoC: &RGtoC, center: center, bearing: Rotate(qC, r3.Vector{X: x, Y: y, Z: 1}).Normalize()}
	}
	return rays
}

// inCamera returns the point p in the camera frame of the ray.
func (r ray) inCamera(p r3.Vector) r3.Vector {
	var pC mat.VecDense
	pC.MulVec(r.RGtoC, vecOf(p.Sub(r.center)))
	return r3Of(&pC, 0)
}

// Triangulate estimates the global position of a feature from its observations in the clones of s.
// A linear multi-ray least squares solve seeds an optional Levenberg-Marquardt refinement of the
// normalized reprojection error. It returns a *GeometryFailure when the feature is seen from fewer
// than two clones, the rays are near parallel, the solve is ill-conditioned, the refinement does not
// converge within its budget, or the point is not in front of every observing camera.
func Triangulate(f *Feature, s *FilterState, cam Camera, opts TriangulationOptions) (r3.Vector, error) {
	fail := func(reason GeometryReason, detail string) (r3.Vector, error) {
		return r3.Vector{}, &GeometryFailure{FeatureID: f.ID, Reason: reason, Detail: detail}
	}
	rays := raysOf(f, s, cam)
	if len(rays) < 2 {
		return fail(TooFewObservations, fmt.Sprintf("%d in window", len(rays)))
	}

	// Largest angle between any two rays.
	parallax := 0.0
	for i := range rays {
		for j := i + 1; j < len(rays); j++ {
			cos := math.Max(-1, math.Min(1, rays[i].bearing.Dot(rays[j].bearing)))
			parallax = math.Max(parallax, math.Acos(cos))
		}
	}
	if parallax < opts.MinParallax {
		return fail(LowParallax, fmt.Sprintf("%.4g rad", parallax))
	}

	// Σ (I - b b^T) (p - c) = 0
	A := mat.NewSymDense(3, nil)
	rhs := mat.NewVecDense(3, nil)
	for _, r := range rays {
		b := vecOf(r.bearing)
		var proj mat.SymDense
		proj.SymOuterK(-1, b)
		for i := 0; i < 3; i++ {
			proj.SetSym(i, i, 1+proj.At(i, i))
		}
		A.AddSym(A, &proj)
		var t mat.VecDense
		t.MulVec(&proj, vecOf(r.center))
		rhs.AddVec(rhs, &t)
	}
	if cond := mat.Cond(A, 2); math.IsInf(cond, 1) || cond > opts.MaxConditionNumber {
		return fail(IllConditioned, fmt.Sprintf("condition number %.4g", cond))
	}
	var sol mat.VecDense
	if err := sol.SolveVec(A, rhs); err != nil {
		return fail(IllConditioned, err.Error())
	}
	p := r3Of(&sol, 0)

	if opts.Refine {
		var err error
		if p, err = refinePosition(p, rays, opts); err != nil {
			return fail(NotConverged, err.Error())
		}
	}
	if err := checkDepths(p, rays, opts); err != nil {
		return fail(BadDepth, err.Error())
	}
	return p, nil
}

// checkDepths verifies p is in front of every camera and within the configured range.
func checkDepths(p r3.Vector, rays []ray, opts TriangulationOptions) error {
	for k, r := range rays {
		if z := r.inCamera(p).Z; z <= 0 || z < opts.MinDist || z > opts.MaxDist || math.IsNaN(z) {
			return fmt.Errorf("depth %.4g m in observation %d outside [%g, %g]", z, k, opts.MinDist, opts.MaxDist)
		}
	}
	return nil
}

// reprojection returns the stacked normalized reprojection errors of p, its Jacobian wrt p and the
// squared error norm. ok is false if p is behind one of the cameras.
func reprojection(p r3.Vector, rays []ray) (e *mat.VecDense, J *mat.Dense, cost float64, ok bool) {
	m := 2 * len(rays)
	e = mat.NewVecDense(m, nil)
	J = mat.NewDense(m, 3, nil)
	for k, r := range rays {
		pC := r.inCamera(p)
		if pC.Z <= 0 {
			return nil, nil, math.Inf(1), false
		}
		iz := 1 / pC.Z
		ex, ey := r.x-pC.X*iz, r.y-pC.Y*iz
		e.SetVec(2*k, ex)
		e.SetVec(2*k+1, ey)
		cost += ex*ex + ey*ey
		dh := mat.NewDense(2, 3, []float64{iz, 0, -pC.X * iz * iz, 0, iz, -pC.Y * iz * iz})
		J.Slice(2*k, 2*k+2, 0, 3).(*mat.Dense).Mul(dh, r.RGtoC)
	}
	return e, J, cost, true
}

// refinePosition runs Levenberg-Marquardt from p0 and returns an error if it fails to converge.
func refinePosition(p0 r3.Vector, rays []ray, opts TriangulationOptions) (r3.Vector, error) {
	p := p0
	e, J, cost, ok := reprojection(p, rays)
	if !ok {
		return p0, fmt.Errorf("initial estimate %v behind a camera", p0)
	}
	λ := opts.InitLambda
	for run := 0; run < opts.MaxRuns; run++ {
		var H mat.SymDense
		H.SymOuterK(1, J.T())
		var g mat.VecDense
		g.MulVec(J.T(), e)
		for i := 0; i < 3; i++ {
			H.SetSym(i, i, H.At(i, i)*(1+λ))
		}
		var step mat.VecDense
		if err := step.SolveVec(&H, &g); err != nil {
			λ *= opts.LambdaMultiplier
			if λ > opts.MaxLambda {
				return p0, fmt.Errorf("damping exceeded %g", opts.MaxLambda)
			}
			continue
		}
		δ := r3Of(&step, 0)
		candidate := p.Add(δ)
		eTry, JTry, costTry, okTry := reprojection(candidate, rays)
		if δ.Norm() < opts.MinDx {
			if okTry && costTry <= cost {
				p = candidate
			}
			return p, nil
		}
		if okTry && costTry < cost {
			p, e, J, cost = candidate, eTry, JTry, costTry
			λ /= opts.LambdaMultiplier
			continue
		}
		λ *= opts.LambdaMultiplier
		if λ > opts.MaxLambda {
			return p0, fmt.Errorf("damping exceeded %g", opts.MaxLambda)
		}
	}
	return p0, fmt.Errorf("no convergence after %d runs", opts.MaxRuns)
}

// refineFrom re-runs only the refinement, seeded from a previous position, against the current
// clones of s. It is used by iterative updates instead of a fresh triangulation.
func refineFrom(f *Feature, p r3.Vector, s *FilterState, cam Camera, opts TriangulationOptions) (r3.Vector, error) {
	rays := raysOf(f, s, cam)
	if len(rays) < 2 {
		return p, &GeometryFailure{FeatureID: f.ID, Reason: TooFewObservations}
	}
	if opts.Refine {
		refined, err := refinePosition(p, rays, opts)
		if err != nil {
			return p, &GeometryFailure{FeatureID: f.ID, Reason: NotConverged, Detail: err.Error()}
		}
		p = refined
	}
	if err := checkDepths(p, rays, opts); err != nil {
		return p, &GeometryFailure{FeatureID: f.ID, Reason: BadDepth, Detail: err.Error()}
	}
	return p, nil
}
