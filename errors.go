package srvins

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrEmptyBatch is returned when every candidate feature was dropped. The state is left untouched.
	ErrEmptyBatch = errors.New("srvins: no usable features in batch")
	// ErrNumericalInstability is returned when the square root factor update is non-finite or not triangular.
	ErrNumericalInstability = errors.New("srvins: numerical instability in square root update")
	// ErrNothingRetained is returned by UpdateFeatures when no iterative update preceded it.
	ErrNothingRetained = errors.New("srvins: no features retained from an iterative update")
	// ErrStaleIteration is returned by UpdateFeatures when the state was propagated or its layout
	// changed since the retained update.
	ErrStaleIteration = errors.New("srvins: state changed since the retained update")
)

// GeometryReason says why a feature could not be triangulated.
type GeometryReason string

const (
	TooFewObservations GeometryReason = "fewer than two observing clones"
	LowParallax        GeometryReason = "insufficient parallax"
	IllConditioned     GeometryReason = "ill-conditioned normal matrix"
	NotConverged       GeometryReason = "refinement did not converge"
	BadDepth           GeometryReason = "implausible depth"
)

// GeometryFailure is returned by Triangulate.
type GeometryFailure struct {
	FeatureID uint64
	Reason    GeometryReason
	Detail    string
}

func (e *GeometryFailure) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("feature %d: triangulation failed: %s", e.FeatureID, e.Reason)
	}
	return fmt.Sprintf("feature %d: triangulation failed: %s (%s)", e.FeatureID, e.Reason, e.Detail)
}

// LinearizeFailure is returned by Linearize on a malformed observation set or non-finite Jacobian.
type LinearizeFailure struct {
	FeatureID uint64
	Reason    string
}

func (e *LinearizeFailure) Error() string {
	return fmt.Sprintf("feature %d: linearization failed: %s", e.FeatureID, e.Reason)
}

// ConsistencyRejected is returned when a feature fails the chi-square gate.
type ConsistencyRejected struct {
	FeatureID uint64
	Chi2      float64
	Threshold float64
	Dof       int
}

func (e *ConsistencyRejected) Error() string {
	return fmt.Sprintf("feature %d: chi2 %.3f exceeds %.3f (dof=%d)", e.FeatureID, e.Chi2, e.Threshold, e.Dof)
}

// DimensionAgreement defines how two matrices' dimensions should agree.
type DimensionAgreement uint8

const (
	dimErrMsg                    = "dimensions must agree: "
	rows2cols DimensionAgreement = iota + 1
	cols2rows
	cols2cols
	rows2rows
	rowsAndcols
)

// checkMatDims checks the matrix dimensions match provided a DimensionAgreement. Returns an error if not.
func checkMatDims(m1, m2 mat.Matrix, name1, name2 string, method DimensionAgreement) error {
	r1, c1 := m1.Dims()
	r2, c2 := m2.Dims()
	switch method {
	case rows2cols:
		if r1 != c2 {
			return fmt.Errorf("%s%s(%dx...) %s(...x%d)", dimErrMsg, name1, r1, name2, c2)
		}
	case cols2rows:
		if c1 != r2 {
			return fmt.Errorf("%s%s(...x%d) %s(%dx...)", dimErrMsg, name1, c1, name2, r2)
		}
	case cols2cols:
		if c1 != c2 {
			return fmt.Errorf("%s%s(...x%d) %s(...x%d)", dimErrMsg, name1, c1, name2, c2)
		}
	case rows2rows:
		if r1 != r2 {
			return fmt.Errorf("%s%s(%dx...) %s(%dx...)", dimErrMsg, name1, r1, name2, r2)
		}
	case rowsAndcols:
		if c1 != c2 || r1 != r2 {
			return fmt.Errorf("%s%s(%dx%d) %s(%dx%d)", dimErrMsg, name1, r1, c1, name2, r2, c2)
		}
	}
	return nil
}
