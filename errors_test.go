package srvins

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckDims(t *testing.T) {
	i22 := Identity(2)
	i33 := Identity(3)
	methods := []DimensionAgreement{rows2cols, cols2rows, cols2cols, rows2rows, rowsAndcols}
	for _, meth := range methods {
		if err := checkMatDims(i22, i22, "i22", "i22", meth); err != nil {
			t.Fatalf("method %+v fails: %s", meth, err)
		}
		err := checkMatDims(i22, i33, "i22", "i33", meth)
		if err == nil {
			t.Fatalf("method %+v does not error when using i22 and i33 ", meth)
		}
		if !strings.HasPrefix(err.Error(), dimErrMsg) {
			t.Fatalf("unexpected error: %s", err)
		}
	}
}

func TestFeatureErrors(t *testing.T) {
	geo := &GeometryFailure{FeatureID: 7, Reason: LowParallax, Detail: "0.001 rad"}
	assert.Equal(t, "feature 7: triangulation failed: insufficient parallax (0.001 rad)", geo.Error())
	assert.Equal(t, "feature 7: triangulation failed: fewer than two observing clones", (&GeometryFailure{FeatureID: 7, Reason: TooFewObservations}).Error())
	assert.Contains(t, (&LinearizeFailure{FeatureID: 3, Reason: "behind"}).Error(), "feature 3")
	assert.Contains(t, (&ConsistencyRejected{FeatureID: 4, Chi2: 12, Threshold: 3, Dof: 1}).Error(), "dof=1")

	var target *GeometryFailure
	wrapped := errors.Wrap(geo, "frame 12")
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, uint64(7), target.FeatureID)

	var cons *ConsistencyRejected
	assert.False(t, errors.As(wrapped, &cons))
	assert.True(t, errors.Is(errors.Wrap(ErrEmptyBatch, "update"), ErrEmptyBatch))
}
