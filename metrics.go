package srvins

import (
	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
)

// updateMetrics are the counters of an Updater, registered once per registry.
type updateMetrics struct {
	applied  gometrics.Counter
	empty    gometrics.Counter
	unstable gometrics.Counter

	droppedGeometry    gometrics.Counter
	droppedLinearize   gometrics.Counter
	droppedConsistency gometrics.Counter

	duration gometrics.Timer
	rows     gometrics.Histogram
}

func newUpdateMetrics(r gometrics.Registry) *updateMetrics {
	if r == nil {
		r = gometrics.DefaultRegistry
	}
	return &updateMetrics{
		applied:            gometrics.GetOrRegisterCounter("srvins.update.applied", r),
		empty:              gometrics.GetOrRegisterCounter("srvins.update.empty", r),
		unstable:           gometrics.GetOrRegisterCounter("srvins.update.unstable", r),
		droppedGeometry:    gometrics.GetOrRegisterCounter("srvins.feature.dropped.geometry", r),
		droppedLinearize:   gometrics.GetOrRegisterCounter("srvins.feature.dropped.linearize", r),
		droppedConsistency: gometrics.GetOrRegisterCounter("srvins.feature.dropped.consistency", r),
		duration:           gometrics.GetOrRegisterTimer("srvins.update.duration", r),
		rows:               gometrics.GetOrRegisterHistogram("srvins.update.rows", r, gometrics.NewUniformSample(1028)),
	}
}

// dropped counts a per-feature failure under its kind.
func (m *updateMetrics) dropped(err error) {
	var (
		geo  *GeometryFailure
		lin  *LinearizeFailure
		cons *ConsistencyRejected
	)
	switch {
	case errors.As(err, &geo):
		m.droppedGeometry.Inc(1)
	case errors.As(err, &lin):
		m.droppedLinearize.Inc(1)
	case errors.As(err, &cons):
		m.droppedConsistency.Inc(1)
	}
}
