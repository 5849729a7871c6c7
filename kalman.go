// Package srvins is the measurement update core of a square root visual-inertial filter.
//
// A FilterState holds the IMU state, a sliding window of cloned IMU poses and optional persistent
// landmarks, with an upper-triangular square root R of the error-state covariance (P = R^T R).
// The Updater turns features tracked across the window into one stable square root update:
// triangulation, linearization, nullspace projection, optional chi-square gating, compression,
// and a QR array update that never forms P.
//
// Inertial samples are ingested concurrently into an InertialBuffer; everything else belongs to
// the single filter goroutine.
package srvins

import (
	"github.com/pkg/errors"
)

// Propagator advances a state to a timestamp using the inertial samples of a buffer.
// It must only change the state through FilterState.SetPropagated.
type Propagator interface {
	Propagate(state *FilterState, buf *InertialBuffer, to float64) error
}

// FeatureSource yields the features whose tracks ended at a camera frame.
type FeatureSource interface {
	Features(ts float64) []*Feature
}

// Filter drives a FilterState through propagation, cloning, updates and marginalization of the
// sliding window. It is owned by the filter goroutine.
type Filter struct {
	state      *FilterState
	buffer     *InertialBuffer
	propagator Propagator
	updater    *Updater
}

// NewFilter returns a Filter. The buffer may be fed concurrently.
func NewFilter(state *FilterState, buffer *InertialBuffer, propagator Propagator, updater *Updater) *Filter {
	return &Filter{state: state, buffer: buffer, propagator: propagator, updater: updater}
}

// State returns the state owned by the filter.
func (f *Filter) State() *FilterState { return f.state }

// Updater returns the measurement updater.
func (f *Filter) Updater() *Updater { return f.updater }

// ProcessFrame propagates the state to the frame timestamp, clones the IMU pose, updates with
// the features and marginalizes the oldest clones beyond StateOptions.MaxClones.
// An empty batch is not an error here: the frame still extends the window.
func (f *Filter) ProcessFrame(ts float64, features []*Feature, iterative, requireConsistencyCheck bool) (*UpdateResult, error) {
	if err := f.propagator.Propagate(f.state, f.buffer, ts); err != nil {
		return nil, errors.Wrapf(err, "propagating to %f", ts)
	}
	if err := f.state.AppendClone(ts); err != nil {
		return nil, err
	}
	res, err := f.updater.Update(f.state, features, iterative, requireConsistencyCheck)
	if err != nil && !errors.Is(err, ErrEmptyBatch) {
		return res, err
	}
	for f.state.NumClones() > f.state.Options().MaxClones {
		if err := f.state.MarginalizeOldest(); err != nil {
			return res, err
		}
	}
	f.buffer.PruneBefore(f.state.Clone(0).Timestamp)
	return res, nil
}
