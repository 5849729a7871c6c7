package srvins

import "fmt"

// Observation is a single undistorted pixel measurement of a feature, taken at the
// timestamp of a clone in the sliding window.
type Observation struct {
	Timestamp float64
	U, V      float64
}

// Feature is a tracked point with its observations across the sliding window.
// Features that are not landmarks of the state are used for one update only and are marked
// consumed once they went through the pipeline, whether they were used or dropped.
type Feature struct {
	ID           uint64
	Observations []Observation
	consumed     bool
}

// NewFeature returns a feature with the provided observations.
func NewFeature(id uint64, obs ...Observation) *Feature {
	return &Feature{ID: id, Observations: obs}
}

// Consumed returns whether the feature already went through an update.
func (f *Feature) Consumed() bool {
	return f.consumed
}

func (f *Feature) String() string {
	return fmt.Sprintf("feature{id=%d obs=%d consumed=%t}", f.ID, len(f.Observations), f.consumed)
}

// observationsIn returns the observations matching a clone of the state, with their clone index.
func (f *Feature) observationsIn(s *FilterState) ([]Observation, []int) {
	obs := make([]Observation, 0, len(f.Observations))
	idx := make([]int, 0, len(f.Observations))
	for _, o := range f.Observations {
		if i, ok := s.CloneIndex(o.Timestamp); ok {
			obs = append(obs, o)
			idx = append(idx, i)
		}
	}
	return obs, idx
}
