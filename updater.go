package srvins

import (
	"log/slog"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// chi2TableSize is the number of degrees of freedom precomputed by an Updater.
const chi2TableSize = 500

// UpdaterConfig configures an Updater.
type UpdaterConfig struct {
	Config
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Registry defaults to the go-metrics default registry.
	Registry gometrics.Registry
}

// DroppedFeature is a feature excluded from an update, with the reason.
type DroppedFeature struct {
	FeatureID uint64
	Err       error
}

// UpdateResult describes an update call.
type UpdateResult struct {
	Block      *MeasurementBlock // last measurement block the correction was computed from
	Delta      *mat.VecDense     // committed correction, nil if nothing was committed
	Iterations int
	Used       []uint64
	Dropped    []DroppedFeature
}

// retainedUpdate is what an iterative update keeps for UpdateFeatures.
type retainedUpdate struct {
	prior     *FilterState
	features  []*Feature
	positions map[uint64]r3.Vector
}

// Updater runs the measurement update pipeline: triangulation, linearization, nullspace
// projection, consistency gating, compression and the square root update.
// It follows the single-writer discipline of the FilterState it updates and is not safe for
// concurrent use.
type Updater struct {
	cfg      Config
	log      *slog.Logger
	metrics  *updateMetrics
	chi2     *ChiSquareTable
	retained *retainedUpdate
}

// NewUpdater returns an Updater, or an error if the configuration is invalid.
func NewUpdater(cfg UpdaterConfig) (*Updater, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Updater{
		cfg:     cfg.Config,
		log:     log.With(slog.String("component", "updater")),
		metrics: newUpdateMetrics(cfg.Registry),
		chi2:    NewChiSquareTable(chi2Probability, chi2TableSize),
	}, nil
}

// Config returns the configuration of the Updater.
func (u *Updater) Config() Config { return u.cfg }

// Update corrects state with the features. Features that fail triangulation, linearization or,
// if requireConsistencyCheck is set, the chi-square gate are dropped and reported in the result.
// Every feature is marked consumed.
//
// If no feature survives, ErrEmptyBatch is returned with the state unchanged. On
// ErrNumericalInstability nothing is committed either.
//
// With isIterative, the correction is refined by relinearizing at the corrected estimate, up to
// UpdateOptions.MaxIterations passes, and the features are retained for UpdateFeatures. Any other
// call discards what a previous iterative update retained.
func (u *Updater) Update(state *FilterState, features []*Feature, isIterative, requireConsistencyCheck bool) (*UpdateResult, error) {
	defer u.metrics.duration.UpdateSince(time.Now())
	defer func() {
		for _, f := range features {
			f.consumed = true
		}
	}()

	res := &UpdateResult{}
	u.retained = nil
	var prior *FilterState
	if isIterative {
		prior = state.Copy()
	}
	positions := make(map[uint64]r3.Vector, len(features))
	var candidates []*Feature
	for _, f := range features {
		if f.consumed {
			u.drop(res, &LinearizeFailure{FeatureID: f.ID, Reason: "feature already consumed"})
			continue
		}
		if _, isLandmark := state.LandmarkIndex(f.ID); isLandmark {
			candidates = append(candidates, f)
			continue
		}
		pos, err := Triangulate(f, state, u.cfg.Camera, u.cfg.Triangulation)
		if err != nil {
			u.drop(res, err)
			continue
		}
		positions[f.ID] = pos
		candidates = append(candidates, f)
	}

	block, used := u.measure(state, candidates, positions, requireConsistencyCheck, res)
	if block == nil {
		u.metrics.empty.Inc(1)
		u.log.Debug("empty batch", slog.Int("features", len(features)), slog.Int("dropped", len(res.Dropped)))
		return res, ErrEmptyBatch
	}
	res.Block = block

	delta, R, err := SqrtUpdate(state.factor, block)
	if err != nil {
		return res, u.unstable(err)
	}
	res.Iterations = 1
	if isIterative {
		delta, R, block = u.iterate(prior, used, positions, delta, R, block, res)
		res.Block = block
	}

	if err := state.ApplyCorrection(delta, R); err != nil {
		return res, u.unstable(err)
	}
	res.Delta = delta
	for _, f := range used {
		res.Used = append(res.Used, f.ID)
	}
	if isIterative {
		u.retained = &retainedUpdate{prior: prior, features: used, positions: positions}
	}
	u.applied(block, res)
	return res, nil
}

// UpdateFeatures relinearizes the features retained by the last iterative Update at the current
// estimate of state and commits one more iterated correction against the retained prior.
func (u *Updater) UpdateFeatures(state *FilterState) (*UpdateResult, error) {
	defer u.metrics.duration.UpdateSince(time.Now())
	if u.retained == nil {
		return nil, ErrNothingRetained
	}
	prior := u.retained.prior
	if state.timestamp != prior.timestamp {
		return nil, errors.Wrapf(ErrStaleIteration, "state propagated from %f to %f", prior.timestamp, state.timestamp)
	}
	if !state.sameLayout(prior) {
		return nil, ErrStaleIteration
	}
	current, err := state.Difference(prior)
	if err != nil {
		return nil, errors.Wrap(ErrStaleIteration, err.Error())
	}

	res := &UpdateResult{}
	positions := make(map[uint64]r3.Vector, len(u.retained.positions))
	var candidates []*Feature
	for _, f := range u.retained.features {
		p, ok := u.retained.positions[f.ID]
		if !ok {
			candidates = append(candidates, f)
			continue
		}
		if p, err = refineFrom(f, p, state, u.cfg.Camera, u.cfg.Triangulation); err != nil {
			u.drop(res, err)
			continue
		}
		positions[f.ID] = p
		candidates = append(candidates, f)
	}
	block, used := u.measure(state, candidates, positions, false, res)
	if block == nil {
		u.metrics.empty.Inc(1)
		return res, ErrEmptyBatch
	}
	block = block.shifted(current)
	res.Block = block

	delta, R, err := SqrtUpdate(prior.factor, block)
	if err != nil {
		return res, u.unstable(err)
	}
	correction, err := prior.corrected(delta).Difference(state)
	if err != nil {
		return res, errors.Wrap(ErrStaleIteration, err.Error())
	}
	if err := state.ApplyCorrection(correction, R); err != nil {
		return res, u.unstable(err)
	}
	res.Delta = correction
	res.Iterations = 1
	for _, f := range used {
		res.Used = append(res.Used, f.ID)
	}
	u.retained.features = used
	u.retained.positions = positions
	u.applied(block, res)
	return res, nil
}

// measure linearizes and projects the features at s and compresses what survives into a block.
// It returns a nil block when no feature is left.
func (u *Updater) measure(s *FilterState, features []*Feature, positions map[uint64]r3.Vector, gate bool, res *UpdateResult) (*MeasurementBlock, []*Feature) {
	sigma := u.cfg.Update.SigmaPixel
	var (
		projected []ProjectedMeasurement
		used      []*Feature
	)
	for _, f := range features {
		lin, err := Linearize(f, positions[f.ID], s, u.cfg.Camera)
		if err != nil {
			u.drop(res, err)
			continue
		}
		H, r, err := lin.project()
		if err != nil {
			u.drop(res, &LinearizeFailure{FeatureID: f.ID, Reason: err.Error()})
			continue
		}
		record := FeatureRecord{FeatureID: f.ID, Rows: r.Len(), Landmark: lin.Landmark}
		if gate {
			chi2, threshold, ok := ConsistencyTest(H, r, sigma, s.factor, u.chi2, u.cfg.Update.ChiSquaredMultiplier)
			if !ok {
				u.drop(res, &ConsistencyRejected{FeatureID: f.ID, Chi2: chi2, Threshold: threshold, Dof: r.Len()})
				continue
			}
			record.Chi2 = chi2
		}
		projected = append(projected, ProjectedMeasurement{Record: record, Jacobian: H, Residual: r})
		used = append(used, f)
	}
	if len(projected) == 0 {
		return nil, nil
	}
	block := Compress(projected, s.Dim(), sigma)
	if block.Rows() == 0 {
		return nil, nil
	}
	return block, used
}

// iterate refines the first correction delta. Each pass relinearizes at prior ⊞ Δᵢ and computes
// Δᵢ₊₁ = Kᵢ (rᵢ + Hᵢ Δᵢ) against the prior factor. The last valid correction is kept when a pass
// fails.
func (u *Updater) iterate(prior *FilterState, features []*Feature, positions map[uint64]r3.Vector, delta *mat.VecDense, R *mat.Dense, block *MeasurementBlock, res *UpdateResult) (*mat.VecDense, *mat.Dense, *MeasurementBlock) {
	for res.Iterations < u.cfg.Update.MaxIterations {
		at := prior.corrected(delta)
		refined := make(map[uint64]r3.Vector, len(positions))
		for id, p := range positions {
			refined[id] = p
		}
		for _, f := range features {
			p, ok := positions[f.ID]
			if !ok {
				continue
			}
			p, err := refineFrom(f, p, at, u.cfg.Camera, u.cfg.Triangulation)
			if err != nil {
				u.log.Debug("iteration stopped", slog.Uint64("feature", f.ID), slog.Any("reason", err), slog.Int("iteration", res.Iterations))
				return delta, R, block
			}
			refined[f.ID] = p
		}
		scratch := &UpdateResult{}
		next, used := u.measure(at, features, refined, false, scratch)
		if next == nil || len(used) != len(features) {
			u.log.Debug("iteration stopped", slog.Int("dropped", len(scratch.Dropped)), slog.Int("iteration", res.Iterations))
			return delta, R, block
		}
		next = next.shifted(delta)
		nextDelta, nextR, err := SqrtUpdate(prior.factor, next)
		if err != nil {
			u.log.Debug("iteration stopped", slog.Any("reason", err), slog.Int("iteration", res.Iterations))
			return delta, R, block
		}
		change := floats.Distance(nextDelta.RawVector().Data, delta.RawVector().Data, 2)
		delta, R, block = nextDelta, nextR, next
		for id, p := range refined {
			positions[id] = p
		}
		res.Iterations++
		if change < u.cfg.Update.DeltaThreshold {
			break
		}
	}
	return delta, R, block
}

func (u *Updater) drop(res *UpdateResult, err error) {
	var id uint64
	var (
		geo  *GeometryFailure
		lin  *LinearizeFailure
		cons *ConsistencyRejected
	)
	switch {
	case errors.As(err, &geo):
		id = geo.FeatureID
	case errors.As(err, &lin):
		id = lin.FeatureID
	case errors.As(err, &cons):
		id = cons.FeatureID
	}
	res.Dropped = append(res.Dropped, DroppedFeature{FeatureID: id, Err: err})
	u.metrics.dropped(err)
	u.log.Debug("feature dropped", slog.Uint64("feature", id), slog.Any("reason", err))
}

func (u *Updater) unstable(err error) error {
	if errors.Is(err, ErrNumericalInstability) {
		u.metrics.unstable.Inc(1)
		u.log.Warn("update not committed", slog.Any("error", err))
	}
	return err
}

func (u *Updater) applied(block *MeasurementBlock, res *UpdateResult) {
	u.metrics.applied.Inc(1)
	u.metrics.rows.Update(int64(block.Rows()))
	u.log.Debug("update applied",
		slog.String("block", block.ID.String()),
		slog.Int("features", len(res.Used)),
		slog.Int("rows", block.Rows()),
		slog.Bool("compressed", block.Compressed),
		slog.Int("iterations", res.Iterations),
		slog.Int("dropped", len(res.Dropped)))
}
