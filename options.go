package srvins

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DefaultConfigPath is the path to the canonical defaults file, relative to the repository root.
const DefaultConfigPath = "config/srvins.defaults.json"

// UpdateOptions configures the MSCKF measurement update.
type UpdateOptions struct {
	// SigmaPixel is the isotropic pixel noise standard deviation.
	SigmaPixel float64 `json:"sigma_pix"`
	// ChiSquaredMultiplier scales the 95% chi-square threshold of the consistency gate.
	ChiSquaredMultiplier float64 `json:"chi2_multiplier"`
	// MaxIterations caps the passes of an iterative update.
	MaxIterations int `json:"max_iterations"`
	// DeltaThreshold stops an iterative update once the correction changes by less than this (norm).
	DeltaThreshold float64 `json:"delta_threshold"`
}

// DefaultUpdateOptions returns the update defaults.
func DefaultUpdateOptions() UpdateOptions {
	return UpdateOptions{SigmaPixel: 1, ChiSquaredMultiplier: 5, MaxIterations: 3, DeltaThreshold: 1e-6}
}

// Validate checks the options.
func (o UpdateOptions) Validate() error {
	if o.SigmaPixel <= 0 {
		return fmt.Errorf("sigma_pix must be positive, got %f", o.SigmaPixel)
	}
	if o.ChiSquaredMultiplier <= 0 {
		return fmt.Errorf("chi2_multiplier must be positive, got %f", o.ChiSquaredMultiplier)
	}
	if o.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", o.MaxIterations)
	}
	if o.DeltaThreshold < 0 {
		return fmt.Errorf("delta_threshold must be non-negative, got %f", o.DeltaThreshold)
	}
	return nil
}

// TriangulationOptions configures the feature geometry solver.
type TriangulationOptions struct {
	// Refine enables the Levenberg-Marquardt refinement after the linear solve.
	Refine bool `json:"refine_features"`
	// MaxRuns bounds the refinement iterations.
	MaxRuns int `json:"max_runs"`
	// InitLambda, MaxLambda and LambdaMultiplier drive the LM damping.
	InitLambda       float64 `json:"init_lambda"`
	MaxLambda        float64 `json:"max_lambda"`
	LambdaMultiplier float64 `json:"lambda_multiplier"`
	// MinDx is the refinement step norm (m) below which the solve has converged.
	MinDx float64 `json:"min_dx"`
	// MinDist and MaxDist bound the depth of the point in every observing camera (m).
	MinDist float64 `json:"min_dist"`
	MaxDist float64 `json:"max_dist"`
	// MinParallax is the smallest acceptable angle between two observing rays (rad).
	MinParallax float64 `json:"min_parallax"`
	// MaxConditionNumber rejects near-degenerate normal matrices.
	MaxConditionNumber float64 `json:"max_cond_number"`
}

// DefaultTriangulationOptions returns the triangulation defaults.
func DefaultTriangulationOptions() TriangulationOptions {
	return TriangulationOptions{
		Refine:             true,
		MaxRuns:            10,
		InitLambda:         1e-3,
		MaxLambda:          1e10,
		LambdaMultiplier:   10,
		MinDx:              1e-6,
		MinDist:            0.1,
		MaxDist:            60,
		MinParallax:        0.5 * math.Pi / 180,
		MaxConditionNumber: 10000,
	}
}

// Validate checks the options.
func (o TriangulationOptions) Validate() error {
	if o.Refine {
		if o.MaxRuns < 1 {
			return fmt.Errorf("max_runs must be at least 1, got %d", o.MaxRuns)
		}
		if o.InitLambda <= 0 || o.MaxLambda < o.InitLambda || o.LambdaMultiplier <= 1 {
			return fmt.Errorf("invalid damping: init_lambda=%g max_lambda=%g lambda_multiplier=%g", o.InitLambda, o.MaxLambda, o.LambdaMultiplier)
		}
		if o.MinDx <= 0 {
			return fmt.Errorf("min_dx must be positive, got %g", o.MinDx)
		}
	}
	if o.MinDist <= 0 || o.MaxDist <= o.MinDist {
		return fmt.Errorf("invalid depth bounds [%f, %f]", o.MinDist, o.MaxDist)
	}
	if o.MinParallax < 0 {
		return fmt.Errorf("min_parallax must be non-negative, got %f", o.MinParallax)
	}
	if o.MaxConditionNumber <= 1 {
		return fmt.Errorf("max_cond_number must be greater than 1, got %f", o.MaxConditionNumber)
	}
	return nil
}

// StateOptions configures the filter state.
type StateOptions struct {
	// MaxClones is the size of the sliding window the marginalization policy keeps.
	MaxClones int `json:"max_clones"`
	// CloneStdDev pads the diagonal of a new clone block. It must be positive: an exact clone
	// would make the factor singular.
	CloneStdDev float64 `json:"clone_stddev"`
}

// DefaultStateOptions returns the state defaults.
func DefaultStateOptions() StateOptions {
	return StateOptions{MaxClones: 11, CloneStdDev: 1e-6}
}

// Validate checks the options.
func (o StateOptions) Validate() error {
	if o.MaxClones < 2 {
		return fmt.Errorf("max_clones must be at least 2, got %d", o.MaxClones)
	}
	if o.CloneStdDev <= 0 {
		return fmt.Errorf("clone_stddev must be positive, got %g", o.CloneStdDev)
	}
	return nil
}

// Config groups every option of the estimator core.
type Config struct {
	Update        UpdateOptions        `json:"update"`
	Triangulation TriangulationOptions `json:"triangulation"`
	State         StateOptions         `json:"state"`
	Camera        Camera               `json:"camera"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Update:        DefaultUpdateOptions(),
		Triangulation: DefaultTriangulationOptions(),
		State:         DefaultStateOptions(),
		Camera:        DefaultCamera(),
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Update.Validate(); err != nil {
		return errors.Wrap(err, "update")
	}
	if err := c.Triangulation.Validate(); err != nil {
		return errors.Wrap(err, "triangulation")
	}
	if err := c.State.Validate(); err != nil {
		return errors.Wrap(err, "state")
	}
	if err := c.Camera.Validate(); err != nil {
		return errors.Wrap(err, "camera")
	}
	return nil
}

// LoadConfig reads a JSON configuration file. Fields omitted from the file keep their
// DefaultConfig value, so partial files are fine.
func LoadConfig(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return Config{}, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to stat config file")
	}
	const maxFileSize = 1 << 20
	if info.Size() > maxFileSize {
		return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config file")
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse config JSON")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}
