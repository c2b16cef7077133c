package registration

import (
	"fmt"
	"math"
)

// ConvergenceMode selects the stopping rule of the iteration controller.
type ConvergenceMode string

const (
	// ConvergeOnRMS stops when an iteration improves RMS by less than MinRMSDecrease.
	ConvergeOnRMS ConvergenceMode = "rms"
	// ConvergeOnIterations always runs MaxIterations iterations.
	ConvergeOnIterations ConvergenceMode = "iterations"
)

// Tuning constants of the overlap trimmer. They are internal defaults, not
// part of RegistrationConfig.
const (
	overlapMarginRatio  = 0.2
	overlapProbeLimit   = 5000
	overlapRadiusMargin = 1.01
)

// Default sample counts used when a mesh input does not set its own.
const (
	DefaultModelSampleCount = 100000
	DefaultDataSampleCount  = 50000
)

// RegistrationConfig holds the immutable configuration of one run.
type RegistrationConfig struct {
	Convergence    ConvergenceMode `yaml:"convergence" json:"convergence"`
	MinRMSDecrease float64         `yaml:"minRMSDecrease" json:"minRMSDecrease"` // per-iteration RMS improvement threshold
	MaxIterations  int             `yaml:"maxIterations" json:"maxIterations"`

	// RandomSamplingLimit caps the working data set; larger sets are
	// uniformly subsampled before iterating. 0 disables the cap.
	RandomSamplingLimit int `yaml:"randomSamplingLimit" json:"randomSamplingLimit"`

	RemoveFarthestPoints   bool    `yaml:"removeFarthestPoints" json:"removeFarthestPoints"`
	FarthestPointsFraction float64 `yaml:"farthestPointsFraction" json:"farthestPointsFraction"` // fraction of worst residuals dropped per iteration

	AdjustScale bool    `yaml:"adjustScale" json:"adjustScale"`
	Filters     Filter  `yaml:"filters" json:"filters"`
	Overlap     float64 `yaml:"overlap" json:"overlap"` // expected final overlap ratio in (0,1]

	// MaxCorrespondenceDistance bounds every neighbour search; 0 = unbounded.
	MaxCorrespondenceDistance float64 `yaml:"maxCorrespondenceDistance" json:"maxCorrespondenceDistance"`

	// Divergence policy: more than DivergencePatience consecutive RMS
	// increases above DivergenceTolerance end the run. 0 disables it.
	DivergenceTolerance float64 `yaml:"divergenceTolerance" json:"divergenceTolerance"`
	DivergencePatience  int     `yaml:"divergencePatience" json:"divergencePatience"`

	Parallel bool `yaml:"parallel" json:"parallel"`
	Workers  int  `yaml:"workers" json:"workers"` // 0 = GOMAXPROCS

	// Seed drives subsampling. 0 derives a seed from the input coordinates so
	// repeated runs on the same data agree.
	Seed int64 `yaml:"seed" json:"seed"`

	MemoryLimitBytes int64 `yaml:"memoryLimitBytes" json:"memoryLimitBytes"` // 0 = unlimited
}

// DefaultRegistrationConfig returns sensible defaults for full-overlap ICP.
func DefaultRegistrationConfig() RegistrationConfig {
	return RegistrationConfig{
		Convergence:            ConvergeOnRMS,
		MinRMSDecrease:         1e-5,
		MaxIterations:          20,
		RandomSamplingLimit:    50000,
		FarthestPointsFraction: 0.1,
		Overlap:                1.0,
	}
}

// Validate rejects configurations the controller cannot run.
func (c RegistrationConfig) Validate() error {
	switch c.Convergence {
	case ConvergeOnRMS, ConvergeOnIterations:
	default:
		return fmt.Errorf("unknown convergence mode %q: %w", c.Convergence, ErrInvalidConfig)
	}
	if !(c.Overlap > 0 && c.Overlap <= 1) {
		return fmt.Errorf("overlap %v outside (0,1]: %w", c.Overlap, ErrInvalidConfig)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("maxIterations %d must be positive: %w", c.MaxIterations, ErrInvalidConfig)
	}
	if c.MinRMSDecrease < 0 || math.IsNaN(c.MinRMSDecrease) {
		return fmt.Errorf("minRMSDecrease %v must be >= 0: %w", c.MinRMSDecrease, ErrInvalidConfig)
	}
	if c.RandomSamplingLimit < 0 {
		return fmt.Errorf("randomSamplingLimit %d must be >= 0: %w", c.RandomSamplingLimit, ErrInvalidConfig)
	}
	if c.RemoveFarthestPoints && !(c.FarthestPointsFraction > 0 && c.FarthestPointsFraction < 1) {
		return fmt.Errorf("farthestPointsFraction %v outside (0,1): %w", c.FarthestPointsFraction, ErrInvalidConfig)
	}
	if c.MaxCorrespondenceDistance < 0 {
		return fmt.Errorf("maxCorrespondenceDistance %v must be >= 0: %w", c.MaxCorrespondenceDistance, ErrInvalidConfig)
	}
	if c.DivergencePatience < 0 || c.DivergenceTolerance < 0 {
		return fmt.Errorf("divergence policy (%v, %d) must be non-negative: %w",
			c.DivergenceTolerance, c.DivergencePatience, ErrInvalidConfig)
	}
	if c.Workers < 0 || c.MemoryLimitBytes < 0 {
		return fmt.Errorf("workers and memoryLimitBytes must be >= 0: %w", ErrInvalidConfig)
	}
	return nil
}

func (c RegistrationConfig) searchOptions(maxDistance float64) SearchOptions {
	return SearchOptions{MaxDistance: maxDistance, Parallel: c.Parallel, Workers: c.Workers}
}
