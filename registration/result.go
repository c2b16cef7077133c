package registration

import (
	"encoding/json"
	"fmt"
	"math"
)

// Outcome is how a registration run ended.
type Outcome int

const (
	// Converged: the RMS-decrease criterion was met.
	Converged Outcome = iota + 1
	// MaxIterationsReached: the iteration cap ended the run.
	MaxIterationsReached
	// Diverged: RMS kept increasing beyond tolerance.
	Diverged
	// Cancelled: the context was cancelled; the best state seen so far is kept
	// for diagnostics only.
	Cancelled
	// Failed: the run stopped on a RegistrationError.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Converged:
		return "Converged"
	case MaxIterationsReached:
		return "MaxIterationsReached"
	case Diverged:
		return "Diverged"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Usable reports whether the outcome carries a transform callers may apply.
func (o Outcome) Usable() bool {
	return o == Converged || o == MaxIterationsReached
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// RegistrationResult is returned by Register and RegisterEntities.
type RegistrationResult struct {
	Outcome Outcome

	// RMS and PointCount describe the best iteration seen.
	RMS        float64
	PointCount int

	Iterations      int     // number of incremental transforms solved
	BestIteration   int     // iteration whose state is reported, -1 if none
	AchievedOverlap float64 // fraction of the data set kept by the overlap trimmer
	ResidualMean    float64
	ResidualStdDev  float64
	Seed            int64

	// Err is set when Outcome is Failed.
	Err *RegistrationError

	best RigidTransform
}

// FailedResult wraps err, raised outside the engine at stage, as a Failed
// result so callers can report it like any other outcome.
func FailedResult(stage string, err error) *RegistrationResult {
	result, _ := failed(newRegistrationError(stage, -1, err))
	return result
}

// Transform returns the registered transform, mapping data onto model. ok is
// false unless the outcome is usable; the returned transform is then the
// identity.
func (r *RegistrationResult) Transform() (RigidTransform, bool) {
	if r == nil || !r.Outcome.Usable() {
		return Identity(), false
	}
	return r.best, true
}

// BestSeen returns the lowest-RMS transform tracked during the run regardless
// of outcome. It is meant for diagnostics; do not apply it after Diverged,
// Cancelled or Failed.
func (r *RegistrationResult) BestSeen() (RigidTransform, float64) {
	if r == nil {
		return Identity(), math.Inf(1)
	}
	return r.best, r.RMS
}

func (r *RegistrationResult) String() string {
	if r.Outcome == Failed && r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Outcome, r.Err)
	}
	return fmt.Sprintf("%s after %d iterations: RMS %.6g over %d points (overlap %.1f%%)",
		r.Outcome, r.Iterations, r.RMS, r.PointCount, 100*r.AchievedOverlap)
}

// Progress is reported after every RMS measurement.
type Progress struct {
	Iteration  int            `json:"iteration"`
	RMS        float64        `json:"rms"`
	BestRMS    float64        `json:"bestRms"`
	PointCount int            `json:"pointCount"`
	Transform  RigidTransform `json:"transform"` // running total at this iteration
}

// ProgressFunc observes iterations. It runs on the registering goroutine and
// must not modify the point sets being registered.
type ProgressFunc func(Progress)
