package registration

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match them with errors.Is; the engine wraps them
// in a *RegistrationError carrying the stage that failed.
var (
	// ErrInvalidConfig is returned for out-of-range ratio, iteration or threshold values.
	ErrInvalidConfig = errors.New("registration: invalid configuration")

	// ErrInsufficientMemory is returned when an allocation would exceed the run's memory budget.
	ErrInsufficientMemory = errors.New("registration: insufficient memory")

	// ErrDegenerateSolve is returned when fewer than three usable correspondences remain,
	// they are collinear, or every weight is zero.
	ErrDegenerateSolve = errors.New("registration: degenerate transform solve")

	// ErrSamplingFailure is returned when a mesh input produced no usable points.
	ErrSamplingFailure = errors.New("registration: mesh sampling produced no points")

	// ErrInvalidInput signals a precondition violation such as an empty probe set.
	ErrInvalidInput = errors.New("registration: invalid input")

	// ErrOutOfRange is returned by point and scalar accessors for a bad index.
	ErrOutOfRange = errors.New("registration: index out of range")

	// ErrNoChannel is returned when a named scalar channel does not exist.
	ErrNoChannel = errors.New("registration: no such scalar channel")
)

// ErrorKind classifies a failed registration.
type ErrorKind int

const (
	KindInvalidConfig ErrorKind = iota + 1
	KindInsufficientMemory
	KindDegenerateSolve
	KindSamplingFailure
	KindInvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidConfig:
		return "InvalidConfig"
	case KindInsufficientMemory:
		return "InsufficientMemory"
	case KindDegenerateSolve:
		return "DegenerateSolve"
	case KindSamplingFailure:
		return "SamplingFailure"
	case KindInvalidInput:
		return "InvalidInput"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// RegistrationError is the typed failure returned by Register and RegisterEntities.
type RegistrationError struct {
	Kind      ErrorKind
	Stage     string // "config", "sampling", "trim", "search", "solve", ...
	Iteration int    // iteration at which the failure happened, -1 before iterating
	Err       error
}

func (e *RegistrationError) Error() string {
	if e.Iteration >= 0 {
		return fmt.Sprintf("%s failed at iteration %d (%s): %v", e.Stage, e.Iteration, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// kindOf maps a sentinel found in err's chain to its kind.
func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidConfig):
		return KindInvalidConfig
	case errors.Is(err, ErrInsufficientMemory):
		return KindInsufficientMemory
	case errors.Is(err, ErrDegenerateSolve):
		return KindDegenerateSolve
	case errors.Is(err, ErrSamplingFailure):
		return KindSamplingFailure
	default:
		return KindInvalidInput
	}
}

func newRegistrationError(stage string, iteration int, err error) *RegistrationError {
	var re *RegistrationError
	if errors.As(err, &re) {
		return re
	}
	return &RegistrationError{
		Kind:      kindOf(err),
		Stage:     stage,
		Iteration: iteration,
		Err:       err,
	}
}
