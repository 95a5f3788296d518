package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrLaunch          = errors.New("process could not be launched")
	ErrEngine          = errors.New("container engine error")
	ErrEngineDown      = errors.New("container engine unavailable")
	ErrSlotUnavailable = errors.New("sandbox slot unavailable")
	ErrInvalidRequest  = errors.New("invalid sandbox request")
)

// ExecutionError wraps errors with job context.
type ExecutionError struct {
	JobID string
	Op    string // The operation that failed
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job %s: %s: %s", e.JobID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsSystemFault returns true for failures of the sandbox itself, as opposed
// to the submitted program failing.
func IsSystemFault(err error) bool {
	return errors.Is(err, ErrLaunch) ||
		errors.Is(err, ErrEngine) ||
		errors.Is(err, ErrEngineDown) ||
		errors.Is(err, ErrSlotUnavailable)
}
