package orchestrator

import (
	"errors"
	"fmt"

	"sourcewatch/types"
)

var (
	// ErrRunInProgress is returned when a run is triggered while another is
	// still running.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrCancelled is returned when the trigger context ends before the run
	// commits.
	ErrCancelled = errors.New("run cancelled")
)

// OrchestrationFailure aborts a run. Committed counts the records that were
// persisted before the abort.
type OrchestrationFailure struct {
	Stage     types.State
	Committed int
	Err       error
}

func (e *OrchestrationFailure) Error() string {
	return fmt.Sprintf("run failed at %s (%d records committed): %v", e.Stage, e.Committed, e.Err)
}

func (e *OrchestrationFailure) Unwrap() error { return e.Err }
