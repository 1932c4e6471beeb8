package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

// State is the orchestrator lifecycle state.
type State string

const (
	// StateIdle means no apply is in flight.
	StateIdle State = "idle"

	// StateApplying means an apply call is in flight.
	StateApplying State = "applying"
)

// RunStatus is the terminal outcome of one install or update run.
type RunStatus string

const (
	// RunStatusRunning indicates the run has been recorded but not finished.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every missing resource was created.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusNoChanges indicates the remote taxonomy was already complete.
	RunStatusNoChanges RunStatus = "no_changes"

	// RunStatusRolledBack indicates a creation failed and the run's
	// creations were deleted again.
	RunStatusRolledBack RunStatus = "rolled_back"

	// RunStatusPartial indicates a rollback that left orphaned resources.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates the run failed before any write, for example
	// on an unavailable gateway or a policy denial.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusNoChanges ||
		s == RunStatusRolledBack || s == RunStatusPartial || s == RunStatusFailed
}

// IsSuccess returns true if the run left the remote taxonomy complete.
func (s RunStatus) IsSuccess() bool {
	return s == RunStatusSucceeded || s == RunStatusNoChanges
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusNoChanges,
		RunStatusRolledBack, RunStatusPartial, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := RunStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// StatusOf derives the run status from an install or update outcome.
func StatusOf(hasChanges bool, err error) RunStatus {
	var rb *RollbackError
	switch {
	case errors.As(err, &rb) && rb.Partial():
		return RunStatusPartial
	case errors.As(err, &rb):
		return RunStatusRolledBack
	case err != nil:
		return RunStatusFailed
	case !hasChanges:
		return RunStatusNoChanges
	default:
		return RunStatusSucceeded
	}
}
