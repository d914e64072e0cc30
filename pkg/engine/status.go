package engine

import (
	"encoding/json"
	"fmt"
)

// BoxStatus represents the lifecycle status of a box.
type BoxStatus string

const (
	// BoxStatusPending indicates the box is registered but never deployed.
	BoxStatusPending BoxStatus = "pending"

	// BoxStatusDeploying indicates a deployment attempt is in flight.
	BoxStatusDeploying BoxStatus = "deploying"

	// BoxStatusRunning indicates the box is deployed and reachable.
	BoxStatusRunning BoxStatus = "running"

	// BoxStatusStopped indicates the box was stopped after running.
	BoxStatusStopped BoxStatus = "stopped"

	// BoxStatusError indicates the last deployment attempt failed.
	BoxStatusError BoxStatus = "error"

	// BoxStatusDeleted indicates the box was deleted. Terminal.
	BoxStatusDeleted BoxStatus = "deleted"
)

// boxTransitions is the allowed transition graph. Deleted is reachable from
// every status and is handled separately in CanTransitionTo.
var boxTransitions = map[BoxStatus][]BoxStatus{
	BoxStatusPending:   {BoxStatusDeploying},
	BoxStatusError:     {BoxStatusDeploying},
	BoxStatusDeploying: {BoxStatusRunning, BoxStatusError},
	BoxStatusRunning:   {BoxStatusStopped},
}

// CanTransitionTo reports whether a box in status s may move to next.
func (s BoxStatus) CanTransitionTo(next BoxStatus) bool {
	if s == BoxStatusDeleted {
		return false
	}
	if next == BoxStatusDeleted {
		return true
	}
	for _, allowed := range boxTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status is final.
func (s BoxStatus) IsTerminal() bool {
	return s == BoxStatusDeleted
}

// IsDeployable returns true if a new deployment attempt may start.
func (s BoxStatus) IsDeployable() bool {
	return s == BoxStatusPending || s == BoxStatusError
}

// Validate checks if the box status is valid.
func (s BoxStatus) Validate() error {
	switch s {
	case BoxStatusPending, BoxStatusDeploying, BoxStatusRunning,
		BoxStatusStopped, BoxStatusError, BoxStatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid box status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s BoxStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *BoxStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = BoxStatus(str)
	return s.Validate()
}

// StepStatus represents the status of a deploy step ledger row.
type StepStatus string

const (
	// StepStatusPending indicates the step row exists but the handler has not started.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the handler is executing the step.
	StepStatusRunning StepStatus = "running"

	// StepStatusCompleted indicates the step succeeded.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed indicates the step failed.
	StepStatusFailed StepStatus = "failed"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted, StepStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}

// ExecutionStatus represents the status of a single cronjob execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal returns true if the execution status represents a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning,
		ExecutionStatusCompleted, ExecutionStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}
