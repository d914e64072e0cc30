package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrCancelFlow is returned by a handler to stop its flow. Nodes already
// running are cancelled and no further nodes are started. The flow ends in
// FlowStatusCancelled rather than failed.
var ErrCancelFlow = errors.New("workflow: flow cancelled by handler")

// Node is one unit of work in a submitted graph.
type Node struct {
	// ID is unique within the graph.
	ID string `json:"id"`

	// Queue selects the registered handler and its concurrency bound.
	Queue string `json:"queue"`

	// Data is the opaque job payload handed to the handler.
	Data json.RawMessage `json:"data,omitempty"`

	// DependsOn lists node IDs that must complete before this node runs.
	DependsOn []string `json:"depends_on,omitempty"`

	// MaxAttempts overrides the engine default when positive.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Timeout bounds a single attempt when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Graph is a flow submission.
type Graph struct {
	// FlowID identifies the flow. At most one active flow per ID.
	FlowID string `json:"flow_id"`

	Nodes []Node `json:"nodes"`
}

// Job is what a handler receives for one attempt of a node.
type Job struct {
	FlowID      string
	NodeID      string
	Queue       string
	Data        json.RawMessage
	Attempt     int
	MaxAttempts int

	// DependencyResults holds the results of the node's direct dependencies,
	// keyed by node ID.
	DependencyResults map[string]json.RawMessage
}

// IsFinalAttempt reports whether a failure of this attempt is final.
func (j *Job) IsFinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Handler processes one job attempt. Returning an error that
// engine.IsRetryable accepts schedules another attempt while attempts remain.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// NodeStatus is the execution status of a node within a flow.
type NodeStatus string

const (
	NodeStatusWaiting   NodeStatus = "waiting"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusCancelled NodeStatus = "cancelled"
)

// IsTerminal returns true if the node will not run again.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed ||
		s == NodeStatusSkipped || s == NodeStatusCancelled
}

// FlowStatus is the overall status of a flow.
type FlowStatus string

const (
	FlowStatusRunning   FlowStatus = "running"
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusFailed    FlowStatus = "failed"
	FlowStatusCancelled FlowStatus = "cancelled"
)

// IsTerminal returns true if the flow has finished.
func (s FlowStatus) IsTerminal() bool {
	return s != FlowStatusRunning
}

// NodeState is a snapshot of one node.
type NodeState struct {
	ID       string          `json:"id"`
	Queue    string          `json:"queue"`
	Status   NodeStatus      `json:"status"`
	Attempts int             `json:"attempts"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// FlowState is a snapshot of a flow.
type FlowState struct {
	ID          string                `json:"id"`
	Status      FlowStatus            `json:"status"`
	Nodes       map[string]*NodeState `json:"nodes"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`

	// Err is the first node failure, if any.
	Err error `json:"-"`
}
