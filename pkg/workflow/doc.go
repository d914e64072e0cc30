// Package workflow is an in-process, at-least-once DAG executor.
//
// A Graph of Nodes is submitted under a flow ID. Each node names a queue; the
// queue's registered Handler runs the node once every dependency has
// completed, and receives the dependencies' results. Retryable failures
// (see engine.IsRetryable) are retried with exponential backoff up to the
// node's attempt budget. A node that fails for good stops all of its
// transitive dependents. Handlers can stop their whole flow by returning
// ErrCancelFlow, and callers can stop a flow with Engine.Cancel.
//
// Repeatable triggers (AddRepeatable) use five-field cron expressions
// evaluated in a per-trigger timezone and submit a single-node flow on
// every activation.
package workflow
