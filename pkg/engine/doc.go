// Package engine provides the core types and interfaces of the froyobox
// deployment engine.
//
// # Overview
//
// A box is a sandboxed compute instance owned by a user. Deploying a box runs
// a fixed-shape DAG of steps against a compute provider:
//
//	create-instance -> setup:* (chain) -> health-check
//	    -> install-skill:* (fan-out) -> skills-gate -> enable-access -> finalize
//
// Each step is recorded in the step ledger, keyed by
// (box, deployment attempt, step key). The box status is the single source of
// truth for the deployment:
//
//	pending|error -> deploying -> running|error
//	running -> stopped
//	* -> deleted
//
// # Errors
//
// All failures surfaced to callers are EngineError values carrying a code
// (VALIDATION_FAILED, NOT_FOUND, ALREADY_EXISTS, INVALID_STATUS,
// PROVIDER_ERROR, TIMEOUT, INTERNAL_ERROR) and a class. The class drives
// retry decisions in the workflow engine:
//
//	if engine.IsRetryable(err) {
//	    // transient, throttled or conflict: retry with backoff
//	}
//
// # Storage
//
// BoxRegistry, StepLedger, CronjobStore and AuditLog are implemented by
// pkg/stores on SQLite.
package engine
