// Package deploy turns a box into a running instance.
//
// A deployment attempt is a DAG of steps built by Layout from the box's
// skills and the catalog's setup steps:
//
//	create-instance -> setup:<name>... -> health-check
//	    -> install-skill:<id>... -> skills-gate -> enable-access -> finalize
//
// The Orchestrator validates a deploy request, moves the box to deploying
// and submits the DAG to the workflow engine. Each node is handled by a
// step function wrapped with the same protocol: check that the box is still
// live for the attempt, claim the ledger row (or return its recorded
// output), perform one idempotent provider action, record the outcome.
//
// The box status is the source of truth. A final step failure moves the box
// to error with a message naming the step; finalize moves it to running.
// A handler that finds its box deleted or redeployed cancels its flow
// without writing anything; a step interrupted mid-flight by that
// cancellation closes its ledger row as failed.
package deploy
