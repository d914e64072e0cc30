// Package cronjobs schedules recurring shell commands on boxes.
//
// Each enabled cronjob owns one repeatable trigger in the workflow engine,
// keyed by "cronjob:<id>". Create, Update, Toggle and Delete always remove
// the existing trigger before registering a new one, so a trigger never
// outlives the definition it was built from. Activations run through the
// compute provider and are recorded in a separate execution ledger; an
// activation on a box that is not running is recorded as failed.
package cronjobs
