// Package stores provides the persistence layer for froyobox.
//
// SQLiteStore keeps boxes, the deploy step ledger, cronjobs with their
// execution ledger, and the audit trail in a single SQLite database
// (pure Go driver, WAL mode). Schema changes are applied with embedded
// golang-migrate migrations.
//
// Box status changes are conditional updates: a write scoped to a
// deployment attempt only applies while the box is still deploying that
// attempt, so a stale workflow job can never overwrite a newer attempt or
// resurrect a deleted box.
package stores
