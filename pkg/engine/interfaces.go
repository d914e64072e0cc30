package engine

import (
	"context"
	"time"
)

// BoxRegistry is the persistent record of boxes. Every status change goes
// through it and is checked against the box status transition graph.
type BoxRegistry interface {
	// CreateBox inserts a new box. Subdomain collisions return ALREADY_EXISTS.
	CreateBox(ctx context.Context, box *Box) error

	// GetBox returns a box by ID, including deleted boxes. Missing boxes
	// return NOT_FOUND.
	GetBox(ctx context.Context, id string) (*Box, error)

	// ListBoxesByOwner returns the non-deleted boxes of an owner, newest first.
	ListBoxesByOwner(ctx context.Context, ownerID string) ([]*Box, error)

	// UpdateBoxStatus moves a box to status. A non-nil errorMessage is stored;
	// nil clears it when moving to deploying or running and keeps it otherwise.
	UpdateBoxStatus(ctx context.Context, id string, status BoxStatus, errorMessage *string) error

	// BeginDeployment atomically moves a pending or error box to deploying,
	// clears the error message, and increments the attempt when coming from
	// error. It returns the updated box.
	BeginDeployment(ctx context.Context, id string) (*Box, error)

	// SetInstance records the provider handle of a box for the given attempt.
	SetInstance(ctx context.Context, id string, attempt int, handle string) error

	// FinalizeBox moves a deploying box of the given attempt to running and
	// stores the public URL.
	FinalizeBox(ctx context.Context, id string, attempt int, url string) error

	// FailDeployment moves a deploying box of the given attempt to error.
	// It is a no-op when the box has moved on.
	FailDeployment(ctx context.Context, id string, attempt int, message string) error

	// MarkBoxDeleted moves a box to deleted from any status.
	MarkBoxDeleted(ctx context.Context, id string) (*Box, error)
}

// StepLedger is the append-only record of deploy steps.
type StepLedger interface {
	// CreateStep inserts a pending row, or returns the existing row for the
	// same (box, attempt, key).
	CreateStep(ctx context.Context, step *DeployStep) (*DeployStep, error)

	// GetStep returns the row for (box, attempt, key).
	GetStep(ctx context.Context, boxID string, attempt int, key StepKey) (*DeployStep, error)

	// UpdateStep applies a status transition to a row.
	UpdateStep(ctx context.Context, id string, update StepUpdate) error

	// ListStepsByBox returns all rows of a box ordered by attempt then order.
	ListStepsByBox(ctx context.Context, boxID string) ([]*DeployStep, error)

	// ListStepsByAttempt returns the rows of one attempt ordered by order.
	ListStepsByAttempt(ctx context.Context, boxID string, attempt int) ([]*DeployStep, error)
}

// CronjobStore persists cronjobs and their execution ledger.
type CronjobStore interface {
	CreateCronjob(ctx context.Context, job *Cronjob) error
	GetCronjob(ctx context.Context, id string) (*Cronjob, error)
	ListCronjobsByBox(ctx context.Context, boxID string) ([]*Cronjob, error)
	ListEnabledCronjobs(ctx context.Context) ([]*Cronjob, error)
	UpdateCronjob(ctx context.Context, job *Cronjob) error
	DeleteCronjob(ctx context.Context, id string) error
	SetCronjobRun(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error

	CreateExecution(ctx context.Context, exec *CronjobExecution) error
	UpdateExecution(ctx context.Context, exec *CronjobExecution) error
	ListExecutions(ctx context.Context, cronjobID string, limit int) ([]*CronjobExecution, error)
}

// AuditLog records user-visible changes.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, entityID string, limit int) ([]*AuditEntry, error)
}
