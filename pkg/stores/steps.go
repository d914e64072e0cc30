package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/openfroyo/froyobox/pkg/engine"
)

const stepColumns = `id, box_id, deployment_attempt, step_key, step_order, status, message, output,
	started_at, completed_at, created_at, updated_at`

func scanStep(row rowScanner) (*engine.DeployStep, error) {
	step := &engine.DeployStep{}
	var (
		key         string
		status      string
		message     sql.NullString
		output      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&step.ID,
		&step.BoxID,
		&step.DeploymentAttempt,
		&key,
		&step.Order,
		&status,
		&message,
		&output,
		&startedAt,
		&completedAt,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	step.StepKey = engine.StepKey(key)
	step.Status = engine.StepStatus(status)
	step.Message = stringPtr(message)
	if output.Valid && output.String != "" {
		step.Output = json.RawMessage(output.String)
	}
	step.StartedAt = timePtr(startedAt)
	step.CompletedAt = timePtr(completedAt)
	step.CreatedAt = step.CreatedAt.UTC()
	step.UpdatedAt = step.UpdatedAt.UTC()
	return step, nil
}

// CreateStep inserts a pending ledger row. If a row already exists for the
// same box, attempt and key, that row is returned instead.
func (s *SQLiteStore) CreateStep(ctx context.Context, step *engine.DeployStep) (*engine.DeployStep, error) {
	if step.BoxID == "" || step.StepKey == "" || step.DeploymentAttempt < 1 {
		return nil, engine.ValidationError("step requires box_id, step_key and a positive deployment_attempt")
	}
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if step.Status == "" {
		step.Status = engine.StepStatusPending
	}
	if err := step.Status.Validate(); err != nil {
		return nil, engine.ValidationError("%v", err)
	}

	now := s.now()
	query := `
		INSERT INTO deploy_steps (` + stepColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (box_id, deployment_attempt, step_key) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		step.ID,
		step.BoxID,
		step.DeploymentAttempt,
		string(step.StepKey),
		step.Order,
		string(step.Status),
		nullString(step.Message),
		rawToNull(step.Output),
		nullTime(step.StartedAt),
		nullTime(step.CompletedAt),
		now,
		now,
	)
	if err != nil {
		return nil, engine.InternalError("failed to create step", err)
	}

	return s.GetStep(ctx, step.BoxID, step.DeploymentAttempt, step.StepKey)
}

// GetStep returns the ledger row for (box, attempt, key).
func (s *SQLiteStore) GetStep(ctx context.Context, boxID string, attempt int, key engine.StepKey) (*engine.DeployStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM deploy_steps
		WHERE box_id = ? AND deployment_attempt = ? AND step_key = ?
	`
	step, err := scanStep(s.db.QueryRowContext(ctx, query, boxID, attempt, string(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NotFoundError("deploy step", string(key))
	}
	if err != nil {
		return nil, engine.InternalError("failed to get step", err)
	}
	return step, nil
}

// UpdateStep applies a status transition to a ledger row. Moving to running
// stamps started_at once; moving to a terminal status stamps completed_at.
func (s *SQLiteStore) UpdateStep(ctx context.Context, id string, update engine.StepUpdate) error {
	if err := update.Status.Validate(); err != nil {
		return engine.ValidationError("%v", err)
	}

	now := s.now()
	var startedAt, completedAt sql.NullTime
	switch {
	case update.Status == engine.StepStatusRunning:
		startedAt = sql.NullTime{Time: now, Valid: true}
	case update.Status.IsTerminal():
		// A step that fails before it ever ran still gets a start time.
		startedAt = sql.NullTime{Time: now, Valid: true}
		completedAt = sql.NullTime{Time: now, Valid: true}
	}

	query := `
		UPDATE deploy_steps
		SET status = ?,
		    message = ?,
		    output = COALESCE(?, output),
		    started_at = COALESCE(started_at, ?),
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(update.Status),
		nullString(update.Message),
		rawToNull(update.Output),
		startedAt,
		completedAt,
		now,
		id,
	)
	if err != nil {
		return engine.InternalError("failed to update step", err)
	}
	return expectOneRow(result, func() error { return engine.NotFoundError("deploy step", id) })
}

// ListStepsByBox returns every ledger row of a box ordered by attempt, then
// step order.
func (s *SQLiteStore) ListStepsByBox(ctx context.Context, boxID string) ([]*engine.DeployStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM deploy_steps
		WHERE box_id = ?
		ORDER BY deployment_attempt, step_order, created_at
	`
	return s.querySteps(ctx, query, boxID)
}

// ListStepsByAttempt returns the ledger rows of one attempt ordered by step order.
func (s *SQLiteStore) ListStepsByAttempt(ctx context.Context, boxID string, attempt int) ([]*engine.DeployStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM deploy_steps
		WHERE box_id = ? AND deployment_attempt = ?
		ORDER BY step_order, created_at
	`
	return s.querySteps(ctx, query, boxID, attempt)
}

func (s *SQLiteStore) querySteps(ctx context.Context, query string, args ...interface{}) ([]*engine.DeployStep, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.InternalError("failed to list steps", err)
	}
	defer rows.Close()

	steps := make([]*engine.DeployStep, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, engine.InternalError("failed to scan step", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.InternalError("failed to iterate steps", err)
	}
	return steps, nil
}

func rawToNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
