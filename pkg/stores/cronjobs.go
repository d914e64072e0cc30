package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/froyobox/pkg/engine"
)

const cronjobColumns = `id, box_id, name, schedule, timezone, command, enabled,
	next_run_at, last_run_at, created_at, updated_at`

func scanCronjob(row rowScanner) (*engine.Cronjob, error) {
	job := &engine.Cronjob{}
	var nextRunAt, lastRunAt sql.NullTime
	err := row.Scan(
		&job.ID,
		&job.BoxID,
		&job.Name,
		&job.Schedule,
		&job.Timezone,
		&job.Command,
		&job.Enabled,
		&nextRunAt,
		&lastRunAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.NextRunAt = timePtr(nextRunAt)
	job.LastRunAt = timePtr(lastRunAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

// CreateCronjob inserts a cronjob. Names are unique per box.
func (s *SQLiteStore) CreateCronjob(ctx context.Context, job *engine.Cronjob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO cronjobs (` + cronjobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.BoxID,
		job.Name,
		job.Schedule,
		job.Timezone,
		job.Command,
		job.Enabled,
		nullTime(job.NextRunAt),
		nullTime(job.LastRunAt),
		job.CreatedAt,
		job.UpdatedAt,
	)
	switch {
	case isUniqueViolation(err, "cronjobs.name"):
		return engine.ValidationError("a cronjob named %q already exists", job.Name)
	case isUniqueViolation(err, ""):
		return engine.AlreadyExistsError("cronjob", job.ID)
	case err != nil:
		return engine.InternalError("failed to create cronjob", err)
	}
	return nil
}

// GetCronjob retrieves a cronjob by ID.
func (s *SQLiteStore) GetCronjob(ctx context.Context, id string) (*engine.Cronjob, error) {
	query := `SELECT ` + cronjobColumns + ` FROM cronjobs WHERE id = ?`

	job, err := scanCronjob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NotFoundError("cronjob", id)
	}
	if err != nil {
		return nil, engine.InternalError("failed to get cronjob", err)
	}
	return job, nil
}

// ListCronjobsByBox returns the cronjobs of a box ordered by name.
func (s *SQLiteStore) ListCronjobsByBox(ctx context.Context, boxID string) ([]*engine.Cronjob, error) {
	query := `SELECT ` + cronjobColumns + ` FROM cronjobs WHERE box_id = ? ORDER BY name`
	return s.queryCronjobs(ctx, query, boxID)
}

// ListEnabledCronjobs returns every enabled cronjob. Used to restore
// repeatable triggers at startup.
func (s *SQLiteStore) ListEnabledCronjobs(ctx context.Context) ([]*engine.Cronjob, error) {
	query := `SELECT ` + cronjobColumns + ` FROM cronjobs WHERE enabled = 1 ORDER BY created_at, id`
	return s.queryCronjobs(ctx, query)
}

func (s *SQLiteStore) queryCronjobs(ctx context.Context, query string, args ...interface{}) ([]*engine.Cronjob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.InternalError("failed to list cronjobs", err)
	}
	defer rows.Close()

	jobs := make([]*engine.Cronjob, 0)
	for rows.Next() {
		job, err := scanCronjob(rows)
		if err != nil {
			return nil, engine.InternalError("failed to scan cronjob", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.InternalError("failed to iterate cronjobs", err)
	}
	return jobs, nil
}

// UpdateCronjob persists the mutable fields of a cronjob.
func (s *SQLiteStore) UpdateCronjob(ctx context.Context, job *engine.Cronjob) error {
	job.UpdatedAt = s.now()
	query := `
		UPDATE cronjobs
		SET name = ?, schedule = ?, timezone = ?, command = ?, enabled = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		job.Name,
		job.Schedule,
		job.Timezone,
		job.Command,
		job.Enabled,
		nullTime(job.NextRunAt),
		job.UpdatedAt,
		job.ID,
	)
	if isUniqueViolation(err, "cronjobs.name") {
		return engine.ValidationError("a cronjob named %q already exists", job.Name)
	}
	if err != nil {
		return engine.InternalError("failed to update cronjob", err)
	}
	return expectOneRow(result, func() error { return engine.NotFoundError("cronjob", job.ID) })
}

// DeleteCronjob removes a cronjob together with its execution ledger.
func (s *SQLiteStore) DeleteCronjob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cronjobs WHERE id = ?`, id)
	if err != nil {
		return engine.InternalError("failed to delete cronjob", err)
	}
	return expectOneRow(result, func() error { return engine.NotFoundError("cronjob", id) })
}

// SetCronjobRun records an activation and the next computed run time.
func (s *SQLiteStore) SetCronjobRun(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error {
	query := `UPDATE cronjobs SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, lastRunAt.UTC(), nullTime(nextRunAt), s.now(), id)
	if err != nil {
		return engine.InternalError("failed to record cronjob run", err)
	}
	return expectOneRow(result, func() error { return engine.NotFoundError("cronjob", id) })
}

const executionColumns = `id, cronjob_id, status, exit_code, output, error, duration_ms, started_at, completed_at`

func scanExecution(row rowScanner) (*engine.CronjobExecution, error) {
	exec := &engine.CronjobExecution{}
	var (
		status      string
		exitCode    sql.NullInt64
		errMsg      sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(
		&exec.ID,
		&exec.CronjobID,
		&status,
		&exitCode,
		&exec.Output,
		&errMsg,
		&exec.DurationMS,
		&exec.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	exec.Status = engine.ExecutionStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		exec.ExitCode = &code
	}
	exec.Error = stringPtr(errMsg)
	exec.StartedAt = exec.StartedAt.UTC()
	exec.CompletedAt = timePtr(completedAt)
	return exec, nil
}

// CreateExecution appends an execution ledger entry.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *engine.CronjobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = engine.ExecutionStatusPending
	}
	if err := exec.Status.Validate(); err != nil {
		return engine.ValidationError("%v", err)
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = s.now()
	}

	query := `
		INSERT INTO cronjob_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.CronjobID,
		string(exec.Status),
		nullInt(exec.ExitCode),
		exec.Output,
		nullString(exec.Error),
		exec.DurationMS,
		exec.StartedAt.UTC(),
		nullTime(exec.CompletedAt),
	)
	if err != nil {
		return engine.InternalError("failed to create execution", err)
	}
	return nil
}

// UpdateExecution persists the outcome of an execution.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *engine.CronjobExecution) error {
	if err := exec.Status.Validate(); err != nil {
		return engine.ValidationError("%v", err)
	}

	query := `
		UPDATE cronjob_executions
		SET status = ?, exit_code = ?, output = ?, error = ?, duration_ms = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(exec.Status),
		nullInt(exec.ExitCode),
		exec.Output,
		nullString(exec.Error),
		exec.DurationMS,
		nullTime(exec.CompletedAt),
		exec.ID,
	)
	if err != nil {
		return engine.InternalError("failed to update execution", err)
	}
	return expectOneRow(result, func() error { return engine.NotFoundError("cronjob execution", exec.ID) })
}

// ListExecutions returns the most recent executions of a cronjob, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, cronjobID string, limit int) ([]*engine.CronjobExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + executionColumns + `
		FROM cronjob_executions
		WHERE cronjob_id = ?
		ORDER BY started_at DESC, id
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, cronjobID, limit)
	if err != nil {
		return nil, engine.InternalError("failed to list executions", err)
	}
	defer rows.Close()

	execs := make([]*engine.CronjobExecution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, engine.InternalError("failed to scan execution", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.InternalError("failed to iterate executions", err)
	}
	return execs, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
