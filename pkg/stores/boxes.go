package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/froyobox/pkg/engine"
)

const boxColumns = `id, name, subdomain, status, provider, instance_handle, instance_url,
	error_message, deployment_attempt, skills, owner_id, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBox(row rowScanner) (*engine.Box, error) {
	box := &engine.Box{}
	var (
		status    string
		errMsg    sql.NullString
		skills    string
		deletedAt sql.NullTime
	)
	err := row.Scan(
		&box.ID,
		&box.Name,
		&box.Subdomain,
		&status,
		&box.Provider,
		&box.InstanceHandle,
		&box.InstanceURL,
		&errMsg,
		&box.DeploymentAttempt,
		&skills,
		&box.OwnerID,
		&box.CreatedAt,
		&box.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	box.Status = engine.BoxStatus(status)
	box.ErrorMessage = stringPtr(errMsg)
	box.DeletedAt = timePtr(deletedAt)
	box.CreatedAt = box.CreatedAt.UTC()
	box.UpdatedAt = box.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(skills), &box.Skills); err != nil {
		return nil, fmt.Errorf("failed to decode skills: %w", err)
	}
	if box.Skills == nil {
		box.Skills = []string{}
	}
	return box, nil
}

// CreateBox inserts a new box.
func (s *SQLiteStore) CreateBox(ctx context.Context, box *engine.Box) error {
	if box.Skills == nil {
		box.Skills = []string{}
	}
	skills, err := json.Marshal(box.Skills)
	if err != nil {
		return engine.InternalError("failed to encode skills", err)
	}

	now := s.now()
	if box.CreatedAt.IsZero() {
		box.CreatedAt = now
	}
	box.UpdatedAt = now
	if box.Status == "" {
		box.Status = engine.BoxStatusPending
	}
	if box.DeploymentAttempt == 0 {
		box.DeploymentAttempt = 1
	}

	query := `
		INSERT INTO boxes (` + boxColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		box.ID,
		box.Name,
		box.Subdomain,
		string(box.Status),
		box.Provider,
		box.InstanceHandle,
		box.InstanceURL,
		nullString(box.ErrorMessage),
		box.DeploymentAttempt,
		string(skills),
		box.OwnerID,
		box.CreatedAt,
		box.UpdatedAt,
		nullTime(box.DeletedAt),
	)
	switch {
	case isUniqueViolation(err, "boxes.subdomain"):
		return engine.AlreadyExistsError("subdomain", box.Subdomain)
	case isUniqueViolation(err, "boxes.name"):
		return engine.ValidationError("a box named %q already exists", box.Name)
	case isUniqueViolation(err, ""):
		return engine.AlreadyExistsError("box", box.ID)
	case err != nil:
		return engine.InternalError("failed to create box", err)
	}

	return nil
}

// GetBox retrieves a box by ID.
func (s *SQLiteStore) GetBox(ctx context.Context, id string) (*engine.Box, error) {
	return s.getBox(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) getBox(ctx context.Context, q querier, id string) (*engine.Box, error) {
	query := `SELECT ` + boxColumns + ` FROM boxes WHERE id = ?`

	box, err := scanBox(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NotFoundError("box", id)
	}
	if err != nil {
		return nil, engine.InternalError("failed to get box", err)
	}
	return box, nil
}

// ListBoxesByOwner returns the non-deleted boxes of an owner, newest first.
func (s *SQLiteStore) ListBoxesByOwner(ctx context.Context, ownerID string) ([]*engine.Box, error) {
	query := `
		SELECT ` + boxColumns + `
		FROM boxes
		WHERE owner_id = ? AND status != 'deleted'
		ORDER BY created_at DESC, id
	`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, engine.InternalError("failed to list boxes", err)
	}
	defer rows.Close()

	boxes := make([]*engine.Box, 0)
	for rows.Next() {
		box, err := scanBox(rows)
		if err != nil {
			return nil, engine.InternalError("failed to scan box", err)
		}
		boxes = append(boxes, box)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.InternalError("failed to iterate boxes", err)
	}

	return boxes, nil
}

// UpdateBoxStatus moves a box to status, enforcing the transition graph.
func (s *SQLiteStore) UpdateBoxStatus(ctx context.Context, id string, status engine.BoxStatus, errorMessage *string) error {
	if err := status.Validate(); err != nil {
		return engine.ValidationError("%v", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		box, err := s.getBox(ctx, tx, id)
		if err != nil {
			return err
		}
		if !box.Status.CanTransitionTo(status) {
			return engine.InvalidStatusError(id, box.Status, status)
		}

		msg := nullString(errorMessage)
		if errorMessage == nil && status != engine.BoxStatusDeploying && status != engine.BoxStatusRunning {
			msg = nullString(box.ErrorMessage)
		}

		now := s.now()
		var deletedAt sql.NullTime
		if status == engine.BoxStatusDeleted {
			deletedAt = sql.NullTime{Time: now, Valid: true}
		}

		query := `
			UPDATE boxes
			SET status = ?, error_message = ?, updated_at = ?, deleted_at = COALESCE(deleted_at, ?)
			WHERE id = ? AND status = ?
		`
		result, err := tx.ExecContext(ctx, query, string(status), msg, now, deletedAt, id, string(box.Status))
		if err != nil {
			return engine.InternalError("failed to update box status", err)
		}
		return expectOneRow(result, func() error { return engine.InvalidStatusError(id, box.Status, status) })
	})
}

// BeginDeployment atomically moves a pending or error box to deploying.
// Coming from error increments the deployment attempt.
func (s *SQLiteStore) BeginDeployment(ctx context.Context, id string) (*engine.Box, error) {
	var box *engine.Box
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE boxes
			SET status = 'deploying',
			    deployment_attempt = deployment_attempt + CASE WHEN status = 'error' THEN 1 ELSE 0 END,
			    error_message = NULL,
			    instance_url = '',
			    updated_at = ?
			WHERE id = ? AND status IN ('pending', 'error')
		`
		result, err := tx.ExecContext(ctx, query, s.now(), id)
		if err != nil {
			return engine.InternalError("failed to begin deployment", err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return engine.InternalError("failed to get rows affected", err)
		}

		current, err := s.getBox(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return engine.InvalidStatusError(id, current.Status, engine.BoxStatusDeploying)
		}
		box = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return box, nil
}

// SetInstance records the provider handle for the given attempt.
func (s *SQLiteStore) SetInstance(ctx context.Context, id string, attempt int, handle string) error {
	query := `
		UPDATE boxes
		SET instance_handle = ?, updated_at = ?
		WHERE id = ? AND deployment_attempt = ? AND status = 'deploying'
	`
	result, err := s.db.ExecContext(ctx, query, handle, s.now(), id, attempt)
	if err != nil {
		return engine.InternalError("failed to set instance", err)
	}
	return expectOneRow(result, func() error { return s.staleAttemptError(ctx, id, engine.BoxStatusDeploying) })
}

// FinalizeBox moves a deploying box of the given attempt to running.
func (s *SQLiteStore) FinalizeBox(ctx context.Context, id string, attempt int, url string) error {
	query := `
		UPDATE boxes
		SET status = 'running', instance_url = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND deployment_attempt = ? AND status = 'deploying'
	`
	result, err := s.db.ExecContext(ctx, query, url, s.now(), id, attempt)
	if err != nil {
		return engine.InternalError("failed to finalize box", err)
	}
	return expectOneRow(result, func() error { return s.staleAttemptError(ctx, id, engine.BoxStatusRunning) })
}

// FailDeployment moves a deploying box of the given attempt to error. It is
// a no-op when the box was deleted or moved to another attempt.
func (s *SQLiteStore) FailDeployment(ctx context.Context, id string, attempt int, message string) error {
	query := `
		UPDATE boxes
		SET status = 'error', error_message = ?, updated_at = ?
		WHERE id = ? AND deployment_attempt = ? AND status = 'deploying'
	`
	if _, err := s.db.ExecContext(ctx, query, message, s.now(), id, attempt); err != nil {
		return engine.InternalError("failed to record deployment failure", err)
	}
	return nil
}

// MarkBoxDeleted moves a box to deleted from any status. Deleting a deleted
// box returns it unchanged.
func (s *SQLiteStore) MarkBoxDeleted(ctx context.Context, id string) (*engine.Box, error) {
	var box *engine.Box
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		query := `
			UPDATE boxes
			SET status = 'deleted', deleted_at = ?, updated_at = ?
			WHERE id = ? AND status != 'deleted'
		`
		if _, err := tx.ExecContext(ctx, query, now, now, id); err != nil {
			return engine.InternalError("failed to delete box", err)
		}

		current, err := s.getBox(ctx, tx, id)
		if err != nil {
			return err
		}
		box = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return box, nil
}

// staleAttemptError explains why an attempt-scoped update matched no row.
func (s *SQLiteStore) staleAttemptError(ctx context.Context, id string, to engine.BoxStatus) error {
	box, err := s.GetBox(ctx, id)
	if err != nil {
		return err
	}
	return engine.InvalidStatusError(id, box.Status, to).
		WithDetail("deployment_attempt", box.DeploymentAttempt)
}

func expectOneRow(result sql.Result, onZero func() error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return engine.InternalError("failed to get rows affected", err)
	}
	if n == 0 {
		return onZero()
	}
	return nil
}
