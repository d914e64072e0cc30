package stores

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/openfroyo/froyobox/pkg/engine"
)

// AppendAudit records an audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *engine.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if entry.Details == nil {
		entry.Details = map[string]string{}
	}

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return engine.InternalError("failed to encode audit details", err)
	}

	query := `
		INSERT INTO audit (id, timestamp, actor, action, entity, entity_id, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Timestamp.UTC(),
		entry.Actor,
		entry.Action,
		entry.Entity,
		entry.EntityID,
		string(details),
	)
	if err != nil {
		return engine.InternalError("failed to append audit entry", err)
	}
	return nil
}

// ListAudit returns the audit trail of an entity, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, entityID string, limit int) ([]*engine.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, timestamp, actor, action, entity, entity_id, details
		FROM audit
		WHERE entity_id = ?
		ORDER BY timestamp DESC, id
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, entityID, limit)
	if err != nil {
		return nil, engine.InternalError("failed to list audit entries", err)
	}
	defer rows.Close()

	entries := make([]*engine.AuditEntry, 0)
	for rows.Next() {
		entry := &engine.AuditEntry{}
		var details string
		if err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.Actor,
			&entry.Action,
			&entry.Entity,
			&entry.EntityID,
			&details,
		); err != nil {
			return nil, engine.InternalError("failed to scan audit entry", err)
		}
		entry.Timestamp = entry.Timestamp.UTC()
		if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
			return nil, engine.InternalError("failed to decode audit details", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.InternalError("failed to iterate audit entries", err)
	}
	return entries, nil
}
