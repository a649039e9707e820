package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/variomedb/variome/internal/model"
)

// RecordAudit appends one audit event. The log is append-only; there is no
// update or delete path.
func (db *DB) RecordAudit(ctx context.Context, action, entityType, entityID, actor string, details map[string]any) (uuid.UUID, error) {
	if details == nil {
		details = map[string]any{}
	}
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`INSERT INTO audit_events (action, entity_type, entity_id, actor, details)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		action, entityType, entityID, actor, details,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: record audit event: %w", err)
	}
	return id, nil
}

// ListAuditEvents retrieves the audit trail for one entity, newest first.
func (db *DB) ListAuditEvents(ctx context.Context, entityType, entityID string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, action, entity_type, entity_id, actor, details, created_at
		 FROM audit_events
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		entityType, entityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		if err := rows.Scan(
			&ev.ID, &ev.Action, &ev.EntityType, &ev.EntityID,
			&ev.Actor, &ev.Details, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
