package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/variomedb/variome/internal/model"
)

// CreateReviewItemParams describes one new curation work item.
type CreateReviewItemParams struct {
	EntityType   string
	EntityID     string
	Priority     model.ReviewPriority
	QualityScore *float64
	Issues       int
	Metadata     map[string]any
}

// CreateReviewItem inserts a pending review item. The partial unique index
// on open items enforces at most one pending row per entity; a second
// submit while one is open returns ErrDuplicateOpenItem.
func (db *DB) CreateReviewItem(ctx context.Context, p CreateReviewItemParams) (*model.ReviewQueueItem, error) {
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	if p.Priority == "" {
		p.Priority = model.PriorityMedium
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO review_queue
		 (entity_type, entity_id, status, priority, quality_score, issues, metadata)
		 VALUES ($1, $2, 'pending', $3, $4, $5, $6)
		 RETURNING id, entity_type, entity_id, status, priority, quality_score,
		           issues, metadata, created_at, last_updated`,
		p.EntityType, p.EntityID, p.Priority, p.QualityScore, p.Issues, p.Metadata,
	)
	item, err := scanReviewItem(row)
	if err != nil {
		if isUniqueViolation(err, "idx_review_queue_open") {
			return nil, ErrDuplicateOpenItem
		}
		return nil, fmt.Errorf("storage: create review item: %w", err)
	}
	return item, nil
}

// EscalateOpenReviewItem raises the open item for an entity to high priority
// and merges fresh conflict metadata into it. Returns the updated item, or
// ErrNotFound when no item is open for the entity.
func (db *DB) EscalateOpenReviewItem(ctx context.Context, entityType, entityID string, issues int, metadata map[string]any) (*model.ReviewQueueItem, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	row := db.pool.QueryRow(ctx,
		`UPDATE review_queue SET
		   priority = 'high',
		   issues = $3,
		   metadata = metadata || $4,
		   last_updated = now()
		 WHERE entity_type = $1 AND entity_id = $2 AND status = 'pending'
		 RETURNING id, entity_type, entity_id, status, priority, quality_score,
		           issues, metadata, created_at, last_updated`,
		entityType, entityID, issues, metadata,
	)
	item, err := scanReviewItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: escalate review item: %w", err)
	}
	return item, nil
}

// BulkTransitionReviewItems moves the given items to a terminal status.
// Only pending rows transition; already-closed or unknown ids are silently
// skipped, so repeated bulk calls converge instead of erroring. Returns the
// ids that actually transitioned.
func (db *DB) BulkTransitionReviewItems(ctx context.Context, ids []uuid.UUID, to model.ReviewStatus) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`UPDATE review_queue SET
		   status = $2,
		   last_updated = now()
		 WHERE id = ANY($1) AND status = 'pending'
		 RETURNING id`,
		ids, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: bulk transition review items: %w", err)
	}
	defer rows.Close()

	var updated []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan transitioned id: %w", err)
		}
		updated = append(updated, id)
	}
	return updated, rows.Err()
}

// GetReviewItem retrieves one review item by id.
func (db *DB) GetReviewItem(ctx context.Context, id uuid.UUID) (*model.ReviewQueueItem, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, entity_type, entity_id, status, priority, quality_score,
		        issues, metadata, created_at, last_updated
		 FROM review_queue WHERE id = $1`, id)
	item, err := scanReviewItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get review item: %w", err)
	}
	return item, nil
}

// ReviewFilters holds optional filters for review queue listing.
type ReviewFilters struct {
	EntityType *string
	Status     *model.ReviewStatus
	Priority   *model.ReviewPriority
}

// ListReviewItems retrieves review items for the curation queue endpoint:
// high priority first, then most recently touched.
func (db *DB) ListReviewItems(ctx context.Context, filters ReviewFilters, limit, offset int) ([]model.ReviewQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, entity_type, entity_id, status, priority, quality_score,
	                 issues, metadata, created_at, last_updated
	          FROM review_queue WHERE true`
	args := []any{}
	if filters.EntityType != nil {
		args = append(args, *filters.EntityType)
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	if filters.Status != nil {
		args = append(args, string(*filters.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.Priority != nil {
		args = append(args, string(*filters.Priority))
		query += fmt.Sprintf(" AND priority = $%d", len(args))
	}
	query += fmt.Sprintf(` ORDER BY CASE priority
	    WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END,
	    last_updated DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list review items: %w", err)
	}
	defer rows.Close()

	var items []model.ReviewQueueItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan review item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// CountReviewItems returns the number of items matching the filters.
func (db *DB) CountReviewItems(ctx context.Context, filters ReviewFilters) (int, error) {
	query := `SELECT COUNT(*) FROM review_queue WHERE true`
	args := []any{}
	if filters.EntityType != nil {
		args = append(args, *filters.EntityType)
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	if filters.Status != nil {
		args = append(args, string(*filters.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.Priority != nil {
		args = append(args, string(*filters.Priority))
		query += fmt.Sprintf(" AND priority = $%d", len(args))
	}

	var n int
	if err := db.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count review items: %w", err)
	}
	return n, nil
}

func scanReviewItem(row pgx.Row) (*model.ReviewQueueItem, error) {
	var item model.ReviewQueueItem
	if err := row.Scan(
		&item.ID, &item.EntityType, &item.EntityID, &item.Status,
		&item.Priority, &item.QualityScore, &item.Issues, &item.Metadata,
		&item.CreatedAt, &item.LastUpdated,
	); err != nil {
		return nil, err
	}
	return &item, nil
}
