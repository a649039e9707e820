package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/variomedb/variome/internal/model"
)

// Retry backoff bounds for failed extraction attempts. The delay doubles per
// attempt (2^attempts seconds) and is capped so a long outage cannot push
// retries out indefinitely.
const (
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// EnqueueParams describes one extraction job to enqueue.
type EnqueueParams struct {
	PublicationID         uuid.UUID
	ExternalPublicationID *string
	SourceID              string
	IngestionJobID        uuid.UUID
	Metadata              map[string]any
}

// Enqueue inserts or reuses an extraction queue item for a
// (publication, source) pair. Idempotent: if a pending or processing item
// already exists at the pair's current extraction version, its id is
// returned unchanged with created=false. If the latest row is terminal
// (completed or failed) or no row exists, a fresh row is inserted at
// max(version)+1. Terminal rows are never mutated, which keeps versions
// strictly monotonic per pair.
func (db *DB) Enqueue(ctx context.Context, p EnqueueParams) (id uuid.UUID, created bool, err error) {
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: enqueue begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the pair's latest row so concurrent enqueues for the same pair
	// serialize; the unique (publication, source, version) index is the
	// second line of defense.
	var (
		latestID      uuid.UUID
		latestStatus  model.QueueStatus
		latestVersion int
	)
	err = tx.QueryRow(ctx,
		`SELECT id, status, extraction_version
		 FROM extraction_queue
		 WHERE publication_id = $1 AND source_id = $2
		 ORDER BY extraction_version DESC
		 LIMIT 1
		 FOR UPDATE`,
		p.PublicationID, p.SourceID,
	).Scan(&latestID, &latestStatus, &latestVersion)

	nextVersion := 1
	switch {
	case err == nil:
		if !latestStatus.Terminal() {
			return latestID, false, nil // existing in-flight item, nothing to do
		}
		nextVersion = latestVersion + 1
	case errors.Is(err, pgx.ErrNoRows):
		// First extraction for this pair.
	default:
		return uuid.Nil, false, fmt.Errorf("storage: enqueue lookup: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO extraction_queue
		 (publication_id, external_publication_id, source_id, ingestion_job_id,
		  status, extraction_version, metadata)
		 VALUES ($1, $2, $3, $4, 'pending', $5, $6)
		 RETURNING id`,
		p.PublicationID, p.ExternalPublicationID, p.SourceID, p.IngestionJobID,
		nextVersion, p.Metadata,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: enqueue insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: enqueue commit: %w", err)
	}
	return id, true, nil
}

// ClaimNext atomically claims the oldest claimable pending item for workerID:
// status moves to processing, started_at is stamped, and attempts increments.
// Rows under a retry backoff (next_attempt_at in the future) are skipped.
// Returns (nil, nil) when the queue is empty rather than an error; callers poll.
//
// The inner SELECT uses FOR UPDATE SKIP LOCKED so concurrent workers never
// claim the same row.
func (db *DB) ClaimNext(ctx context.Context, workerID string) (*model.ExtractionQueueItem, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE extraction_queue SET
		   status = 'processing',
		   started_at = now(),
		   attempts = attempts + 1,
		   claimed_by = $1,
		   updated_at = now()
		 WHERE id = (
		   SELECT id FROM extraction_queue
		   WHERE status = 'pending'
		     AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		   ORDER BY queued_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+queueColumns,
		workerID,
	)

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: claim next: %w", err)
	}
	return item, nil
}

// ExtractionOutcome is the payload written when a queue item completes.
type ExtractionOutcome struct {
	Status            model.ExtractionStatus // completed | skipped
	ProcessorName     string
	ProcessorVersion  *string
	TextSource        string
	DocumentReference *string
	Facts             []model.Fact
	Metadata          map[string]any
}

// CompleteItem transitions a queue item to completed and writes its
// PublicationExtraction outcome in the same transaction.
//
// Terminal-idempotent: if the item is already completed or failed, nothing
// happens and no duplicate outcome row is written. This makes crash-recovery
// re-claims safe: the second completion after a mid-write crash is a no-op.
func (db *DB) CompleteItem(ctx context.Context, itemID uuid.UUID, outcome ExtractionOutcome) error {
	if outcome.Facts == nil {
		outcome.Facts = []model.Fact{}
	}
	if outcome.Metadata == nil {
		outcome.Metadata = map[string]any{}
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("storage: complete begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		pubID, jobID uuid.UUID
		sourceID     string
		version      int
	)
	err = tx.QueryRow(ctx,
		`UPDATE extraction_queue SET
		   status = 'completed',
		   completed_at = now(),
		   next_attempt_at = NULL,
		   updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed')
		 RETURNING publication_id, ingestion_job_id, source_id, extraction_version`,
		itemID,
	).Scan(&pubID, &jobID, &sourceID, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // already terminal
		}
		return fmt.Errorf("storage: complete transition: %w", err)
	}

	// One outcome per queue item; ON CONFLICT guards the race where a
	// reclaimed duplicate of the same item finished first.
	_, err = tx.Exec(ctx,
		`INSERT INTO publication_extractions
		 (publication_id, source_id, ingestion_job_id, queue_item_id, status,
		  extraction_version, processor_name, processor_version, text_source,
		  document_reference, facts, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (queue_item_id) DO NOTHING`,
		pubID, sourceID, jobID, itemID, string(outcome.Status),
		version, outcome.ProcessorName, outcome.ProcessorVersion, outcome.TextSource,
		outcome.DocumentReference, outcome.Facts, outcome.Metadata,
	)
	if err != nil {
		return fmt.Errorf("storage: write extraction outcome: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: complete commit: %w", err)
	}
	return nil
}

// FailParams describes one failed extraction attempt.
type FailParams struct {
	ItemID      uuid.UUID
	Error       string
	Permanent   bool // extractor flagged the failure as non-retryable
	MaxAttempts int
}

// FailItem records a failed attempt. Permanent failures, and transient
// failures that have exhausted MaxAttempts, terminate the item as failed.
// Otherwise the item reverts to pending with an exponential next_attempt_at
// backoff, eligible for re-claim once the backoff elapses. The applied
// backoff is also recorded in metadata for operator visibility.
//
// Terminal-idempotent like CompleteItem.
func (db *DB) FailItem(ctx context.Context, p FailParams) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("storage: fail begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempts int
	err = tx.QueryRow(ctx,
		`SELECT attempts FROM extraction_queue
		 WHERE id = $1 AND status NOT IN ('completed', 'failed')
		 FOR UPDATE`,
		p.ItemID,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // already terminal
		}
		return fmt.Errorf("storage: fail lookup: %w", err)
	}

	if p.Permanent || attempts >= p.MaxAttempts {
		_, err = tx.Exec(ctx,
			`UPDATE extraction_queue SET
			   status = 'failed',
			   last_error = $2,
			   completed_at = now(),
			   next_attempt_at = NULL,
			   updated_at = now()
			 WHERE id = $1`,
			p.ItemID, p.Error,
		)
	} else {
		backoff := backoffFor(attempts)
		_, err = tx.Exec(ctx,
			`UPDATE extraction_queue SET
			   status = 'pending',
			   last_error = $2,
			   next_attempt_at = now() + $3,
			   metadata = metadata || jsonb_build_object('last_backoff', $4::text),
			   updated_at = now()
			 WHERE id = $1`,
			p.ItemID, p.Error, backoff, backoff.String(),
		)
	}
	if err != nil {
		return fmt.Errorf("storage: fail transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: fail commit: %w", err)
	}
	return nil
}

// backoffFor computes the retry delay after the given number of attempts.
func backoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase * time.Duration(math.Pow(2, float64(attempts-1)))
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return d
}

// ReclaimStuck reverts processing rows whose claim is older than the
// visibility timeout back to pending. A crashed worker leaves its row in
// processing forever otherwise; the sweeper makes the row claimable again
// without consuming an attempt (ClaimNext counts attempts).
func (db *DB) ReclaimStuck(ctx context.Context, visibilityTimeout time.Duration) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE extraction_queue SET
		   status = 'pending',
		   claimed_by = NULL,
		   last_error = COALESCE(last_error, 'reclaimed: worker exceeded visibility timeout'),
		   updated_at = now()
		 WHERE status = 'processing' AND started_at < now() - $1`,
		visibilityTimeout,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reclaim stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetQueueItem retrieves one queue item by id.
func (db *DB) GetQueueItem(ctx context.Context, id uuid.UUID) (*model.ExtractionQueueItem, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM extraction_queue WHERE id = $1`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get queue item: %w", err)
	}
	return item, nil
}

// QueueFilters holds optional filters for queue listing.
type QueueFilters struct {
	Status   *model.QueueStatus
	SourceID *string
}

// ListQueueItems retrieves queue items for the operational dashboard,
// newest first.
func (db *DB) ListQueueItems(ctx context.Context, filters QueueFilters, limit, offset int) ([]model.ExtractionQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + queueColumns + ` FROM extraction_queue WHERE true`
	args := []any{}
	if filters.Status != nil {
		args = append(args, string(*filters.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.SourceID != nil {
		args = append(args, *filters.SourceID)
		query += fmt.Sprintf(" AND source_id = $%d", len(args))
	}
	query += fmt.Sprintf(" ORDER BY queued_at DESC LIMIT %d OFFSET %d", limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list queue items: %w", err)
	}
	defer rows.Close()

	var items []model.ExtractionQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// CountQueueByStatus returns per-status row counts for the depth gauge and
// the operational dashboard.
func (db *DB) CountQueueByStatus(ctx context.Context) (model.QueueStatusCounts, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM extraction_queue GROUP BY status`)
	if err != nil {
		return model.QueueStatusCounts{}, fmt.Errorf("storage: count queue: %w", err)
	}
	defer rows.Close()

	var counts model.QueueStatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return model.QueueStatusCounts{}, fmt.Errorf("storage: scan queue count: %w", err)
		}
		switch model.QueueStatus(status) {
		case model.QueuePending:
			counts.Pending = n
		case model.QueueProcessing:
			counts.Processing = n
		case model.QueueCompleted:
			counts.Completed = n
		case model.QueueFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

const queueColumns = `id, publication_id, external_publication_id, source_id,
	ingestion_job_id, status, attempts, last_error, extraction_version,
	metadata, claimed_by, queued_at, started_at, completed_at,
	next_attempt_at, updated_at`

func scanQueueItem(row pgx.Row) (*model.ExtractionQueueItem, error) {
	var item model.ExtractionQueueItem
	if err := row.Scan(
		&item.ID, &item.PublicationID, &item.ExternalPublicationID, &item.SourceID,
		&item.IngestionJobID, &item.Status, &item.Attempts, &item.LastError,
		&item.ExtractionVersion, &item.Metadata, &item.ClaimedBy, &item.QueuedAt,
		&item.StartedAt, &item.CompletedAt, &item.NextAttemptAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &item, nil
}
