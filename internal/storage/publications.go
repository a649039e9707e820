package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/variomedb/variome/internal/model"
)

// CreatePublication inserts a publication. When an external id is supplied
// and a row already exists for (source_hint, external_id), the existing row
// is returned instead of erroring, so repeated ingests of the same PMID are
// harmless.
func (db *DB) CreatePublication(ctx context.Context, pub *model.Publication) (*model.Publication, error) {
	if pub.Metadata == nil {
		pub.Metadata = map[string]any{}
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO publications (external_id, source_hint, title, doi, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		pub.ExternalID, pub.SourceHint, pub.Title, pub.DOI, pub.Metadata,
	)
	err := row.Scan(&pub.ID, &pub.CreatedAt)
	if err == nil {
		return pub, nil
	}
	if isUniqueViolation(err, "idx_publications_external") && pub.ExternalID != nil {
		existing, lookupErr := db.GetPublicationByExternalID(ctx, pub.SourceHint, *pub.ExternalID)
		if lookupErr != nil {
			return nil, fmt.Errorf("storage: create publication dedupe: %w", lookupErr)
		}
		return existing, nil
	}
	return nil, fmt.Errorf("storage: create publication: %w", err)
}

// GetPublication retrieves a publication by id.
func (db *DB) GetPublication(ctx context.Context, id uuid.UUID) (*model.Publication, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, external_id, source_hint, title, doi, metadata, created_at
		 FROM publications WHERE id = $1`, id)
	pub, err := scanPublication(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get publication: %w", err)
	}
	return pub, nil
}

// GetPublicationByExternalID retrieves a publication by its namespaced
// external id (e.g. a PMID under source hint "pubmed").
func (db *DB) GetPublicationByExternalID(ctx context.Context, sourceHint, externalID string) (*model.Publication, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, external_id, source_hint, title, doi, metadata, created_at
		 FROM publications
		 WHERE source_hint = $1 AND external_id = $2`,
		sourceHint, externalID)
	pub, err := scanPublication(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get publication by external id: %w", err)
	}
	return pub, nil
}

// ListDuePublications returns publications that have no completed extraction
// outcome for sourceID at the given processor version, oldest first. Pairs
// with an in-flight queue item are included: Enqueue resolves them to the
// existing item without inserting, so the scheduler pass stays idempotent.
func (db *DB) ListDuePublications(ctx context.Context, sourceID, processorVersion string, limit int) ([]model.Publication, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT p.id, p.external_id, p.source_hint, p.title, p.doi, p.metadata, p.created_at
		 FROM publications p
		 WHERE NOT EXISTS (
		   SELECT 1 FROM publication_extractions pe
		   WHERE pe.publication_id = p.id
		     AND pe.source_id = $1
		     AND pe.status = 'completed'
		     AND pe.processor_version = $2
		 )
		 ORDER BY p.created_at ASC
		 LIMIT $3`,
		sourceID, processorVersion, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list due publications: %w", err)
	}
	defer rows.Close()

	var pubs []model.Publication
	for rows.Next() {
		pub, err := scanPublication(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan publication: %w", err)
		}
		pubs = append(pubs, *pub)
	}
	return pubs, rows.Err()
}

// CountPublications returns the total publication count, used by the
// scheduler to report how many pairs were already current.
func (db *DB) CountPublications(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM publications`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count publications: %w", err)
	}
	return n, nil
}

func scanPublication(row pgx.Row) (*model.Publication, error) {
	var pub model.Publication
	if err := row.Scan(
		&pub.ID, &pub.ExternalID, &pub.SourceHint, &pub.Title,
		&pub.DOI, &pub.Metadata, &pub.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &pub, nil
}
