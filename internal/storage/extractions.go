package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/variomedb/variome/internal/model"
)

// GetExtractionByQueueItem retrieves the outcome written for a queue item.
func (db *DB) GetExtractionByQueueItem(ctx context.Context, queueItemID uuid.UUID) (*model.PublicationExtraction, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+extractionColumns+`
		 FROM publication_extractions WHERE queue_item_id = $1`,
		queueItemID)
	ext, err := scanExtraction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get extraction by queue item: %w", err)
	}
	return ext, nil
}

// GetCurrentExtraction retrieves the highest completed extraction version
// for a (publication, source) pair. Failed and skipped outcomes never become
// current.
func (db *DB) GetCurrentExtraction(ctx context.Context, publicationID uuid.UUID, sourceID string) (*model.PublicationExtraction, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+extractionColumns+`
		 FROM publication_extractions
		 WHERE publication_id = $1 AND source_id = $2 AND status = 'completed'
		 ORDER BY extraction_version DESC
		 LIMIT 1`,
		publicationID, sourceID)
	ext, err := scanExtraction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get current extraction: %w", err)
	}
	return ext, nil
}

const extractionColumns = `id, publication_id, source_id, ingestion_job_id,
	queue_item_id, status, extraction_version, processor_name,
	processor_version, text_source, document_reference, facts, metadata,
	extracted_at`

func scanExtraction(row pgx.Row) (*model.PublicationExtraction, error) {
	var ext model.PublicationExtraction
	if err := row.Scan(
		&ext.ID, &ext.PublicationID, &ext.SourceID, &ext.IngestionJobID,
		&ext.QueueItemID, &ext.Status, &ext.ExtractionVersion, &ext.ProcessorName,
		&ext.ProcessorVersion, &ext.TextSource, &ext.DocumentReference,
		&ext.Facts, &ext.Metadata, &ext.ExtractedAt,
	); err != nil {
		return nil, err
	}
	return &ext, nil
}
