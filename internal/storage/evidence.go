package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/variomedb/variome/internal/model"
)

// UpsertEvidenceRecord writes one evidence record keyed by
// (variant, phenotype, source, extraction_version). Last writer wins within
// a key: re-materializing the same outcome overwrites the row in place,
// which makes MaterializeOutcome safe to re-run after a partial failure.
func (db *DB) UpsertEvidenceRecord(ctx context.Context, rec *model.EvidenceRecord) error {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO evidence_records
		 (variant_id, phenotype_id, source_id, publication_id,
		  clinical_significance, evidence_level, confidence_score,
		  extraction_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (variant_id, phenotype_id, source_id, extraction_version)
		 DO UPDATE SET
		   publication_id = EXCLUDED.publication_id,
		   clinical_significance = EXCLUDED.clinical_significance,
		   evidence_level = EXCLUDED.evidence_level,
		   confidence_score = EXCLUDED.confidence_score,
		   updated_at = now()
		 RETURNING id, created_at, updated_at`,
		rec.VariantID, rec.PhenotypeID, rec.SourceID, rec.PublicationID,
		rec.ClinicalSignificance, rec.EvidenceLevel, rec.ConfidenceScore,
		rec.ExtractionVersion,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: upsert evidence record: %w", err)
	}
	return nil
}

// GetCurrentEvidenceForPair returns the current evidence set for one
// (variant, phenotype) pair: per source, the record at that source's highest
// extraction version. Older versions stay behind as history and never feed
// conflict detection.
func (db *DB) GetCurrentEvidenceForPair(ctx context.Context, variantID, phenotypeID string) ([]model.EvidenceRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (source_id) `+evidenceColumns+`
		 FROM evidence_records
		 WHERE variant_id = $1 AND phenotype_id = $2
		 ORDER BY source_id, extraction_version DESC`,
		variantID, phenotypeID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: evidence for pair: %w", err)
	}
	defer rows.Close()

	var records []model.EvidenceRecord
	for rows.Next() {
		rec, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan evidence record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

const evidenceColumns = `id, variant_id, phenotype_id, source_id,
	publication_id, clinical_significance, evidence_level, confidence_score,
	extraction_version, created_at, updated_at`

func scanEvidence(row pgx.Row) (*model.EvidenceRecord, error) {
	var rec model.EvidenceRecord
	if err := row.Scan(
		&rec.ID, &rec.VariantID, &rec.PhenotypeID, &rec.SourceID,
		&rec.PublicationID, &rec.ClinicalSignificance, &rec.EvidenceLevel,
		&rec.ConfidenceScore, &rec.ExtractionVersion, &rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
