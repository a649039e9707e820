// Package pipeline orchestrates the curation flow: scheduling extractions,
// materializing extraction outcomes into evidence, and turning evidence
// conflicts into review work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/variomedb/variome/internal/conflicts"
	"github.com/variomedb/variome/internal/model"
	"github.com/variomedb/variome/internal/service/review"
	"github.com/variomedb/variome/internal/storage"
)

// Store is the slice of the storage layer the coordinator needs.
// *storage.DB satisfies it.
type Store interface {
	ListDuePublications(ctx context.Context, sourceID, processorVersion string, limit int) ([]model.Publication, error)
	CountPublications(ctx context.Context) (int, error)
	Enqueue(ctx context.Context, p storage.EnqueueParams) (uuid.UUID, bool, error)
	GetExtractionByQueueItem(ctx context.Context, queueItemID uuid.UUID) (*model.PublicationExtraction, error)
	UpsertEvidenceRecord(ctx context.Context, rec *model.EvidenceRecord) error
	GetCurrentEvidenceForPair(ctx context.Context, variantID, phenotypeID string) ([]model.EvidenceRecord, error)
}

// Reviewer opens or escalates review work. *review.Service satisfies it.
type Reviewer interface {
	SubmitOrEscalate(ctx context.Context, in review.SubmitInput) (*model.ReviewQueueItem, error)
}

// Stats summarizes one scheduling pass.
type Stats struct {
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
}

// Coordinator drives the pipeline. It owns no state of its own: every pass
// derives its work from the database, so the process can restart anywhere.
type Coordinator struct {
	store    Store
	reviewer Reviewer
	logger   *slog.Logger
	sources  map[string]model.SourceConfig
	batch    int
}

// New creates a pipeline coordinator over the configured sources.
func New(store Store, reviewer Reviewer, logger *slog.Logger, sources map[string]model.SourceConfig) *Coordinator {
	return &Coordinator{
		store:    store,
		reviewer: reviewer,
		logger:   logger,
		sources:  sources,
		batch:    500,
	}
}

// ProcessDuePublications enqueues an extraction for every (publication,
// source) pair that lacks a completed outcome at extractorVersion. The
// version is an explicit parameter, not ambient config, so concurrent
// callers with different versions stay unambiguous. Idempotent: a second
// pass right after the first enqueues nothing new.
//
// One bad publication never aborts the pass; failures are logged and the
// pair is retried on the next pass.
func (c *Coordinator) ProcessDuePublications(ctx context.Context, extractorVersion string) (Stats, error) {
	var stats Stats

	total, err := c.store.CountPublications(ctx)
	if err != nil {
		return stats, fmt.Errorf("pipeline: count publications: %w", err)
	}

	jobID := uuid.New()
	for sourceID := range c.sources {
		due, err := c.store.ListDuePublications(ctx, sourceID, extractorVersion, c.batch)
		if err != nil {
			return stats, fmt.Errorf("pipeline: list due publications for %s: %w", sourceID, err)
		}
		stats.Skipped += total - len(due)

		for _, pub := range due {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			_, created, err := c.store.Enqueue(ctx, storage.EnqueueParams{
				PublicationID:         pub.ID,
				ExternalPublicationID: pub.ExternalID,
				SourceID:              sourceID,
				IngestionJobID:        jobID,
				Metadata: map[string]any{
					"extractor_version": extractorVersion,
				},
			})
			if err != nil {
				c.logger.Error("pipeline: enqueue failed",
					"publication_id", pub.ID, "source_id", sourceID, "error", err)
				continue
			}
			if created {
				stats.Enqueued++
			} else {
				stats.Skipped++
			}
		}
	}

	c.logger.Info("pipeline: scheduling pass done",
		"extractor_version", extractorVersion,
		"enqueued", stats.Enqueued,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

// evidencePair identifies one (variant, phenotype) pair touched by an
// extraction.
type evidencePair struct {
	variantID   string
	phenotypeID string
}

// EntityID renders the pair as a review entity id.
func (p evidencePair) EntityID() string {
	return p.variantID + ":" + p.phenotypeID
}

// MaterializeOutcome turns one completed extraction into evidence records
// and refreshes conflict detection for every touched pair. This is the only
// place facts become evidence; it runs once per completed queue item, from
// the worker's completion hook, and is safe to re-run because the evidence
// upserts are keyed by (variant, phenotype, source, version).
func (c *Coordinator) MaterializeOutcome(ctx context.Context, queueItemID uuid.UUID) error {
	ext, err := c.store.GetExtractionByQueueItem(ctx, queueItemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("pipeline: no outcome for queue item %s", queueItemID)
		}
		return fmt.Errorf("pipeline: load outcome: %w", err)
	}
	if ext.Status != model.ExtractionCompleted {
		return nil // skipped outcomes carry no facts
	}

	touched := map[evidencePair]bool{}
	for _, fact := range ext.Facts {
		if fact.Kind != model.FactVariantPathogenicity {
			continue // only pathogenicity facts materialize evidence
		}
		vp := fact.VariantPathogenicity
		rec := &model.EvidenceRecord{
			VariantID:            vp.VariantID,
			PhenotypeID:          vp.PhenotypeID,
			SourceID:             ext.SourceID,
			PublicationID:        ext.PublicationID,
			ClinicalSignificance: vp.ClinicalSignificance,
			EvidenceLevel:        vp.EvidenceLevel,
			ConfidenceScore:      vp.Confidence,
			ExtractionVersion:    ext.ExtractionVersion,
		}
		if err := c.store.UpsertEvidenceRecord(ctx, rec); err != nil {
			return fmt.Errorf("pipeline: materialize fact: %w", err)
		}
		touched[evidencePair{vp.VariantID, vp.PhenotypeID}] = true
	}

	for pair := range touched {
		if err := c.refreshConflicts(ctx, pair); err != nil {
			// Conflict refresh re-converges on the pair's next evidence
			// change; log and keep going.
			c.logger.Error("pipeline: conflict refresh failed",
				"variant_id", pair.variantID, "phenotype_id", pair.phenotypeID, "error", err)
		}
	}
	return nil
}

// refreshConflicts re-runs detection over a pair's current evidence and
// opens (or escalates) review work when sources disagree.
func (c *Coordinator) refreshConflicts(ctx context.Context, pair evidencePair) error {
	records, err := c.store.GetCurrentEvidenceForPair(ctx, pair.variantID, pair.phenotypeID)
	if err != nil {
		return fmt.Errorf("load evidence: %w", err)
	}

	found := conflicts.Detect(records)
	if len(found) == 0 {
		return nil
	}

	_, err = c.reviewer.SubmitOrEscalate(ctx, review.SubmitInput{
		EntityType: "evidence_conflict",
		EntityID:   pair.EntityID(),
		Priority:   conflictPriority(found),
		Issues:     len(found),
		Metadata: map[string]any{
			"variant_id":             pair.variantID,
			"phenotype_id":           pair.phenotypeID,
			"conflicts":              found,
			"recommended_resolution": found[0].Recommended,
			"detected_at":            time.Now().UTC().Format(time.RFC3339),
		},
		Actor: "pipeline",
	})
	if err != nil {
		return fmt.Errorf("submit review: %w", err)
	}

	c.logger.Info("pipeline: conflict flagged for review",
		"variant_id", pair.variantID,
		"phenotype_id", pair.phenotypeID,
		"conflicts", len(found),
	)
	return nil
}

// conflictPriority maps detected conflicts to a triage priority: label
// disagreements need the quickest curator attention.
func conflictPriority(found []conflicts.Conflict) model.ReviewPriority {
	for _, c := range found {
		if c.Kind == conflicts.ConflictSignificance {
			return model.PriorityHigh
		}
	}
	return model.PriorityMedium
}
