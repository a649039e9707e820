package model

import (
	"time"

	"github.com/google/uuid"
)

// Publication is a literature reference known to the pipeline.
// Read-mostly: created on ingest, then looked up by the extraction worker.
type Publication struct {
	ID         uuid.UUID      `json:"id"`
	ExternalID *string        `json:"external_id,omitempty"` // e.g. PMID, namespaced by SourceHint
	SourceHint string         `json:"source_hint"`
	Title      string         `json:"title"`
	DOI        *string        `json:"doi,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SourceConfig describes one evidence source's extraction parameters.
// Passed through to the external extractor unmodified.
type SourceConfig struct {
	SourceID string         `json:"source_id"`
	Options  map[string]any `json:"options,omitempty"`
}
