package model

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the lifecycle state of an extraction queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// ValidQueueStatus reports whether s is a known queue status.
func ValidQueueStatus(s QueueStatus) bool {
	switch s {
	case QueuePending, QueueProcessing, QueueCompleted, QueueFailed:
		return true
	}
	return false
}

// ExtractionQueueItem tracks one extraction attempt series for a
// (publication, source, extraction_version) triple. The queue table is the
// single source of truth for job ownership: a row in `processing` belongs to
// exactly one worker, identified by ClaimedBy.
//
// Retries of the same version mutate this row (attempts, last_error,
// next_attempt_at); a reprocessing pass at a newer extractor version inserts
// a fresh row at extraction_version+1 and never touches a terminal row.
type ExtractionQueueItem struct {
	ID                    uuid.UUID      `json:"id"`
	PublicationID         uuid.UUID      `json:"publication_id"`
	ExternalPublicationID *string        `json:"external_publication_id,omitempty"`
	SourceID              string         `json:"source_id"`
	IngestionJobID        uuid.UUID      `json:"ingestion_job_id"`
	Status                QueueStatus    `json:"status"`
	Attempts              int            `json:"attempts"`
	LastError             *string        `json:"last_error,omitempty"`
	ExtractionVersion     int            `json:"extraction_version"`
	Metadata              map[string]any `json:"metadata"`
	ClaimedBy             *string        `json:"claimed_by,omitempty"`
	QueuedAt              time.Time      `json:"queued_at"`
	StartedAt             *time.Time     `json:"started_at,omitempty"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
	NextAttemptAt         *time.Time     `json:"next_attempt_at,omitempty"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// QueueStatusCounts holds per-status row counts for the operational dashboard
// and the telemetry depth gauge.
type QueueStatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
