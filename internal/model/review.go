package model

import (
	"time"

	"github.com/google/uuid"
)

// ReviewStatus is the state of a curation work item. Pending is the only
// open state; every other status is terminal. A closed item is never
// reopened; new conflicts on the same entity create a fresh pending row.
type ReviewStatus string

const (
	ReviewPending     ReviewStatus = "pending"
	ReviewApproved    ReviewStatus = "approved"
	ReviewRejected    ReviewStatus = "rejected"
	ReviewQuarantined ReviewStatus = "quarantined"
)

// Terminal reports whether the status closes the item.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewApproved || s == ReviewRejected || s == ReviewQuarantined
}

// ValidReviewStatus reports whether s is a known review status.
func ValidReviewStatus(s ReviewStatus) bool {
	switch s {
	case ReviewPending, ReviewApproved, ReviewRejected, ReviewQuarantined:
		return true
	}
	return false
}

// ReviewPriority orders the curation queue for human triage.
type ReviewPriority string

const (
	PriorityLow    ReviewPriority = "low"
	PriorityMedium ReviewPriority = "medium"
	PriorityHigh   ReviewPriority = "high"
)

// ValidReviewPriority reports whether p is a known priority.
func ValidReviewPriority(p ReviewPriority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ReviewQueueItem is one unit of curator work: an entity awaiting an
// approve/reject/quarantine decision. Metadata carries the detector's
// recommended resolution for display; it is never auto-applied.
type ReviewQueueItem struct {
	ID           uuid.UUID      `json:"id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Status       ReviewStatus   `json:"status"`
	Priority     ReviewPriority `json:"priority"`
	QualityScore *float64       `json:"quality_score,omitempty"`
	Issues       int            `json:"issues"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	LastUpdated  time.Time      `json:"last_updated"`
}

// AuditEvent is one append-only audit log entry. Curator comments are audit
// events with action "comment".
type AuditEvent struct {
	ID         uuid.UUID      `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor"`
	Details    map[string]any `json:"details"`
	CreatedAt  time.Time      `json:"created_at"`
}
