package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for curator-supplied text. These keep caller-controlled
// input from filling Postgres TEXT columns with garbage.
const (
	MaxEntityTypeLen = 100
	MaxEntityIDLen   = 500
	MaxCommentLen    = 16 * 1024 // 16 KB
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// SubmitReviewRequest is the request body for POST /v1/curation/submit.
type SubmitReviewRequest struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Priority   ReviewPriority `json:"priority"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Validate checks required fields and vocabulary membership.
func (r SubmitReviewRequest) Validate() error {
	if r.EntityType == "" || r.EntityID == "" {
		return fmt.Errorf("entity_type and entity_id are required")
	}
	if len(r.EntityType) > MaxEntityTypeLen {
		return fmt.Errorf("entity_type exceeds maximum length of %d characters", MaxEntityTypeLen)
	}
	if len(r.EntityID) > MaxEntityIDLen {
		return fmt.Errorf("entity_id exceeds maximum length of %d characters", MaxEntityIDLen)
	}
	if r.Priority != "" && !ValidReviewPriority(r.Priority) {
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	return nil
}

// BulkReviewRequest is the request body for POST /v1/curation/bulk.
type BulkReviewRequest struct {
	IDs    []uuid.UUID `json:"ids"`
	Action string      `json:"action"` // approve | reject | quarantine
}

// Validate checks that at least one id is present. The action vocabulary is
// enforced by the review service so the API and internal callers agree.
func (r BulkReviewRequest) Validate() error {
	if len(r.IDs) == 0 {
		return fmt.Errorf("ids must not be empty")
	}
	if r.Action == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

// AnnotateRequest is the request body for POST /v1/curation/comments.
type AnnotateRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Comment    string `json:"comment"`
}

// Validate checks required fields and the comment length cap.
func (r AnnotateRequest) Validate() error {
	if r.EntityType == "" || r.EntityID == "" {
		return fmt.Errorf("entity_type and entity_id are required")
	}
	if r.Comment == "" {
		return fmt.Errorf("comment must not be empty")
	}
	if len(r.Comment) > MaxCommentLen {
		return fmt.Errorf("comment exceeds maximum length of %d bytes", MaxCommentLen)
	}
	return nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Postgres      string            `json:"postgres"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Queue         QueueStatusCounts `json:"queue"`
}

// PipelineRunResponse is the body of POST /v1/pipeline/run.
type PipelineRunResponse struct {
	Status string    `json:"status"`
	RunID  uuid.UUID `json:"run_id"`
}

// BulkReviewResponse is the body of POST /v1/curation/bulk.
type BulkReviewResponse struct {
	Updated int `json:"updated"`
}

// CreatePublicationRequest is the request body for POST /v1/publications.
type CreatePublicationRequest struct {
	ExternalID *string        `json:"external_id,omitempty"`
	SourceHint string         `json:"source_hint"`
	Title      string         `json:"title"`
	DOI        *string        `json:"doi,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Validate requires at least one usable identifier.
func (r CreatePublicationRequest) Validate() error {
	if r.Title == "" && (r.ExternalID == nil || *r.ExternalID == "") && (r.DOI == nil || *r.DOI == "") {
		return fmt.Errorf("one of title, external_id, or doi is required")
	}
	return nil
}
