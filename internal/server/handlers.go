package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/variomedb/variome/internal/model"
	"github.com/variomedb/variome/internal/service/pipeline"
	"github.com/variomedb/variome/internal/service/review"
	"github.com/variomedb/variome/internal/storage"
)

// Runner triggers a scheduling pass over due publications. Satisfied by
// *pipeline.Coordinator.
type Runner interface {
	ProcessDuePublications(ctx context.Context, extractorVersion string) (pipeline.Stats, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	reviews             *review.Service
	runner              Runner
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	extractorVersion    string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Reviews             *review.Service
	Runner              Runner
	Logger              *slog.Logger
	Version             string
	ExtractorVersion    string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		reviews:             d.Reviews,
		runner:              d.Runner,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		extractorVersion:    d.ExtractorVersion,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleSubmitReview handles POST /v1/curation/submit.
// A duplicate open item for the same entity is a 409, not an escalation:
// manual submitters should know the entity is already in the queue.
func (h *Handlers) HandleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	item, err := h.reviews.Submit(r.Context(), review.SubmitInput{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Priority:   req.Priority,
		Metadata:   req.Metadata,
		Actor:      actorFrom(r),
	})
	if err != nil {
		if errors.Is(err, review.ErrDuplicateOpenItem) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				"an open review item already exists for this entity")
			return
		}
		h.writeInternalError(w, r, "failed to submit review item", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, item)
}

// HandleBulkReview handles POST /v1/curation/bulk.
func (h *Handlers) HandleBulkReview(w http.ResponseWriter, r *http.Request) {
	var req model.BulkReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	updated, err := h.reviews.BulkTransition(r.Context(), req.IDs, req.Action, actorFrom(r))
	if err != nil {
		if errors.Is(err, review.ErrInvalidAction) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.writeInternalError(w, r, "failed to transition review items", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.BulkReviewResponse{Updated: updated})
}

// HandleListCuration handles GET /v1/curation/queue.
func (h *Handlers) HandleListCuration(w http.ResponseWriter, r *http.Request) {
	var filters storage.ReviewFilters
	if v := r.URL.Query().Get("entity_type"); v != "" {
		filters.EntityType = &v
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := model.ReviewStatus(v)
		if !model.ValidReviewStatus(status) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status "+strconv.Quote(v))
			return
		}
		filters.Status = &status
	}
	if v := r.URL.Query().Get("priority"); v != "" {
		priority := model.ReviewPriority(v)
		if !model.ValidReviewPriority(priority) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown priority "+strconv.Quote(v))
			return
		}
		filters.Priority = &priority
	}
	limit := clampQueryInt(r, "limit", 50, maxQueryLimit)
	offset := clampQueryInt(r, "offset", 0, maxQueryOffset)

	items, total, err := h.reviews.List(r.Context(), filters, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list review items", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// HandleAnnotate handles POST /v1/curation/comments.
func (h *Handlers) HandleAnnotate(w http.ResponseWriter, r *http.Request) {
	var req model.AnnotateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	id, err := h.reviews.Annotate(r.Context(), req.EntityType, req.EntityID, req.Comment, actorFrom(r))
	if err != nil {
		h.writeInternalError(w, r, "failed to record comment", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"id": id})
}

// HandleListExtractions handles GET /v1/extractions/queue. Failed items
// surface here, never in the curation queue.
func (h *Handlers) HandleListExtractions(w http.ResponseWriter, r *http.Request) {
	var filters storage.QueueFilters
	if v := r.URL.Query().Get("status"); v != "" {
		status := model.QueueStatus(v)
		if !model.ValidQueueStatus(status) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status "+strconv.Quote(v))
			return
		}
		filters.Status = &status
	}
	if v := r.URL.Query().Get("source_id"); v != "" {
		filters.SourceID = &v
	}
	limit := clampQueryInt(r, "limit", 50, maxQueryLimit)
	offset := clampQueryInt(r, "offset", 0, maxQueryOffset)

	items, err := h.db.ListQueueItems(r.Context(), filters, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list queue items", err)
		return
	}
	counts, err := h.db.CountQueueByStatus(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to count queue items", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"items":  items,
		"counts": counts,
		"limit":  limit,
		"offset": offset,
	})
}

// HandlePipelineRun handles POST /v1/pipeline/run. The scheduling pass runs
// detached from the request so slow source scans cannot hold the connection.
func (h *Handlers) HandlePipelineRun(w http.ResponseWriter, r *http.Request) {
	runID := uuid.New()
	ctx := context.WithoutCancel(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		stats, err := h.runner.ProcessDuePublications(ctx, h.extractorVersion)
		if err != nil {
			h.logger.Error("manual pipeline run failed", "run_id", runID, "error", err)
			return
		}
		h.logger.Info("manual pipeline run complete",
			"run_id", runID, "enqueued", stats.Enqueued, "skipped", stats.Skipped)
	}()
	writeJSON(w, r, http.StatusAccepted, model.PipelineRunResponse{Status: "scheduled", RunID: runID})
}

// HandleCreatePublication handles POST /v1/publications.
func (h *Handlers) HandleCreatePublication(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePublicationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	pub, err := h.db.CreatePublication(r.Context(), &model.Publication{
		ExternalID: req.ExternalID,
		SourceHint: req.SourceHint,
		Title:      req.Title,
		DOI:        req.DOI,
		Metadata:   req.Metadata,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create publication", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, pub)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	var counts model.QueueStatusCounts
	if pgStatus == "connected" {
		if c, err := h.db.CountQueueByStatus(r.Context()); err == nil {
			counts = c
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:        status,
		Postgres:      pgStatus,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Queue:         counts,
	})
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// actorFrom identifies the caller for audit events. Callers behind the shared
// key can name themselves via X-Actor.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}

const (
	// maxQueryLimit is the maximum allowed value for limit query parameters.
	maxQueryLimit = 1000
	// maxQueryOffset prevents absurd offsets that force expensive scans.
	maxQueryOffset = 100_000
)

func clampQueryInt(r *http.Request, key string, defaultVal, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	if n > max {
		return max
	}
	return n
}
