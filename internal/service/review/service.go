// Package review implements the curation workflow: submitting entities for
// human review, bulk curator decisions, and audit annotations.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/variomedb/variome/internal/model"
	"github.com/variomedb/variome/internal/notify"
	"github.com/variomedb/variome/internal/storage"
	"github.com/variomedb/variome/internal/telemetry"
)

// ErrInvalidAction is returned for bulk actions outside approve, reject,
// and quarantine.
var ErrInvalidAction = errors.New("review: invalid action")

// ErrDuplicateOpenItem mirrors the storage sentinel so callers can depend on
// this package alone.
var ErrDuplicateOpenItem = storage.ErrDuplicateOpenItem

// Store is the slice of the storage layer the workflow needs. *storage.DB
// satisfies it.
type Store interface {
	CreateReviewItem(ctx context.Context, p storage.CreateReviewItemParams) (*model.ReviewQueueItem, error)
	EscalateOpenReviewItem(ctx context.Context, entityType, entityID string, issues int, metadata map[string]any) (*model.ReviewQueueItem, error)
	BulkTransitionReviewItems(ctx context.Context, ids []uuid.UUID, to model.ReviewStatus) ([]uuid.UUID, error)
	GetReviewItem(ctx context.Context, id uuid.UUID) (*model.ReviewQueueItem, error)
	ListReviewItems(ctx context.Context, filters storage.ReviewFilters, limit, offset int) ([]model.ReviewQueueItem, error)
	CountReviewItems(ctx context.Context, filters storage.ReviewFilters) (int, error)
	RecordAudit(ctx context.Context, action, entityType, entityID, actor string, details map[string]any) (uuid.UUID, error)
}

// Service is the review workflow. Every state change lands in the audit log;
// decision notifications are best-effort and never block or roll back the
// decision itself.
type Service struct {
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger
}

// New creates a review Service. A nil notifier disables notifications.
func New(store Store, notifier notify.Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	s := &Service{store: store, notifier: notifier, logger: logger}
	s.registerMetrics()
	return s
}

// registerMetrics exposes the open-item backlog as an observable gauge.
func (s *Service) registerMetrics() {
	meter := telemetry.Meter("variome/review")
	pending := model.ReviewPending
	_, _ = meter.Int64ObservableGauge("variome.review.open_items",
		metric.WithDescription("Number of pending items in the curation queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := s.store.CountReviewItems(ctx, storage.ReviewFilters{Status: &pending})
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(int64(n))
			return nil
		}),
	)
}

// SubmitInput describes one entity to put in front of curators.
type SubmitInput struct {
	EntityType   string
	EntityID     string
	Priority     model.ReviewPriority
	QualityScore *float64
	Issues       int
	Metadata     map[string]any
	Actor        string
}

func (in *SubmitInput) validate() error {
	if in.EntityType == "" || len(in.EntityType) > model.MaxEntityTypeLen {
		return fmt.Errorf("review: entity_type must be 1-%d characters", model.MaxEntityTypeLen)
	}
	if in.EntityID == "" || len(in.EntityID) > model.MaxEntityIDLen {
		return fmt.Errorf("review: entity_id must be 1-%d characters", model.MaxEntityIDLen)
	}
	if in.Priority == "" {
		in.Priority = model.PriorityMedium
	}
	if !model.ValidReviewPriority(in.Priority) {
		return fmt.Errorf("review: invalid priority %q", in.Priority)
	}
	return nil
}

// Submit creates a pending review item for an entity. Returns
// ErrDuplicateOpenItem when one is already open; the open item keeps its
// place in the queue.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*model.ReviewQueueItem, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	item, err := s.store.CreateReviewItem(ctx, storage.CreateReviewItemParams{
		EntityType:   in.EntityType,
		EntityID:     in.EntityID,
		Priority:     in.Priority,
		QualityScore: in.QualityScore,
		Issues:       in.Issues,
		Metadata:     in.Metadata,
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "review_submitted", item.EntityType, item.EntityID, in.Actor, map[string]any{
		"item_id":  item.ID.String(),
		"priority": string(item.Priority),
		"issues":   item.Issues,
	})
	return item, nil
}

// SubmitOrEscalate is the pipeline's entry point: it submits the entity, and
// when an item is already open it escalates that item to high priority and
// refreshes its conflict metadata instead. Either way curators end up seeing
// the latest state.
func (s *Service) SubmitOrEscalate(ctx context.Context, in SubmitInput) (*model.ReviewQueueItem, error) {
	item, err := s.Submit(ctx, in)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, ErrDuplicateOpenItem) {
		return nil, err
	}

	item, err = s.store.EscalateOpenReviewItem(ctx, in.EntityType, in.EntityID, in.Issues, in.Metadata)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The open item closed between the insert and the escalation;
			// one retry lands the fresh submit.
			return s.Submit(ctx, in)
		}
		return nil, err
	}

	s.audit(ctx, "review_escalated", item.EntityType, item.EntityID, in.Actor, map[string]any{
		"item_id": item.ID.String(),
		"issues":  in.Issues,
	})
	return item, nil
}

// actionStatus maps curator actions onto terminal statuses.
var actionStatus = map[string]model.ReviewStatus{
	"approve":    model.ReviewApproved,
	"reject":     model.ReviewRejected,
	"quarantine": model.ReviewQuarantined,
}

// notifyActions lists the actions external consumers care about.
var notifyActions = map[string]bool{"approve": true, "reject": true}

// BulkTransition applies one curator action to a set of items. Only pending
// items transition; closed or unknown ids are skipped silently so stale
// batches can be resubmitted safely. Returns the number updated.
func (s *Service) BulkTransition(ctx context.Context, ids []uuid.UUID, action, actor string) (int, error) {
	status, ok := actionStatus[action]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	updated, err := s.store.BulkTransitionReviewItems(ctx, ids, status)
	if err != nil {
		return 0, fmt.Errorf("review: bulk transition: %w", err)
	}

	for _, id := range updated {
		item, err := s.store.GetReviewItem(ctx, id)
		if err != nil {
			s.logger.Error("review: load transitioned item", "item_id", id, "error", err)
			continue
		}
		s.audit(ctx, "review_"+string(status), item.EntityType, item.EntityID, actor, map[string]any{
			"item_id": id.String(),
			"action":  action,
		})
		if notifyActions[action] {
			s.dispatch(ctx, *item, action, actor)
		}
	}
	return len(updated), nil
}

// Annotate appends a curator comment to an entity's audit trail without
// touching any item status. Allowed on closed items: historical notes are
// part of the record.
func (s *Service) Annotate(ctx context.Context, entityType, entityID, comment, actor string) (uuid.UUID, error) {
	if comment == "" || len(comment) > model.MaxCommentLen {
		return uuid.Nil, fmt.Errorf("review: comment must be 1-%d bytes", model.MaxCommentLen)
	}
	if entityType == "" || entityID == "" {
		return uuid.Nil, fmt.Errorf("review: entity_type and entity_id are required")
	}

	id, err := s.store.RecordAudit(ctx, "comment", entityType, entityID, actor, map[string]any{
		"comment": comment,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("review: annotate: %w", err)
	}
	return id, nil
}

// List returns review items plus the total count for pagination.
func (s *Service) List(ctx context.Context, filters storage.ReviewFilters, limit, offset int) ([]model.ReviewQueueItem, int, error) {
	items, err := s.store.ListReviewItems(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.CountReviewItems(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// audit writes an audit event, logging instead of failing: audit loss is
// bad, but losing the user's operation over it is worse.
func (s *Service) audit(ctx context.Context, action, entityType, entityID, actor string, details map[string]any) {
	if _, err := s.store.RecordAudit(ctx, action, entityType, entityID, actor, details); err != nil {
		s.logger.Error("review: audit write failed",
			"action", action, "entity_type", entityType, "entity_id", entityID, "error", err)
	}
}

// dispatch sends a decision notification, bounded so a slow receiver cannot
// stall a bulk transition.
func (s *Service) dispatch(ctx context.Context, item model.ReviewQueueItem, action, actor string) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.notifier.NotifyDecision(notifyCtx, item, action, actor); err != nil {
		s.logger.Warn("review: notification failed",
			"item_id", item.ID, "action", action, "error", err)
	}
}
