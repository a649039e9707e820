package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/variomedb/variome/internal/model"
	"github.com/variomedb/variome/internal/storage"
	"github.com/variomedb/variome/internal/telemetry"
)

// Queue is the slice of the storage layer the worker pool depends on.
// *storage.DB satisfies it; tests substitute an in-memory fake.
type Queue interface {
	ClaimNext(ctx context.Context, workerID string) (*model.ExtractionQueueItem, error)
	CompleteItem(ctx context.Context, itemID uuid.UUID, outcome storage.ExtractionOutcome) error
	FailItem(ctx context.Context, p storage.FailParams) error
	ReclaimStuck(ctx context.Context, visibilityTimeout time.Duration) (int, error)
	CountQueueByStatus(ctx context.Context) (model.QueueStatusCounts, error)
}

// PublicationLookup resolves queue items back to their publications.
type PublicationLookup interface {
	GetPublication(ctx context.Context, id uuid.UUID) (*model.Publication, error)
}

// CompletionHook is called after a queue item reaches completed, from the
// worker goroutine. Hook failures are logged, never propagated: the outcome
// row is already durable and downstream materialization re-converges on the
// next scheduler pass.
type CompletionHook func(ctx context.Context, queueItemID uuid.UUID)

// PoolConfig holds the worker pool tuning knobs.
type PoolConfig struct {
	Workers           int
	PollInterval      time.Duration
	ExtractTimeout    time.Duration
	MaxAttempts       int
	VisibilityTimeout time.Duration
	SweepInterval     time.Duration
	Sources           map[string]model.SourceConfig
}

func (c *PoolConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Pool runs N workers that drain the extraction queue plus a sweeper that
// reclaims rows abandoned by crashed workers. All workers share the queue
// table; row ownership comes solely from the claim transition.
type Pool struct {
	queue     Queue
	pubs      PublicationLookup
	extractor Extractor
	logger    *slog.Logger
	cfg       PoolConfig

	hooks []CompletionHook

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once

	extractDuration metric.Float64Histogram
}

// NewPool creates a worker pool. Hooks registered via OnCompletion before
// Start fire for every completed item.
func NewPool(queue Queue, pubs PublicationLookup, extractor Extractor, logger *slog.Logger, cfg PoolConfig) *Pool {
	cfg.applyDefaults()
	return &Pool{
		queue:     queue,
		pubs:      pubs,
		extractor: extractor,
		logger:    logger,
		cfg:       cfg,
		done:      make(chan struct{}),
	}
}

// OnCompletion registers a completion hook. Not safe to call after Start.
func (p *Pool) OnCompletion(hook CompletionHook) {
	p.hooks = append(p.hooks, hook)
}

// Start launches the workers and the sweeper. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("extract pool: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel

	g, gctx := errgroup.WithContext(loopCtx)
	for i := range p.cfg.Workers {
		workerID := fmt.Sprintf("%s-%d", p.extractor.Name(), i)
		g.Go(func() error {
			p.workerLoop(gctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		p.sweepLoop(gctx)
		return nil
	})

	go func() {
		_ = g.Wait()
		p.once.Do(func() { close(p.done) })
	}()
}

// Drain stops claiming new work and blocks until in-flight extractions
// finish or ctx expires. Items still processing at a hard deadline are left
// behind for the sweeper to reclaim after the visibility timeout.
func (p *Pool) Drain(ctx context.Context) {
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("extract pool: drain timed out")
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.queue.ClaimNext(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("extract pool: claim failed", "worker", workerID, "error", err)
			p.idle(ctx)
			continue
		}
		if item == nil {
			p.idle(ctx)
			continue
		}

		// The claim is already durable; finish the item even if shutdown
		// begins mid-extraction, using a detached context bounded by the
		// extract timeout.
		p.processItem(ctx, workerID, item)
	}
}

// idle waits one poll interval, returning early on cancellation.
func (p *Pool) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval):
	}
}

func (p *Pool) processItem(ctx context.Context, workerID string, item *model.ExtractionQueueItem) {
	pub, err := p.pubs.GetPublication(ctx, item.PublicationID)
	if err != nil {
		permanent := errors.Is(err, storage.ErrNotFound)
		p.failItem(ctx, item, fmt.Errorf("load publication: %w", err), permanent)
		return
	}

	src, ok := p.cfg.Sources[item.SourceID]
	if !ok {
		src = model.SourceConfig{SourceID: item.SourceID}
	}

	extractCtx, cancel := context.WithTimeout(ctx, p.cfg.ExtractTimeout)
	start := time.Now()
	result, err := p.extractor.Extract(extractCtx, *pub, src)
	cancel()
	elapsed := time.Since(start)
	if p.extractDuration != nil {
		p.extractDuration.Record(ctx, elapsed.Seconds())
	}

	switch {
	case err == nil:
		p.completeItem(ctx, item, model.ExtractionCompleted, result)
	case errors.Is(err, ErrSkipped):
		p.completeItem(ctx, item, model.ExtractionSkipped, &Result{})
	default:
		// A deadline on the extract call is transient by definition; the
		// next attempt may hit a healthier service.
		p.failItem(ctx, item, err, IsPermanent(err))
	}

	p.logger.Info("extract pool: processed item",
		"worker", workerID,
		"item_id", item.ID,
		"publication_id", item.PublicationID,
		"source_id", item.SourceID,
		"attempt", item.Attempts,
		"duration_ms", elapsed.Milliseconds(),
		"ok", err == nil || errors.Is(err, ErrSkipped),
	)
}

func (p *Pool) completeItem(ctx context.Context, item *model.ExtractionQueueItem, status model.ExtractionStatus, result *Result) {
	version := p.extractor.Version()
	outcome := storage.ExtractionOutcome{
		Status:            status,
		ProcessorName:     p.extractor.Name(),
		ProcessorVersion:  &version,
		TextSource:        result.TextSource,
		DocumentReference: result.DocumentReference,
		Facts:             result.Facts,
		Metadata:          result.Metadata,
	}

	// Completion must survive shutdown: the extraction already happened and
	// dropping it here would waste the attempt.
	writeCtx, cancel := detach(ctx, 30*time.Second)
	defer cancel()

	if err := p.queue.CompleteItem(writeCtx, item.ID, outcome); err != nil {
		p.logger.Error("extract pool: complete failed", "item_id", item.ID, "error", err)
		return
	}
	for _, hook := range p.hooks {
		hook(writeCtx, item.ID)
	}
}

func (p *Pool) failItem(ctx context.Context, item *model.ExtractionQueueItem, cause error, permanent bool) {
	writeCtx, cancel := detach(ctx, 30*time.Second)
	defer cancel()

	err := p.queue.FailItem(writeCtx, storage.FailParams{
		ItemID:      item.ID,
		Error:       cause.Error(),
		Permanent:   permanent,
		MaxAttempts: p.cfg.MaxAttempts,
	})
	if err != nil {
		p.logger.Error("extract pool: fail transition failed", "item_id", item.ID, "error", err)
		return
	}
	if permanent || item.Attempts >= p.cfg.MaxAttempts {
		p.logger.Warn("extract pool: item terminally failed",
			"item_id", item.ID,
			"publication_id", item.PublicationID,
			"source_id", item.SourceID,
			"attempts", item.Attempts,
			"permanent", permanent,
			"error", cause,
		)
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReclaimStuck(ctx, p.cfg.VisibilityTimeout)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("extract pool: reclaim failed", "error", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("extract pool: reclaimed stuck items", "count", n)
			}
		}
	}
}

// detach returns a context that inherits ctx's values but not its
// cancellation, bounded by the given timeout instead.
func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// registerMetrics registers observable OTEL instruments for queue health.
func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("variome/extract")

	_, _ = meter.Int64ObservableGauge("variome.queue.depth",
		metric.WithDescription("Number of pending items in the extraction queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			counts, err := p.queue.CountQueueByStatus(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(int64(counts.Pending))
			return nil
		}),
	)

	p.extractDuration, _ = meter.Float64Histogram("variome.extract.duration",
		metric.WithDescription("Wall-clock duration of extractor calls in seconds"),
	)
}
