package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/variomedb/variome/internal/config"
	"github.com/variomedb/variome/internal/extract"
	"github.com/variomedb/variome/internal/notify"
	"github.com/variomedb/variome/internal/server"
	"github.com/variomedb/variome/internal/service/pipeline"
	"github.com/variomedb/variome/internal/service/review"
	"github.com/variomedb/variome/internal/storage"
	"github.com/variomedb/variome/internal/telemetry"
	"github.com/variomedb/variome/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("VARIOME_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("variome starting",
		"version", version, "port", cfg.Port, "extractor_version", cfg.ExtractorVersion)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations. RunMigrations tracks applied
	// files in schema_migrations and skips duplicates, so errors here indicate
	// real failures (not "already exists").
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Notifier for curator decisions; noop unless a webhook is configured.
	var notifier notify.Notifier = notify.Noop{}
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret)
		logger.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	} else {
		logger.Info("webhook notifications disabled (no VARIOME_WEBHOOK_URL)")
	}

	reviews := review.New(db, notifier, logger)
	coordinator := pipeline.New(db, reviews, logger, cfg.Sources())

	// Extraction worker pool. Completed items feed straight back into the
	// coordinator so evidence and conflicts materialize without polling.
	extractor := extract.NewHTTPExtractor(cfg.ExtractorURL, cfg.ExtractorVersion, cfg.ExtractorAPIKey)
	pool := extract.NewPool(db, db, extractor, logger, extract.PoolConfig{
		Workers:           cfg.Workers,
		PollInterval:      cfg.PollInterval,
		ExtractTimeout:    cfg.ExtractTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		VisibilityTimeout: cfg.VisibilityTimeout,
		SweepInterval:     cfg.SweepInterval,
		Sources:           cfg.Sources(),
	})
	pool.OnCompletion(func(ctx context.Context, queueItemID uuid.UUID) {
		if err := coordinator.MaterializeOutcome(ctx, queueItemID); err != nil {
			logger.Error("materialize outcome failed", "queue_item_id", queueItemID, "error", err)
		}
	})
	pool.Start(ctx)

	// Scheduling pass on a cron. SkipIfStillRunning keeps a slow source scan
	// from piling up overlapping passes.
	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := scheduler.AddFunc(cfg.ScheduleSpec, func() {
		stats, err := coordinator.ProcessDuePublications(ctx, cfg.ExtractorVersion)
		if err != nil {
			logger.Error("scheduled pipeline pass failed", "error", err)
			return
		}
		if stats.Enqueued > 0 {
			logger.Info("scheduled pipeline pass complete",
				"enqueued", stats.Enqueued, "skipped", stats.Skipped)
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.ScheduleSpec, err)
	}
	scheduler.Start()

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Reviews:             reviews,
		Runner:              coordinator,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		ExtractorVersion:    cfg.ExtractorVersion,
		APIKey:              cfg.APIKey,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop the scheduler so no new items get enqueued, (2) stop
	// accepting HTTP requests and drain in-flight ones, (3) drain the worker
	// pool so claimed items finish or return to pending via the sweeper.
	slog.Info("variome shutting down")

	cronCtx := scheduler.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(10 * time.Second):
		slog.Warn("cron jobs still running at shutdown deadline")
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	poolCtx, poolCancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool.Drain(poolCtx)
	poolCancel()

	slog.Info("variome stopped")
	return nil
}
