package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/interntrack/interntrack/internal/app"
	"github.com/interntrack/interntrack/internal/compliance"
	"github.com/interntrack/interntrack/internal/compliance/cycle"
	jobmetrics "github.com/interntrack/interntrack/internal/jobs"
	"github.com/interntrack/interntrack/internal/observability"
	"github.com/interntrack/interntrack/internal/platform/cache"
	"github.com/interntrack/interntrack/internal/platform/db"
	"github.com/interntrack/interntrack/internal/shared"
	"github.com/interntrack/interntrack/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, snapshot invalidation disabled", slog.Any("error", err))
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jm := jobmetrics.NewMetrics(metrics.Registerer())
	calculator := cycle.NewCalculator(cfg.CyclePolicy())
	repo := compliance.NewRepository(pool)
	recalc := compliance.NewRecalculator(repo, calculator, logger)

	var snapshotCache *compliance.Cache
	if redisClient != nil {
		snapshotCache = compliance.NewCache(redisClient, cfg.SnapshotCacheTTL)
	}
	recalcJob := compliance.NewRecalcJob(recalc, metrics, jm, snapshotCache, logger)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	dedupRetention := time.Duration(cfg.EventDedupRetentionH) * time.Hour

	sweepTask, err := jobs.NewComplianceSweepTask(time.Now().UTC())
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeComplianceRecalc, Handler: recalcJob.Handle},
			{Type: jobs.TaskTypeComplianceSweep, Handler: recalcJob.HandleSweep},
			{Type: jobs.TaskTypeDedupCleanup, Handler: func(ctx context.Context, _ *asynq.Task) error {
				t := jm.Track(jobs.TaskTypeDedupCleanup)
				return t.End(idempotencyStore.Cleanup(ctx, dedupRetention))
			}},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.RecalcSweepCronSpec, Task: sweepTask},
			{Spec: cfg.DedupCleanupCronSpec, Task: jobs.NewDedupCleanupTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
