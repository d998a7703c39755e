package compliance

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/interntrack/interntrack/internal/jobs"
	"github.com/interntrack/interntrack/internal/observability"
	"github.com/interntrack/interntrack/jobs"
)

// RecalcJob processes expected-count recalculation tasks on the worker.
type RecalcJob struct {
	recalc  *Recalculator
	metrics *observability.Metrics
	jm      *jobmetrics.Metrics
	cache   *Cache
	logger  *slog.Logger
}

// NewRecalcJob constructs a job handler. jm and cache may be nil.
func NewRecalcJob(recalc *Recalculator, metrics *observability.Metrics, jm *jobmetrics.Metrics, cache *Cache, logger *slog.Logger) *RecalcJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecalcJob{recalc: recalc, metrics: metrics, jm: jm, cache: cache, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract for single-period tasks.
func (j *RecalcJob) Handle(ctx context.Context, task *asynq.Task) error {
	tracker := j.jm.Track(jobs.TaskTypeComplianceRecalc)
	var payload jobs.ComplianceRecalcPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	periodID, err := uuid.Parse(payload.PeriodID)
	if err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	if _, err := j.recalc.Recalculate(ctx, periodID); err != nil {
		j.logger.Error("recalc task", slog.String("period_id", payload.PeriodID), slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics.RecalculationRan()
	j.invalidate(ctx)
	return tracker.End(nil)
}

// HandleSweep re-derives all active periods. Individual failures are
// logged inside the recalculator and do not fail the sweep.
func (j *RecalcJob) HandleSweep(ctx context.Context, task *asynq.Task) error {
	tracker := j.jm.Track(jobs.TaskTypeComplianceSweep)
	done, err := j.recalc.RecalculateAll(ctx)
	if err != nil {
		j.logger.Error("recalc sweep", slog.Any("error", err))
		return tracker.End(err)
	}
	j.logger.Info("recalc sweep finished", slog.Int("periods", done))
	j.invalidate(ctx)
	return tracker.End(nil)
}

// invalidate ages out snapshots cached before the recalculation landed.
func (j *RecalcJob) invalidate(ctx context.Context) {
	if err := j.cache.Bump(ctx); err != nil {
		j.logger.Warn("cache bump failed", slog.Any("error", err))
	}
}
