package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/interntrack/interntrack/internal/compliance/cycle"
)

// Recalculator derives the expected obligation totals from a period's
// current date range and persists them. It runs at registration, after
// every date edit, and from the nightly sweep. Re-running it with
// unchanged dates is a no-op by construction: the expected totals are a
// pure function of the dates, and the write never touches the
// event-sourced counters.
type Recalculator struct {
	store  Store
	calc   *cycle.Calculator
	logger *slog.Logger
	now    func() time.Time
}

// NewRecalculator builds a recalculator.
func NewRecalculator(store Store, calc *cycle.Calculator, logger *slog.Logger) *Recalculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recalculator{store: store, calc: calc, logger: logger, now: time.Now}
}

// Recalculate recomputes and persists the expected totals for one period.
// On an inverted date range the previously stored totals are left as they
// were and the error is returned for the caller to reject the edit.
func (r *Recalculator) Recalculate(ctx context.Context, periodID uuid.UUID) (Period, error) {
	p, err := r.store.GetPeriod(ctx, periodID)
	if err != nil {
		return Period{}, err
	}

	start, end := p.EffectiveDates()
	expected, err := r.calc.ExpectedCount(start, end)
	if err != nil {
		return Period{}, fmt.Errorf("compliance: recalculate %s: %w", periodID, err)
	}

	// Reports and visits currently share one cadence: one of each per
	// cycle. Separate policies would plug in here.
	calculatedAt := r.now().UTC()
	if err := r.store.UpdateExpectedCounts(ctx, periodID, expected, expected, calculatedAt); err != nil {
		return Period{}, err
	}

	r.logger.Debug("expected counts recalculated",
		slog.String("period_id", periodID.String()),
		slog.Int("expected", expected))

	p.TotalExpectedReports = expected
	p.TotalExpectedVisits = expected
	p.ExpectedCalculatedAt = &calculatedAt
	return p, nil
}

// RecalculateAll re-derives every active period, tolerating individual
// failures. Used by the reconciliation sweep.
func (r *Recalculator) RecalculateAll(ctx context.Context) (int, error) {
	ids, err := r.store.ListActivePeriodIDs(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := r.Recalculate(ctx, id); err != nil {
			r.logger.Warn("sweep recalculation failed",
				slog.String("period_id", id.String()), slog.Any("error", err))
			continue
		}
		done++
	}
	return done, nil
}
