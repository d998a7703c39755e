package compliance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/interntrack/interntrack/internal/compliance/cycle"
	"github.com/interntrack/interntrack/internal/observability"
	"github.com/interntrack/interntrack/internal/shared"
)

// Store is the persistence surface the engine needs. Implemented by
// *Repository; tests substitute an in-memory fake.
type Store interface {
	InsertPeriod(ctx context.Context, in RegisterPeriodInput) (Period, error)
	GetPeriod(ctx context.Context, id uuid.UUID) (Period, error)
	UpdateDates(ctx context.Context, id uuid.UUID, in UpdateDatesInput) error
	UpdateExpectedCounts(ctx context.Context, id uuid.UUID, expectedReports, expectedVisits int, calculatedAt time.Time) error
	IncrementSubmittedReports(ctx context.Context, id uuid.UUID) error
	DecrementSubmittedReports(ctx context.Context, id uuid.UUID) (bool, error)
	IncrementCompletedVisits(ctx context.Context, id uuid.UUID) error
	DecrementCompletedVisits(ctx context.Context, id uuid.UUID) (bool, error)
	RetirePeriod(ctx context.Context, id uuid.UUID, at time.Time) error
	ListPeriods(ctx context.Context, limit, offset int) ([]Period, int, error)
	ListActivePeriodIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Deduper rejects already-processed event keys. Delete releases a
// claimed key when the mutation behind it failed, so the caller's retry
// is not mistaken for a duplicate.
type Deduper interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// RecalcEnqueuer hands a recalculation off to the background worker.
type RecalcEnqueuer interface {
	EnqueueRecalc(ctx context.Context, periodID uuid.UUID) error
}

// Service is the engine's entry point. Date-change handling and counter
// mutations are deliberately separate code paths writing disjoint field
// groups, so concurrent submissions and date edits never race on the
// same columns.
type Service struct {
	store    Store
	recalc   *Recalculator
	calc     *cycle.Calculator
	dedupe   Deduper
	enqueuer RecalcEnqueuer
	cache    *Cache
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds the service. dedupe, enqueuer, cache and metrics may
// be nil; the corresponding behavior degrades gracefully.
func NewService(store Store, recalc *Recalculator, calc *cycle.Calculator, dedupe Deduper, enqueuer RecalcEnqueuer, cache *Cache, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		recalc:   recalc,
		calc:     calc,
		dedupe:   dedupe,
		enqueuer: enqueuer,
		cache:    cache,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterPeriod stores a new period and derives its initial schedule.
func (s *Service) RegisterPeriod(ctx context.Context, in RegisterPeriodInput) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	p, err := s.store.InsertPeriod(ctx, in)
	if err != nil {
		return Period{}, err
	}
	p, err = s.recalc.Recalculate(ctx, p.ID)
	if err != nil {
		return Period{}, err
	}
	s.metrics.RecalculationRan()
	s.invalidate(ctx)
	return p, nil
}

// GetPeriod loads one period.
func (s *Service) GetPeriod(ctx context.Context, id uuid.UUID) (Period, error) {
	return s.store.GetPeriod(ctx, id)
}

// ListPeriods returns one page of periods with pagination metadata.
func (s *Service) ListPeriods(ctx context.Context, page, perPage int) ([]Period, shared.Pagination, error) {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	periods, total, err := s.store.ListPeriods(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return periods, shared.NewPagination(page, perPage, total), nil
}

// UpdateDates applies a date edit and re-derives the expected totals.
// An inverted range is rejected before anything is written, leaving the
// stored expected fields at their prior value. Counters are never
// touched on this path.
func (s *Service) UpdateDates(ctx context.Context, id uuid.UUID, in UpdateDatesInput) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	if err := s.store.UpdateDates(ctx, id, in); err != nil {
		return Period{}, err
	}
	p, err := s.recalc.Recalculate(ctx, id)
	if err != nil {
		return Period{}, err
	}
	s.metrics.RecalculationRan()
	s.invalidate(ctx)
	return p, nil
}

// DatesChanged handles the external notification that a period's dates
// were edited outside this engine. The recalculation runs on the worker
// when an enqueuer is wired, inline otherwise.
func (s *Service) DatesChanged(ctx context.Context, id uuid.UUID) error {
	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueRecalc(ctx, id); err == nil {
			s.invalidate(ctx)
			return nil
		}
		s.logger.Warn("recalc enqueue failed, running inline", slog.String("period_id", id.String()))
	}
	if _, err := s.recalc.Recalculate(ctx, id); err != nil {
		return err
	}
	s.metrics.RecalculationRan()
	s.invalidate(ctx)
	return nil
}

// ReportSubmitted increments the submitted reports counter by one.
func (s *Service) ReportSubmitted(ctx context.Context, periodID uuid.UUID, eventID string) error {
	if dup, err := s.checkDuplicate(ctx, eventID, EventReportSubmitted); dup || err != nil {
		return err
	}
	if err := s.store.IncrementSubmittedReports(ctx, periodID); err != nil {
		s.releaseEvent(ctx, eventID, EventReportSubmitted)
		return err
	}
	s.invalidate(ctx)
	return nil
}

// ReportWithdrawn decrements the submitted reports counter. A decrement
// at zero is a routine no-op (duplicate cancellations happen), recorded
// at low severity.
func (s *Service) ReportWithdrawn(ctx context.Context, periodID uuid.UUID, eventID string) error {
	if dup, err := s.checkDuplicate(ctx, eventID, EventReportWithdrawn); dup || err != nil {
		return err
	}
	applied, err := s.store.DecrementSubmittedReports(ctx, periodID)
	if err != nil {
		s.releaseEvent(ctx, eventID, EventReportWithdrawn)
		return err
	}
	if !applied {
		s.metrics.UnderflowAbsorbed("submitted_reports")
		s.logger.Debug("report withdrawal at zero absorbed", slog.String("period_id", periodID.String()))
	}
	s.invalidate(ctx)
	return nil
}

// VisitCompleted increments the completed visits counter by one.
func (s *Service) VisitCompleted(ctx context.Context, periodID uuid.UUID, eventID string) error {
	if dup, err := s.checkDuplicate(ctx, eventID, EventVisitCompleted); dup || err != nil {
		return err
	}
	if err := s.store.IncrementCompletedVisits(ctx, periodID); err != nil {
		s.releaseEvent(ctx, eventID, EventVisitCompleted)
		return err
	}
	s.invalidate(ctx)
	return nil
}

// VisitCancelled decrements the completed visits counter, floored at zero.
func (s *Service) VisitCancelled(ctx context.Context, periodID uuid.UUID, eventID string) error {
	if dup, err := s.checkDuplicate(ctx, eventID, EventVisitCancelled); dup || err != nil {
		return err
	}
	applied, err := s.store.DecrementCompletedVisits(ctx, periodID)
	if err != nil {
		s.releaseEvent(ctx, eventID, EventVisitCancelled)
		return err
	}
	if !applied {
		s.metrics.UnderflowAbsorbed("completed_visits")
		s.logger.Debug("visit cancellation at zero absorbed", slog.String("period_id", periodID.String()))
	}
	s.invalidate(ctx)
	return nil
}

// Retire marks the period as logically closed, keeping its final counts.
func (s *Service) Retire(ctx context.Context, periodID uuid.UUID) error {
	if err := s.store.RetirePeriod(ctx, periodID, s.now()); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Progress assembles the snapshot consumed by dashboards and exports.
// The read mixes the derived schedule with the event-sourced counters as
// they stand right now; it is recomputed fresh on the next request, so
// eventual consistency across the two field groups is acceptable.
func (s *Service) Progress(ctx context.Context, periodID uuid.UUID, now time.Time) (ProgressSnapshot, error) {
	if s.cache == nil {
		return s.buildProgress(ctx, periodID, now)
	}
	key, err := s.cache.BuildKey(ctx, "compliance", "progress", periodID.String(), cycle.DateOnly(now).Format("2006-01-02"))
	if err != nil {
		return s.buildProgress(ctx, periodID, now)
	}
	var snap ProgressSnapshot
	err = s.cache.FetchJSON(ctx, key, &snap, func(ctx context.Context) (interface{}, error) {
		return s.buildProgress(ctx, periodID, now)
	})
	if err != nil {
		if errors.Is(err, ErrPeriodNotFound) {
			return ProgressSnapshot{}, err
		}
		// Cache trouble must not break the read path.
		s.logger.Warn("progress cache fetch failed", slog.Any("error", err))
		return s.buildProgress(ctx, periodID, now)
	}
	return snap, nil
}

func (s *Service) buildProgress(ctx context.Context, periodID uuid.UUID, now time.Time) (ProgressSnapshot, error) {
	p, err := s.store.GetPeriod(ctx, periodID)
	if err != nil {
		return ProgressSnapshot{}, err
	}

	var cycles []cycle.Cycle
	if start, end := p.EffectiveDates(); start != nil && end != nil {
		cycles, err = s.calc.Cycles(*start, *end)
		if err != nil {
			// Inverted range on a stored row: report counters and rates,
			// skip per-cycle classification.
			s.logger.Warn("stored date range invalid, skipping cycle statuses",
				slog.String("period_id", periodID.String()))
			cycles = nil
		}
	}

	return ProgressSnapshot{
		PeriodID:              p.ID,
		TotalExpectedReports:  p.TotalExpectedReports,
		SubmittedReportsCount: p.SubmittedReportsCount,
		TotalExpectedVisits:   p.TotalExpectedVisits,
		CompletedVisitsCount:  p.CompletedVisitsCount,
		ReportCompliance:      cycle.ComplianceRate(p.TotalExpectedReports, p.SubmittedReportsCount),
		VisitCompliance:       cycle.ComplianceRate(p.TotalExpectedVisits, p.CompletedVisitsCount),
		ReportStatuses:        cycle.StatusesForCount(cycles, cycle.KindReport, now, p.SubmittedReportsCount),
		VisitStatuses:         cycle.StatusesForCount(cycles, cycle.KindVisit, now, p.CompletedVisitsCount),
		GeneratedAt:           now.UTC(),
	}, nil
}

// checkDuplicate applies event-id dedup when a key is supplied. Legacy
// callers without event ids are processed as-is; exactly-once delivery
// is then on them.
func (s *Service) checkDuplicate(ctx context.Context, eventID string, event EventType) (bool, error) {
	if eventID == "" || s.dedupe == nil {
		return false, nil
	}
	err := s.dedupe.CheckAndInsert(ctx, eventID, "compliance:"+string(event))
	if err == nil {
		return false, nil
	}
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		s.metrics.DuplicateEvent(string(event))
		s.logger.Info("duplicate lifecycle event dropped",
			slog.String("event", string(event)), slog.String("event_id", eventID))
		return true, nil
	}
	return false, err
}

// releaseEvent rolls back a claimed idempotency key after a failed
// mutation so the caller's retry counts instead of being dropped as a
// duplicate.
func (s *Service) releaseEvent(ctx context.Context, eventID string, event EventType) {
	if eventID == "" || s.dedupe == nil {
		return
	}
	if err := s.dedupe.Delete(ctx, eventID, "compliance:"+string(event)); err != nil {
		s.logger.Warn("idempotency key release failed",
			slog.String("event", string(event)), slog.String("event_id", eventID), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("cache bump failed", slog.Any("error", err))
	}
}
