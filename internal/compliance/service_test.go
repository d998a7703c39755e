package compliance

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/interntrack/interntrack/internal/compliance/cycle"
	"github.com/interntrack/interntrack/internal/shared"
	_ "github.com/interntrack/interntrack/internal/testing/guard"
)

type memoryStore struct {
	periods map[uuid.UUID]*Period
}

func newMemoryStore() *memoryStore {
	return &memoryStore{periods: make(map[uuid.UUID]*Period)}
}

func (s *memoryStore) InsertPeriod(ctx context.Context, in RegisterPeriodInput) (Period, error) {
	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	p := &Period{
		ID:                   id,
		StudentName:          in.StudentName,
		InstitutionName:      in.InstitutionName,
		StartDate:            in.StartDate,
		EndDate:              in.EndDate,
		ActualJoinDate:       in.ActualJoinDate,
		ActualCompletionDate: in.ActualCompletionDate,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	s.periods[id] = p
	return *p, nil
}

func (s *memoryStore) GetPeriod(ctx context.Context, id uuid.UUID) (Period, error) {
	p, ok := s.periods[id]
	if !ok {
		return Period{}, ErrPeriodNotFound
	}
	return *p, nil
}

func (s *memoryStore) UpdateDates(ctx context.Context, id uuid.UUID, in UpdateDatesInput) error {
	p, ok := s.periods[id]
	if !ok {
		return ErrPeriodNotFound
	}
	p.StartDate = in.StartDate
	p.EndDate = in.EndDate
	p.ActualJoinDate = in.ActualJoinDate
	p.ActualCompletionDate = in.ActualCompletionDate
	return nil
}

func (s *memoryStore) UpdateExpectedCounts(ctx context.Context, id uuid.UUID, expectedReports, expectedVisits int, calculatedAt time.Time) error {
	p, ok := s.periods[id]
	if !ok {
		return ErrPeriodNotFound
	}
	p.TotalExpectedReports = expectedReports
	p.TotalExpectedVisits = expectedVisits
	p.ExpectedCalculatedAt = &calculatedAt
	return nil
}

func (s *memoryStore) IncrementSubmittedReports(ctx context.Context, id uuid.UUID) error {
	p, ok := s.periods[id]
	if !ok {
		return ErrPeriodNotFound
	}
	p.SubmittedReportsCount++
	return nil
}

func (s *memoryStore) DecrementSubmittedReports(ctx context.Context, id uuid.UUID) (bool, error) {
	p, ok := s.periods[id]
	if !ok {
		return false, ErrPeriodNotFound
	}
	if p.SubmittedReportsCount == 0 {
		return false, nil
	}
	p.SubmittedReportsCount--
	return true, nil
}

func (s *memoryStore) IncrementCompletedVisits(ctx context.Context, id uuid.UUID) error {
	p, ok := s.periods[id]
	if !ok {
		return ErrPeriodNotFound
	}
	p.CompletedVisitsCount++
	return nil
}

func (s *memoryStore) DecrementCompletedVisits(ctx context.Context, id uuid.UUID) (bool, error) {
	p, ok := s.periods[id]
	if !ok {
		return false, ErrPeriodNotFound
	}
	if p.CompletedVisitsCount == 0 {
		return false, nil
	}
	p.CompletedVisitsCount--
	return true, nil
}

func (s *memoryStore) RetirePeriod(ctx context.Context, id uuid.UUID, at time.Time) error {
	p, ok := s.periods[id]
	if !ok {
		return ErrPeriodNotFound
	}
	if p.RetiredAt == nil {
		p.RetiredAt = &at
	}
	return nil
}

func (s *memoryStore) ListPeriods(ctx context.Context, limit, offset int) ([]Period, int, error) {
	var all []Period
	for _, p := range s.periods {
		all = append(all, *p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *memoryStore) ListActivePeriodIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, p := range s.periods {
		if p.RetiredAt == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memoryDeduper struct {
	seen map[string]bool
}

func newMemoryDeduper() *memoryDeduper {
	return &memoryDeduper{seen: make(map[string]bool)}
}

func (d *memoryDeduper) CheckAndInsert(ctx context.Context, key, module string) error {
	full := module + ":" + key
	if d.seen[full] {
		return shared.ErrIdempotencyConflict
	}
	d.seen[full] = true
	return nil
}

func (d *memoryDeduper) Delete(ctx context.Context, key, module string) error {
	delete(d.seen, module+":"+key)
	return nil
}

// flakyStore fails the next report increment, simulating a transient
// storage outage during event processing.
type flakyStore struct {
	*memoryStore
	failNextIncrement bool
}

func (s *flakyStore) IncrementSubmittedReports(ctx context.Context, id uuid.UUID) error {
	if s.failNextIncrement {
		s.failNextIncrement = false
		return errors.New("connection reset")
	}
	return s.memoryStore.IncrementSubmittedReports(ctx, id)
}

func newTestService(t *testing.T, store Store, dedupe Deduper) *Service {
	t.Helper()
	calc := cycle.NewCalculator(cycle.DefaultPolicy())
	recalc := NewRecalculator(store, calc, slog.Default())
	return NewService(store, recalc, calc, dedupe, nil, nil, nil, slog.Default())
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func registerTestPeriod(t *testing.T, svc *Service, start, end *time.Time) Period {
	t.Helper()
	p, err := svc.RegisterPeriod(context.Background(), RegisterPeriodInput{
		StudentName:     "Amina Yusuf",
		InstitutionName: "Harborview Clinic",
		StartDate:       start,
		EndDate:         end,
	})
	require.NoError(t, err)
	return p
}

func TestRegisterPeriodDerivesExpectedCounts(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)

	p := registerTestPeriod(t, svc, datePtr(2025, time.December, 15), datePtr(2026, time.July, 21))
	require.Equal(t, 8, p.TotalExpectedReports)
	require.Equal(t, 8, p.TotalExpectedVisits)
	require.NotNil(t, p.ExpectedCalculatedAt)
	require.Zero(t, p.SubmittedReportsCount)
	require.Zero(t, p.CompletedVisitsCount)
}

func TestRegisterPeriodWithoutDates(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)

	p := registerTestPeriod(t, svc, nil, nil)
	require.Zero(t, p.TotalExpectedReports)
	require.Zero(t, p.TotalExpectedVisits)
}

func TestRecalculateIdempotent(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	p := registerTestPeriod(t, svc, datePtr(2026, time.January, 1), datePtr(2026, time.June, 30))
	require.NoError(t, svc.ReportSubmitted(ctx, p.ID, ""))
	require.NoError(t, svc.ReportSubmitted(ctx, p.ID, ""))

	first, err := store.GetPeriod(ctx, p.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.DatesChanged(ctx, p.ID))
	}

	again, err := store.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, first.TotalExpectedReports, again.TotalExpectedReports)
	require.Equal(t, first.TotalExpectedVisits, again.TotalExpectedVisits)
	require.Equal(t, 2, again.SubmittedReportsCount, "recalculation must not touch counters")
}

func TestCountersSurviveDateShrink(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	p := registerTestPeriod(t, svc, datePtr(2026, time.January, 1), datePtr(2026, time.December, 31))
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.ReportSubmitted(ctx, p.ID, ""))
	}

	updated, err := svc.UpdateDates(ctx, p.ID, UpdateDatesInput{
		StartDate: datePtr(2026, time.January, 1),
		EndDate:   datePtr(2026, time.February, 28),
	})
	require.NoError(t, err)
	require.Less(t, updated.TotalExpectedReports, p.TotalExpectedReports)
	require.Equal(t, 3, updated.SubmittedReportsCount, "date edits must never move counters")
}

func TestWithdrawAfterSubmissions(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	p := registerTestPeriod(t, svc, datePtr(2026, time.January, 1), datePtr(2026, time.June, 30))
	expected := p.TotalExpectedReports

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.ReportSubmitted(ctx, p.ID, ""))
	}
	require.NoError(t, svc.ReportWithdrawn(ctx, p.ID, ""))

	got, err := store.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.SubmittedReportsCount)
	require.Equal(t, expected, got.TotalExpectedReports, "withdrawals must never move expected totals")
}

func TestDecrementFloorsAtZero(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	p := registerTestPeriod(t, svc, datePtr(2026, time.January, 1), datePtr(2026, time.June, 30))

	// Duplicate cancellations are routine: absorbed, never an error.
	require.NoError(t, svc.ReportWithdrawn(ctx, p.ID, ""))
	require.NoError(t, svc.VisitCancelled(ctx, p.ID, ""))

	got, err := store.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	require.Zero(t, got.SubmittedReportsCount)
	require.Zero(t, got.CompletedVisitsCount)
}

func TestDuplicateEventDropped(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, newMemoryDeduper())
	ctx := context.Background()

	p := registerTestPeriod(t, svc, datePtr(2026, time.January, 1), datePtr(2026, time.June, 30))

	eventID := uuid.NewString()
	require.NoError(t, svc.ReportSubmitted(ctx, p.ID, eventID))
	require.NoError(t, svc.ReportSubmitted(ctx, p.ID, eventID))

	got, err := store.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.SubmittedReportsCount, "retried event must count once")
}

func TestRetryAfterStorageFailureCounts(t *testing.T) {
	store := &flakyStore{memoryStore: newMemoryStore()}
	svc := newTestService(t, store, newMemoryDeduper())
	ctx := context.Background()

	p := registerTestPeriod(t, svc, datePtr(2026, time.January, 1), datePtr(2026, time.June, 30))

	// The failed attempt must release its idempotency key, otherwise the
	// caller's retry with the same event id is dropped as a duplicate.
	eventID := uuid.NewString()
	store.failNextIncrement = true
	require.Error(t, svc.ReportSubmitted(ctx, p.ID, eventID))

	require.NoError(t, svc.ReportSubmitted(ctx, p.ID, eventID))

	got, err := store.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.SubmittedReportsCount, "retried event must be counted once")
}

func TestSameEventIDDistinctTypes(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, newMemoryDeduper())
	ctx := context.Background()

	p := registerTestPeriod(t, svc, datePtr(2026, time.January, 1), datePtr(2026, time.June, 30))

	// Keys are scoped per event type, so a shared id across types is
	// not a duplicate.
	eventID := uuid.NewString()
	require.NoError(t, svc.ReportSubmitted(ctx, p.ID, eventID))
	require.NoError(t, svc.VisitCompleted(ctx, p.ID, eventID))

	got, err := store.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.SubmittedReportsCount)
	require.Equal(t, 1, got.CompletedVisitsCount)
}

func TestUpdateDatesRejectsInvertedRange(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	p := registerTestPeriod(t, svc, datePtr(2026, time.January, 1), datePtr(2026, time.June, 30))
	expected := p.TotalExpectedReports

	_, err := svc.UpdateDates(ctx, p.ID, UpdateDatesInput{
		StartDate: datePtr(2026, time.June, 30),
		EndDate:   datePtr(2026, time.January, 1),
	})
	require.ErrorIs(t, err, ErrInvalidDateRange)

	got, err := store.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, expected, got.TotalExpectedReports, "rejected edit must leave expected totals intact")
}

func TestRegisterPeriodRejectsInvertedEffectiveRange(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)

	// Declared start, actual completion before it: the effective range is
	// inverted even though the declared pair alone looks fine.
	_, err := svc.RegisterPeriod(context.Background(), RegisterPeriodInput{
		StudentName:          "Amina Yusuf",
		InstitutionName:      "Harborview Clinic",
		StartDate:            datePtr(2026, time.June, 1),
		ActualCompletionDate: datePtr(2026, time.January, 1),
	})
	require.ErrorIs(t, err, ErrInvalidDateRange)
	require.Empty(t, store.periods, "a rejected registration must not leave a row behind")
}

func TestUpdateDatesRejectsInvertedEffectiveRange(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	p := registerTestPeriod(t, svc, datePtr(2026, time.January, 1), datePtr(2026, time.June, 30))

	_, err := svc.UpdateDates(ctx, p.ID, UpdateDatesInput{
		StartDate:            datePtr(2026, time.June, 1),
		ActualCompletionDate: datePtr(2026, time.January, 1),
	})
	require.ErrorIs(t, err, ErrInvalidDateRange)

	got, err := store.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.StartDate, got.StartDate, "rejected edit must not be persisted")
	require.Equal(t, p.EndDate, got.EndDate)
}

func TestFallbackToActualDates(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)

	p, err := svc.RegisterPeriod(context.Background(), RegisterPeriodInput{
		StudentName:          "Jonas Meyer",
		InstitutionName:      "Stadtwerke Lab",
		ActualJoinDate:       datePtr(2026, time.January, 1),
		ActualCompletionDate: datePtr(2026, time.June, 30),
	})
	require.NoError(t, err)
	require.NotZero(t, p.TotalExpectedReports, "actual join/completion dates must back-fill the schedule")
}

func TestProgressNotApplicableWithoutDates(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	p := registerTestPeriod(t, svc, nil, nil)
	require.NoError(t, svc.ReportSubmitted(ctx, p.ID, ""))

	snap, err := svc.Progress(ctx, p.ID, time.Now())
	require.NoError(t, err)
	require.False(t, snap.ReportCompliance.Valid, "zero expected must read as not applicable")
	require.False(t, snap.VisitCompliance.Valid)
	require.Empty(t, snap.ReportStatuses)
	require.Equal(t, 1, snap.SubmittedReportsCount)
}

func TestProgressSnapshot(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	p := registerTestPeriod(t, svc, datePtr(2026, time.January, 1), datePtr(2026, time.June, 30))
	require.NoError(t, svc.ReportSubmitted(ctx, p.ID, ""))
	require.NoError(t, svc.ReportSubmitted(ctx, p.ID, ""))
	require.NoError(t, svc.VisitCompleted(ctx, p.ID, ""))

	now := time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)
	snap, err := svc.Progress(ctx, p.ID, now)
	require.NoError(t, err)

	require.Equal(t, 7, snap.TotalExpectedReports)
	require.Equal(t, 2, snap.SubmittedReportsCount)
	require.Len(t, snap.ReportStatuses, 7)
	require.Equal(t, cycle.StateCompleted, snap.ReportStatuses[0].State)
	require.Equal(t, cycle.StateCompleted, snap.ReportStatuses[1].State)
	require.Equal(t, cycle.StateOverdue, snap.ReportStatuses[2].State)
	require.Equal(t, cycle.StateUpcoming, snap.ReportStatuses[6].State)

	require.True(t, snap.ReportCompliance.Valid)
	require.Equal(t, 29, snap.ReportCompliance.Percent)
	require.Equal(t, 14, snap.VisitCompliance.Percent)
}

func TestRetireKeepsFinalCounts(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	p := registerTestPeriod(t, svc, datePtr(2026, time.January, 1), datePtr(2026, time.June, 30))
	require.NoError(t, svc.ReportSubmitted(ctx, p.ID, ""))
	require.NoError(t, svc.Retire(ctx, p.ID))

	got, err := store.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RetiredAt)
	require.Equal(t, 1, got.SubmittedReportsCount)

	ids, err := store.ListActivePeriodIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestListPeriodsPaginates(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		registerTestPeriod(t, svc, nil, nil)
	}

	periods, pagination, err := svc.ListPeriods(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, periods, 2)
	require.Equal(t, 5, pagination.Total)
	require.Equal(t, 3, pagination.TotalPages)
	require.Equal(t, 2, pagination.Page)
}

func TestProgressUnknownPeriod(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store, nil)

	_, err := svc.Progress(context.Background(), uuid.New(), time.Now())
	require.ErrorIs(t, err, ErrPeriodNotFound)
}
