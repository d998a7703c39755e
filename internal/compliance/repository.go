package compliance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for internship
// periods. Counter mutations are single atomic statements; expected-count
// writes touch only the derived columns. No method updates both groups.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const periodColumns = `id, student_name, institution_name, start_date, end_date,
actual_join_date, actual_completion_date,
total_expected_reports, total_expected_visits, expected_calculated_at,
submitted_reports_count, completed_visits_count,
retired_at, created_at, updated_at`

// InsertPeriod stores a newly registered period. Counters and expected
// totals start at zero until the first recalculation.
func (r *Repository) InsertPeriod(ctx context.Context, in RegisterPeriodInput) (Period, error) {
	now := time.Now().UTC()
	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO internship_periods
(id, student_name, institution_name, start_date, end_date, actual_join_date, actual_completion_date, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		id, in.StudentName, in.InstitutionName, in.StartDate, in.EndDate, in.ActualJoinDate, in.ActualCompletionDate, now)
	if err != nil {
		return Period{}, err
	}
	return r.GetPeriod(ctx, id)
}

// GetPeriod loads a period by id.
func (r *Repository) GetPeriod(ctx context.Context, id uuid.UUID) (Period, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM internship_periods WHERE id = $1`, id)
	var p Period
	err := row.Scan(&p.ID, &p.StudentName, &p.InstitutionName, &p.StartDate, &p.EndDate,
		&p.ActualJoinDate, &p.ActualCompletionDate,
		&p.TotalExpectedReports, &p.TotalExpectedVisits, &p.ExpectedCalculatedAt,
		&p.SubmittedReportsCount, &p.CompletedVisitsCount,
		&p.RetiredAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	return p, nil
}

// UpdateDates edits the date columns only. Expected totals are refreshed
// by the recalculator afterwards; counters are untouched.
func (r *Repository) UpdateDates(ctx context.Context, id uuid.UUID, in UpdateDatesInput) error {
	tag, err := r.pool.Exec(ctx, `UPDATE internship_periods
SET start_date = $2, end_date = $3, actual_join_date = $4, actual_completion_date = $5, updated_at = $6
WHERE id = $1`,
		id, in.StartDate, in.EndDate, in.ActualJoinDate, in.ActualCompletionDate, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

// UpdateExpectedCounts writes the derived schedule fields. This is the
// only statement in the engine that touches them, and it never references
// the counter columns.
func (r *Repository) UpdateExpectedCounts(ctx context.Context, id uuid.UUID, expectedReports, expectedVisits int, calculatedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE internship_periods
SET total_expected_reports = $2, total_expected_visits = $3, expected_calculated_at = $4, updated_at = $4
WHERE id = $1`,
		id, expectedReports, expectedVisits, calculatedAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

// IncrementSubmittedReports adds one submitted report.
func (r *Repository) IncrementSubmittedReports(ctx context.Context, id uuid.UUID) error {
	return r.increment(ctx, id, `UPDATE internship_periods
SET submitted_reports_count = submitted_reports_count + 1, updated_at = $2 WHERE id = $1`)
}

// DecrementSubmittedReports removes one submitted report, floored at
// zero. The bool reports whether a unit was actually subtracted.
func (r *Repository) DecrementSubmittedReports(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.decrement(ctx, id, `UPDATE internship_periods
SET submitted_reports_count = submitted_reports_count - 1, updated_at = $2
WHERE id = $1 AND submitted_reports_count > 0`)
}

// IncrementCompletedVisits adds one completed visit.
func (r *Repository) IncrementCompletedVisits(ctx context.Context, id uuid.UUID) error {
	return r.increment(ctx, id, `UPDATE internship_periods
SET completed_visits_count = completed_visits_count + 1, updated_at = $2 WHERE id = $1`)
}

// DecrementCompletedVisits removes one completed visit, floored at zero.
func (r *Repository) DecrementCompletedVisits(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.decrement(ctx, id, `UPDATE internship_periods
SET completed_visits_count = completed_visits_count - 1, updated_at = $2
WHERE id = $1 AND completed_visits_count > 0`)
}

func (r *Repository) increment(ctx context.Context, id uuid.UUID, query string) error {
	tag, err := r.pool.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

func (r *Repository) decrement(ctx context.Context, id uuid.UUID, query string) (bool, error) {
	tag, err := r.pool.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Zero rows: either the counter is already at its floor or the period
	// does not exist. Only the latter is an error.
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM internship_periods WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrPeriodNotFound
	}
	return false, nil
}

// RetirePeriod marks a period as logically closed while retaining its
// final counts for historical reporting. Idempotent.
func (r *Repository) RetirePeriod(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE internship_periods
SET retired_at = COALESCE(retired_at, $2), updated_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

// ListPeriods returns one page of periods ordered by creation time,
// alongside the total row count for pagination.
func (r *Repository) ListPeriods(ctx context.Context, limit, offset int) ([]Period, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM internship_periods`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM internship_periods
ORDER BY created_at, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var periods []Period
	for rows.Next() {
		var p Period
		if err := rows.Scan(&p.ID, &p.StudentName, &p.InstitutionName, &p.StartDate, &p.EndDate,
			&p.ActualJoinDate, &p.ActualCompletionDate,
			&p.TotalExpectedReports, &p.TotalExpectedVisits, &p.ExpectedCalculatedAt,
			&p.SubmittedReportsCount, &p.CompletedVisitsCount,
			&p.RetiredAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, err
		}
		periods = append(periods, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return periods, total, nil
}

// ListActivePeriodIDs returns ids of periods not yet retired, for the
// reconciliation sweep.
func (r *Repository) ListActivePeriodIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM internship_periods WHERE retired_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
