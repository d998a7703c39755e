// Package compliance tracks periodic obligations (progress reports,
// supervisory visits) across the life of an internship period. Expected
// counts are derived from the period's date range; fulfilled counts are
// event-sourced counters. The two field groups are written by disjoint
// code paths and never inside the same statement.
package compliance

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/interntrack/interntrack/internal/compliance/cycle"
	"github.com/interntrack/interntrack/internal/shared"
)

// Period is the tracked entity. The id is owned by the surrounding
// internship-management system; this engine only maintains the schedule
// and counter fields below.
type Period struct {
	ID                   uuid.UUID
	StudentName          string
	InstitutionName      string
	StartDate            *time.Time
	EndDate              *time.Time
	ActualJoinDate       *time.Time
	ActualCompletionDate *time.Time

	// Derived fields, written only by the recalculator.
	TotalExpectedReports int
	TotalExpectedVisits  int
	ExpectedCalculatedAt *time.Time

	// Event-sourced fields, written only by counter mutations.
	SubmittedReportsCount int
	CompletedVisitsCount  int

	RetiredAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveDates resolves the date range used for schedule derivation.
// The declared start/end pair wins; the actual join/completion dates fill
// in whichever side is missing.
func (p Period) EffectiveDates() (start, end *time.Time) {
	start = p.StartDate
	if start == nil {
		start = p.ActualJoinDate
	}
	end = p.EndDate
	if end == nil {
		end = p.ActualCompletionDate
	}
	return start, end
}

// Retired reports whether the period has been logically closed out.
func (p Period) Retired() bool {
	return p.RetiredAt != nil
}

// ProgressSnapshot is the read model handed to dashboards and exports.
type ProgressSnapshot struct {
	PeriodID              uuid.UUID           `json:"period_id"`
	TotalExpectedReports  int                 `json:"total_expected_reports"`
	SubmittedReportsCount int                 `json:"submitted_reports_count"`
	TotalExpectedVisits   int                 `json:"total_expected_visits"`
	CompletedVisitsCount  int                 `json:"completed_visits_count"`
	ReportCompliance      cycle.Rate          `json:"report_compliance"`
	VisitCompliance       cycle.Rate          `json:"visit_compliance"`
	ReportStatuses        []cycle.CycleStatus `json:"report_statuses"`
	VisitStatuses         []cycle.CycleStatus `json:"visit_statuses"`
	GeneratedAt           time.Time           `json:"generated_at"`
}

// EventType enumerates the lifecycle notifications accepted by the engine.
type EventType string

const (
	// EventReportSubmitted increments the submitted reports counter.
	EventReportSubmitted EventType = "report_submitted"
	// EventReportWithdrawn decrements the submitted reports counter.
	EventReportWithdrawn EventType = "report_withdrawn"
	// EventVisitCompleted increments the completed visits counter.
	EventVisitCompleted EventType = "visit_completed"
	// EventVisitCancelled decrements the completed visits counter.
	EventVisitCancelled EventType = "visit_cancelled"
)

// RegisterPeriodInput captures period registration. Dates may be unknown
// at registration time.
type RegisterPeriodInput struct {
	ID                   uuid.UUID
	StudentName          string
	InstitutionName      string
	StartDate            *time.Time
	EndDate              *time.Time
	ActualJoinDate       *time.Time
	ActualCompletionDate *time.Time
}

// Validate ensures the input is storable. The check runs on the
// effective range, after the actual-date fallback, because that is the
// range the recalculator will derive from: rejecting here keeps invalid
// registrations out of the store entirely.
func (in RegisterPeriodInput) Validate() error {
	return validEffectiveRange(in.StartDate, in.EndDate, in.ActualJoinDate, in.ActualCompletionDate)
}

// UpdateDatesInput captures a date edit by any actor.
type UpdateDatesInput struct {
	StartDate            *time.Time
	EndDate              *time.Time
	ActualJoinDate       *time.Time
	ActualCompletionDate *time.Time
}

// Validate rejects an inverted effective range before anything is
// written.
func (in UpdateDatesInput) Validate() error {
	return validEffectiveRange(in.StartDate, in.EndDate, in.ActualJoinDate, in.ActualCompletionDate)
}

func validEffectiveRange(start, end, join, completion *time.Time) error {
	if start == nil {
		start = join
	}
	if end == nil {
		end = completion
	}
	if start != nil && end != nil && end.Before(*start) {
		return ErrInvalidDateRange
	}
	return nil
}

var (
	// ErrPeriodNotFound indicates the period id is unknown. A caller bug,
	// surfaced directly.
	ErrPeriodNotFound = fmt.Errorf("compliance: period %w", shared.ErrNotFound)
	// ErrInvalidDateRange mirrors the calculator's range validation so
	// callers can match either layer.
	ErrInvalidDateRange = cycle.ErrInvalidDateRange
)
