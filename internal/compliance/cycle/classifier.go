package cycle

import (
	"math"
	"time"
)

// ObligationKind distinguishes the two periodic obligations per cycle.
type ObligationKind string

const (
	// KindReport is the trainee progress report obligation.
	KindReport ObligationKind = "REPORT"
	// KindVisit is the supervisory visit obligation.
	KindVisit ObligationKind = "VISIT"
)

// State enumerates per-cycle obligation states.
type State string

const (
	// StateUpcoming means the cycle has not started yet.
	StateUpcoming State = "UPCOMING"
	// StatePending means the cycle is open and unfulfilled.
	StatePending State = "PENDING"
	// StateOverdue means the due date passed without fulfillment.
	StateOverdue State = "OVERDUE"
	// StateCompleted means the obligation was fulfilled. Terminal.
	StateCompleted State = "COMPLETED"
)

// CycleStatus is the classified view of one cycle's obligation.
type CycleStatus struct {
	CycleNumber int            `json:"cycle_number"`
	Kind        ObligationKind `json:"kind"`
	State       State          `json:"state"`
	DueDate     time.Time      `json:"due_date"`
	IsLate      bool           `json:"is_late"`
	DaysLate    int            `json:"days_late"`
}

// DueDate returns the cycle's due date for the given obligation kind.
// Reports carry a grace period past cycle end; visits do not.
func (c Cycle) DueDate(kind ObligationKind) time.Time {
	if kind == KindVisit {
		return c.VisitDueDate
	}
	return c.ReportDueDate
}

// Classify resolves the state machine for a single cycle obligation.
// UPCOMING and PENDING and OVERDUE all transition to COMPLETED on
// fulfillment; COMPLETED is terminal. fulfilledAt, when known, drives the
// late flag.
func Classify(c Cycle, kind ObligationKind, now time.Time, fulfilled bool, fulfilledAt *time.Time) CycleStatus {
	due := c.DueDate(kind)
	status := CycleStatus{CycleNumber: c.Number, Kind: kind, DueDate: due}

	if fulfilled {
		status.State = StateCompleted
		if fulfilledAt != nil {
			at := DateOnly(*fulfilledAt)
			if at.After(due) {
				status.IsLate = true
				status.DaysLate = int(at.Sub(due) / (24 * time.Hour))
			}
		}
		return status
	}

	today := DateOnly(now)
	switch {
	case today.Before(c.Start):
		status.State = StateUpcoming
	case !today.After(due):
		status.State = StatePending
	default:
		status.State = StateOverdue
	}
	return status
}

// StatusesForCount maps an event-sourced counter onto the cycle sequence,
// fulfilling cycles in order: with a count of n, cycles 1..n are treated
// as completed. Per-fulfillment timestamps are not retained, so late flags
// are not derived here.
func StatusesForCount(cycles []Cycle, kind ObligationKind, now time.Time, actual int) []CycleStatus {
	statuses := make([]CycleStatus, 0, len(cycles))
	for _, c := range cycles {
		statuses = append(statuses, Classify(c, kind, now, c.Number <= actual, nil))
	}
	return statuses
}

// Rate is a compliance percentage, or not-applicable when no obligations
// are expected. An empty denominator must never read as 0% or 100%.
type Rate struct {
	Valid   bool `json:"valid"`
	Percent int  `json:"percent"`
}

// ComplianceRate divides actual by expected. The result is not clamped:
// extra voluntary submissions report above 100%.
func ComplianceRate(expected, actual int) Rate {
	if expected <= 0 {
		return Rate{}
	}
	return Rate{
		Valid:   true,
		Percent: int(math.Round(float64(actual) / float64(expected) * 100)),
	}
}
