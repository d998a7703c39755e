// Package cycle derives reporting cycles from an internship date range and
// classifies their status. It is pure: no storage access, no side effects.
package cycle

import (
	"errors"
	"time"
)

// Policy configures cycle derivation.
type Policy struct {
	// CycleLengthDays is the fixed window length, in days.
	CycleLengthDays int
	// ReportGraceDays extends a cycle's report due date past its end.
	// Visits carry no grace period.
	ReportGraceDays int
	// MaxCycles caps generation for pathologically long ranges.
	MaxCycles int
	// MinPartialDays is the minimum span a partial trailing cycle must
	// cover to count toward the expected total. A full cycle always counts.
	MinPartialDays int
}

// DefaultPolicy returns the production cycle policy.
func DefaultPolicy() Policy {
	return Policy{
		CycleLengthDays: 28,
		ReportGraceDays: 5,
		MaxCycles:       26,
		MinPartialDays:  11,
	}
}

// Validate ensures the policy is usable.
func (p Policy) Validate() error {
	if p.CycleLengthDays <= 0 {
		return errors.New("cycle: cycle length must be positive")
	}
	if p.ReportGraceDays < 0 {
		return errors.New("cycle: grace days must not be negative")
	}
	if p.MaxCycles <= 0 {
		return errors.New("cycle: max cycles must be positive")
	}
	if p.MinPartialDays <= 0 {
		return errors.New("cycle: min partial days must be positive")
	}
	return nil
}

// Cycle is one fixed-length window within a tracked period. Cycles are
// computed on demand and never persisted.
type Cycle struct {
	Number        int       `json:"number"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	ReportDueDate time.Time `json:"report_due_date"`
	VisitDueDate  time.Time `json:"visit_due_date"`
	DaysInCycle   int       `json:"days_in_cycle"`
	IsFirst       bool      `json:"is_first"`
	IsLast        bool      `json:"is_last"`
}

// ErrInvalidDateRange indicates end date precedes start date.
var ErrInvalidDateRange = errors.New("cycle: end date precedes start date")

// Calculator derives cycles under a fixed policy.
type Calculator struct {
	policy Policy
}

// NewCalculator constructs a calculator, falling back to defaults when the
// policy is invalid.
func NewCalculator(policy Policy) *Calculator {
	if err := policy.Validate(); err != nil {
		policy = DefaultPolicy()
	}
	return &Calculator{policy: policy}
}

// Policy exposes the effective policy.
func (c *Calculator) Policy() Policy {
	return c.policy
}

// Cycles partitions the inclusive range [start, end] into fixed-length
// windows anchored at start. Only the trailing window can be shorter than
// the configured length. Generation stops at MaxCycles.
func (c *Calculator) Cycles(start, end time.Time) ([]Cycle, error) {
	start = DateOnly(start)
	end = DateOnly(end)
	if end.Before(start) {
		return nil, ErrInvalidDateRange
	}

	total := daysInclusive(start, end)
	count := total / c.policy.CycleLengthDays
	if total%c.policy.CycleLengthDays != 0 {
		count++
	}
	if count > c.policy.MaxCycles {
		count = c.policy.MaxCycles
	}

	cycles := make([]Cycle, 0, count)
	for i := 1; i <= count; i++ {
		cs := start.AddDate(0, 0, (i-1)*c.policy.CycleLengthDays)
		ce := start.AddDate(0, 0, i*c.policy.CycleLengthDays-1)
		if ce.After(end) {
			ce = end
		}
		reportDue := ce.AddDate(0, 0, c.policy.ReportGraceDays)
		cycles = append(cycles, Cycle{
			Number:        i,
			Start:         cs,
			End:           ce,
			WindowStart:   cs,
			WindowEnd:     reportDue,
			ReportDueDate: reportDue,
			VisitDueDate:  ce,
			DaysInCycle:   daysInclusive(cs, ce),
			IsFirst:       i == 1,
			IsLast:        i == count,
		})
	}
	return cycles, nil
}

// ExpectedCount returns how many cycles count toward the expected
// obligation total for the given range. Either date missing yields zero;
// an inverted range is a validation error. A partial trailing cycle counts
// only when it spans MinPartialDays or more.
func (c *Calculator) ExpectedCount(start, end *time.Time) (int, error) {
	if start == nil || end == nil {
		return 0, nil
	}
	cycles, err := c.Cycles(*start, *end)
	if err != nil {
		return 0, err
	}
	expected := 0
	for _, cy := range cycles {
		if cy.DaysInCycle >= c.policy.CycleLengthDays || cy.DaysInCycle >= c.policy.MinPartialDays {
			expected++
		}
	}
	return expected, nil
}

// DateOnly truncates a timestamp to its UTC calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysInclusive(start, end time.Time) int {
	return int(end.Sub(start)/(24*time.Hour)) + 1
}
