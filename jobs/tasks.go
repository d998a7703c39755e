// Package jobs defines the background task surface: expected-count
// recalculations queued on date changes, and the nightly reconciliation
// sweep.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeComplianceRecalc recomputes expected counts for one period.
	TaskTypeComplianceRecalc = "compliance:recalc"
	// TaskTypeComplianceSweep re-derives expected counts across all
	// active periods. Safe to repeat: recalculation is idempotent.
	TaskTypeComplianceSweep = "compliance:sweep"
	// TaskTypeDedupCleanup prunes idempotency keys past retention.
	TaskTypeDedupCleanup = "compliance:dedup_cleanup"
)

// ComplianceRecalcPayload identifies the period to recalculate.
type ComplianceRecalcPayload struct {
	PeriodID string `json:"period_id"`
}

// ComplianceSweepPayload stamps a sweep run for log correlation.
type ComplianceSweepPayload struct {
	RequestedAt time.Time `json:"requested_at"`
}

// NewComplianceRecalcTask constructs an Asynq task for one period.
func NewComplianceRecalcTask(payload ComplianceRecalcPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeComplianceRecalc, data, asynq.Queue(QueueDefault)), nil
}

// NewComplianceSweepTask constructs the sweep task.
func NewComplianceSweepTask(at time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(ComplianceSweepPayload{RequestedAt: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeComplianceSweep, data, asynq.Queue(QueueDefault)), nil
}

// NewDedupCleanupTask constructs the idempotency-key retention task.
func NewDedupCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskTypeDedupCleanup, nil, asynq.Queue(QueueDefault))
}
