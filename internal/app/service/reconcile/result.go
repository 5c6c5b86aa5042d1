package reconcile

import (
	"time"

	"go.uber.org/multierr"
)

// Job names, used for scheduling, metrics and the admin trigger.
const (
	JobRemoteSync   = "remote_sync"
	JobExpiryNotify = "expiry_notify"
	JobAutoRenew    = "auto_renew"
	JobPendingPoll  = "pending_poll"
)

// Per-item outcomes counted in JobReport.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeDeclined  = "declined"
	OutcomePending   = "pending"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeMissing   = "missing"
	OutcomeNotified  = "notified"
)

// JobReport aggregates one run of a batch job.
type JobReport struct {
	Job        string         `json:"job"`
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
	Candidates int            `json:"candidates"`
	Outcomes   map[string]int `json:"outcomes"`
	// BudgetExceeded means the run stopped taking new items after its soft time budget.
	BudgetExceeded bool  `json:"budget_exceeded"`
	Err            error `json:"-"`
}

func newReport(job, runID string, start time.Time) *JobReport {
	return &JobReport{Job: job, RunID: runID, StartedAt: start, Outcomes: map[string]int{}}
}

func (r *JobReport) Count(outcome string) int {
	return r.Outcomes[outcome]
}

func (r *JobReport) fail(err error) {
	r.Outcomes[OutcomeFailed]++
	r.Err = multierr.Append(r.Err, err)
}

// Errors returns the individual item errors.
func (r *JobReport) Errors() []error {
	return multierr.Errors(r.Err)
}
