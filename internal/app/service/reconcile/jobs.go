package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/tool"
)

type jobFunc func(ctx context.Context, r *JobReport) error

func (e *Engine) jobs() map[string]jobFunc {
	return map[string]jobFunc{
		JobRemoteSync:   e.remoteSync,
		JobExpiryNotify: e.expiryNotify,
		JobAutoRenew:    e.autoRenew,
		JobPendingPoll:  e.pendingPoll,
	}
}

// JobNames lists the jobs RunJob accepts.
func JobNames() []string {
	return []string{JobRemoteSync, JobExpiryNotify, JobAutoRenew, JobPendingPoll}
}

// RunJob executes one run of the named job. Item failures do not stop the run; they are
// counted in the report and joined into report.Err. The returned error is for failures
// that prevented the run itself.
func (e *Engine) RunJob(ctx context.Context, name string) (*JobReport, error) {
	fn, ok := e.jobs()[name]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", name)
	}
	start := time.Now()
	runID := tool.GenerateUUIDV7()
	ctx, log := logctx.WithJob(ctx, e.log, name, runID)
	r := newReport(name, runID, e.Now())

	log.Infow("job started")
	err := fn(ctx, r)
	r.Duration = time.Since(start)
	e.metrics.ObserveProcess("job", name, start)
	for outcome, n := range r.Outcomes {
		e.metrics.JobItems(name, outcome, n)
	}
	if err != nil {
		log.Errorw("job aborted", "error", err, "outcomes", r.Outcomes)
		return r, err
	}
	if r.Err != nil {
		log.Warnw("job finished with item errors", "candidates", r.Candidates, "outcomes", r.Outcomes, "errors", len(r.Errors()), "error", r.Err, "duration", r.Duration)
	} else {
		log.Infow("job finished", "candidates", r.Candidates, "outcomes", r.Outcomes, "budget_exceeded", r.BudgetExceeded, "duration", r.Duration)
	}
	return r, nil
}

// overBudget reports whether a run started at start has used its soft budget.
func (e *Engine) overBudget(start time.Time) bool {
	b := e.cfg.Billing.JobBudget
	return b > 0 && time.Since(start) > b
}
