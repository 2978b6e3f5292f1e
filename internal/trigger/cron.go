// Package trigger fires the automation scheduler from an in-process cron so
// a deployment without an external caller still runs its rules.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"jobmate/pipeline-service/internal/automation"
	"jobmate/pipeline-service/internal/logging"
)

// ChecksRunner runs one scheduler invocation.
type ChecksRunner interface {
	RunScheduledChecks(ctx context.Context) automation.Report
}

// Cron wraps robfig/cron and calls the runner on every tick. Overlapping
// ticks are harmless: rule checkpoints make each effect run once per window.
type Cron struct {
	cron   *cron.Cron
	runner ChecksRunner
	spec   string
}

// New creates a Cron for spec, a standard five-field expression or a
// descriptor such as "@hourly". Times are evaluated in loc.
func New(runner ChecksRunner, spec string, loc *time.Location) *Cron {
	return &Cron{
		cron:   cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		runner: runner,
		spec:   spec,
	}
}

// Start registers the job and starts the cron loop. It returns an error for
// an unparsable spec.
func (c *Cron) Start(ctx context.Context) error {
	if _, err := c.cron.AddFunc(c.spec, func() { c.Fire(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc %q: %w", c.spec, err)
	}
	c.cron.Start()
	slog.Info("scheduler cron started", "spec", c.spec)
	return nil
}

// Stop halts the loop and waits for a running tick to finish.
func (c *Cron) Stop() {
	<-c.cron.Stop().Done()
	slog.Info("scheduler cron stopped")
}

// Fire runs one invocation and logs its per-rule outcome.
func (c *Cron) Fire(ctx context.Context) automation.Report {
	if ctx.Err() != nil {
		return automation.Report{}
	}
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	report := c.runner.RunScheduledChecks(ctx)

	ran := 0
	for _, res := range report.Jobs {
		if res.Ran {
			ran++
		}
	}
	slog.InfoContext(ctx, "scheduled checks fired by cron", "rules", len(report.Jobs), "ran", ran)
	return report
}

// Validate reports whether spec parses as a cron expression.
func Validate(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}
