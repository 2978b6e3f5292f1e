// Package automation runs the periodic workflow rules over the pipeline.
//
// Every rule is a function of persisted settings plus wall-clock time; no
// timers live in the process. A rule only runs after it has claimed its
// <rule>_last_run checkpoint with a compare-and-swap, so overlapping
// invocations execute each effect at most once per window.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"jobmate/pipeline-service/internal/coordination"
	"jobmate/pipeline-service/internal/domain"
	"jobmate/pipeline-service/internal/logging"
	"jobmate/pipeline-service/internal/metrics"
	"jobmate/pipeline-service/internal/settings"
	"jobmate/pipeline-service/internal/stale"
)

// Transitioner moves an application between stages through the ledger.
type Transitioner interface {
	RecordTransition(ctx context.Context, appID string, toStage domain.Stage, actor domain.Actor) (*domain.StageHistoryEntry, error)
}

// Notifier receives the weekly digest trigger.
type Notifier interface {
	SendWeeklyDigest(ctx context.Context) error
}

// RetentionPolicy disposes of archived records older than a cutoff and
// reports how many applications it handled.
type RetentionPolicy interface {
	Apply(ctx context.Context, archivedBefore time.Time) (int64, error)
}

// PurgePolicy deletes expired applications together with their history.
type PurgePolicy struct {
	Store domain.ApplicationStore
}

func (p PurgePolicy) Apply(ctx context.Context, archivedBefore time.Time) (int64, error) {
	return p.Store.PurgeArchived(ctx, archivedBefore)
}

// RuleResult is one rule's slot in a Report.
type RuleResult struct {
	Ran    bool   `json:"ran"`
	Reason string `json:"reason,omitempty"`
	Count  *int64 `json:"count,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Report is the outcome of one RunScheduledChecks invocation.
type Report struct {
	Timestamp time.Time             `json:"timestamp"`
	Jobs      map[string]RuleResult `json:"jobs"`
}

// Deps are the collaborators of a Scheduler. Locker, Retention, Location and
// Concurrency have defaults.
type Deps struct {
	Settings     *settings.Service
	Applications domain.ApplicationStore
	Ledger       Transitioner
	Detector     *stale.Detector
	Notifier     Notifier
	Retention    RetentionPolicy
	Locker       coordination.RuleLocker
	Metrics      *metrics.Metrics
	Clock        clockwork.Clock
	Location     *time.Location
	Concurrency  int
}

// Scheduler evaluates the automation rules.
type Scheduler struct {
	settings    *settings.Service
	apps        domain.ApplicationStore
	ledger      Transitioner
	detector    *stale.Detector
	notifier    Notifier
	retention   RetentionPolicy
	locker      coordination.RuleLocker
	metrics     *metrics.Metrics
	clock       clockwork.Clock
	loc         *time.Location
	concurrency int
	rules       []rule
}

// NewScheduler returns a Scheduler over d.
func NewScheduler(d Deps) *Scheduler {
	s := &Scheduler{
		settings:    d.Settings,
		apps:        d.Applications,
		ledger:      d.Ledger,
		detector:    d.Detector,
		notifier:    d.Notifier,
		retention:   d.Retention,
		locker:      d.Locker,
		metrics:     d.Metrics,
		clock:       d.Clock,
		loc:         d.Location,
		concurrency: d.Concurrency,
		rules:       defaultRules(),
	}
	if s.retention == nil {
		s.retention = PurgePolicy{Store: d.Applications}
	}
	if s.locker == nil {
		s.locker = coordination.NoopLocker{}
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.concurrency <= 0 {
		s.concurrency = 5
	}
	return s
}

// RuleNames lists the rules in evaluation order.
func (s *Scheduler) RuleNames() []string {
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = r.name
	}
	return names
}

// RunScheduledChecks evaluates every rule once against the current time.
// Rule failures are reported in their slot and never abort the others.
func (s *Scheduler) RunScheduledChecks(ctx context.Context) Report {
	if _, ok := logging.CorrelationID(ctx); !ok {
		ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	}
	start := s.clock.Now()
	now := start.UTC()

	var (
		mu   sync.Mutex
		jobs = make(map[string]RuleResult, len(s.rules))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, r := range s.rules {
		g.Go(func() error {
			res := s.evaluate(gctx, r, now)
			mu.Lock()
			jobs[r.name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.SchedulerRun.Observe(s.clock.Since(start).Seconds())
	slog.InfoContext(ctx, "scheduled checks completed", "rules", len(jobs))
	return Report{Timestamp: now, Jobs: jobs}
}

// evaluate runs the per-rule protocol: enabled, configured, eligible, lock,
// claim, effect, and restore on failure.
func (s *Scheduler) evaluate(ctx context.Context, r rule, now time.Time) (res RuleResult) {
	log := slog.With("rule", r.name)
	defer func() {
		if p := recover(); p != nil {
			log.ErrorContext(ctx, "rule panicked", "error", p, "stack", string(debug.Stack()))
			res = RuleResult{Error: fmt.Sprintf("panic: %v", p)}
		}
		s.record(ctx, log, r.name, res)
	}()

	enabled, err := s.enabled(ctx, r)
	if err != nil {
		return RuleResult{Error: err.Error()}
	}
	if !enabled {
		return RuleResult{Reason: ReasonDisabled}
	}

	p, ok, err := r.configure(ctx, s)
	if err != nil {
		return RuleResult{Error: err.Error()}
	}
	if !ok {
		return RuleResult{Reason: ReasonNotConfigured}
	}

	cp, err := s.settings.ReadCheckpoint(ctx, r.name)
	if err != nil {
		return RuleResult{Error: err.Error()}
	}
	if reason := s.eligibility(r, p, now, cp); reason != "" {
		return RuleResult{Reason: reason}
	}

	release, ok, err := s.locker.TryLock(ctx, r.name)
	if err != nil {
		return RuleResult{Error: err.Error()}
	}
	if !ok {
		return RuleResult{Reason: ReasonLocked}
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.WarnContext(ctx, "release rule lock", "error", err)
		}
	}()

	claimed, ok, err := s.settings.ClaimCheckpoint(ctx, r.name, cp, now)
	if err != nil {
		return RuleResult{Error: err.Error()}
	}
	if !ok {
		return RuleResult{Reason: ReasonClaimedElsewhere}
	}

	count, err := s.runEffect(ctx, r, p, now)
	if err != nil {
		if rerr := s.settings.RestoreCheckpoint(context.WithoutCancel(ctx), r.name, claimed, cp); rerr != nil {
			log.ErrorContext(ctx, "checkpoint not restored after failure", "error", rerr)
		}
		return RuleResult{Error: err.Error()}
	}
	return RuleResult{Ran: true, Count: &count}
}

func (s *Scheduler) enabled(ctx context.Context, r rule) (bool, error) {
	on, err := s.settings.GetBool(ctx, r.enabledKey(), false)
	if err != nil || !on {
		return false, err
	}
	if !r.gated {
		return true, nil
	}
	return s.settings.GetBool(ctx, KeyMasterSwitch, false)
}

func (s *Scheduler) eligibility(r rule, p params, now time.Time, cp settings.Checkpoint) string {
	if r.calendar {
		return calendarReason(now, cp.At, p, s.loc)
	}
	return intervalReason(now, cp.At, r.interval)
}

// runEffect converts a panicking effect into an error so the claimed
// checkpoint is put back.
func (s *Scheduler) runEffect(ctx context.Context, r rule, p params, now time.Time) (n int64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "rule effect panicked", "rule", r.name, "error", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.effect(s, ctx, p, now)
}

func (s *Scheduler) record(ctx context.Context, log *slog.Logger, name string, res RuleResult) {
	switch {
	case res.Error != "":
		s.metrics.RuleRuns.WithLabelValues(name, metrics.OutcomeFailed).Inc()
		log.ErrorContext(ctx, "rule failed", "ran", false, "error", res.Error)
	case res.Ran:
		s.metrics.RuleRuns.WithLabelValues(name, metrics.OutcomeRan).Inc()
		log.InfoContext(ctx, "rule ran", "ran", true, "count", *res.Count)
	default:
		s.metrics.RuleRuns.WithLabelValues(name, metrics.OutcomeSkipped).Inc()
		log.DebugContext(ctx, "rule skipped", "ran", false, "reason", res.Reason)
	}
}

// ─── Effects ─────────────────────────────────────────────────────────────────

func cutoff(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

func (s *Scheduler) autoArchive(ctx context.Context, p params, now time.Time) (int64, error) {
	n, err := s.apps.ArchiveRejected(ctx, cutoff(now, p.thresholdDays), now, archiveReason)
	if err != nil {
		return 0, fmt.Errorf("archive rejected applications: %w", err)
	}
	return n, nil
}

func (s *Scheduler) autoProgress(ctx context.Context, p params, now time.Time) (int64, error) {
	return s.transitionStale(ctx, []domain.Stage{domain.StageApplied}, p.thresholdDays, domain.StageReviewing)
}

func (s *Scheduler) autoReject(ctx context.Context, p params, now time.Time) (int64, error) {
	return s.transitionStale(ctx, p.rejectStages, p.thresholdDays, domain.StageRejected)
}

// transitionStale moves every unarchived stale application in one of from
// to the target stage. Applications the ledger refuses are collected and
// reported together; the ones moved stay moved.
func (s *Scheduler) transitionStale(ctx context.Context, from []domain.Stage, thresholdDays int, to domain.Stage) (int64, error) {
	unarchived := false
	apps, err := s.apps.ListApplications(ctx, domain.ApplicationFilter{Statuses: from, Archived: &unarchived})
	if err != nil {
		return 0, fmt.Errorf("list applications: %w", err)
	}

	var (
		moved int64
		errs  []error
	)
	for _, a := range s.detector.ListStale(apps, thresholdDays) {
		if _, err := s.ledger.RecordTransition(ctx, a.ID, to, domain.SystemActor); err != nil {
			errs = append(errs, err)
			continue
		}
		moved++
	}
	if len(errs) > 0 {
		return moved, fmt.Errorf("%d of %d transitions to %s failed: %w", len(errs), int(moved)+len(errs), to, errors.Join(errs...))
	}
	return moved, nil
}

func (s *Scheduler) dataRetention(ctx context.Context, p params, now time.Time) (int64, error) {
	n, err := s.retention.Apply(ctx, cutoff(now, p.thresholdDays))
	if err != nil {
		return 0, fmt.Errorf("apply retention policy: %w", err)
	}
	return n, nil
}

func (s *Scheduler) weeklyDigest(ctx context.Context, p params, now time.Time) (int64, error) {
	if err := s.notifier.SendWeeklyDigest(ctx); err != nil {
		return 0, fmt.Errorf("send weekly digest: %w", err)
	}
	slog.InfoContext(ctx, "weekly digest triggered", "day", p.digestDay, "at", p.digestAt)
	return 1, nil
}
