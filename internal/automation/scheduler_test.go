package automation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/pipeline-service/internal/automation"
	"jobmate/pipeline-service/internal/coordination"
	"jobmate/pipeline-service/internal/domain"
	"jobmate/pipeline-service/internal/kanban"
	"jobmate/pipeline-service/internal/memstore"
	"jobmate/pipeline-service/internal/metrics"
	"jobmate/pipeline-service/internal/notify"
	"jobmate/pipeline-service/internal/settings"
	"jobmate/pipeline-service/internal/stale"
)

// Monday 2 March 2026, 09:00 UTC.
var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	calls atomic.Int32
	err   error
}

func (n *fakeNotifier) SendWeeklyDigest(context.Context) error {
	n.calls.Add(1)
	return n.err
}

type panickingPolicy struct{}

func (panickingPolicy) Apply(context.Context, time.Time) (int64, error) {
	panic("retention backend exploded")
}

type refusingLocker struct{}

func (refusingLocker) TryLock(context.Context, string) (coordination.ReleaseFunc, bool, error) {
	return nil, false, nil
}

// countingStore counts bulk archive calls.
type countingStore struct {
	*memstore.Store
	archives atomic.Int32
}

func (c *countingStore) ArchiveRejected(ctx context.Context, updatedBefore, archivedAt time.Time, reason string) (int64, error) {
	c.archives.Add(1)
	return c.Store.ArchiveRejected(ctx, updatedBefore, archivedAt, reason)
}

type env struct {
	store    *countingStore
	kv       domain.SettingsStore
	settings *settings.Service
	clock    *clockwork.FakeClock
	notifier *fakeNotifier
	metrics  *metrics.Metrics
	ledger   *kanban.Ledger
	deps     automation.Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:    &countingStore{Store: memstore.NewStore()},
		kv:       memstore.NewSettings(),
		clock:    clockwork.NewFakeClockAt(t0),
		notifier: &fakeNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	e.settings = settings.NewService(e.kv)
	e.ledger = kanban.NewLedger(e.store, notify.LogPublisher{}, e.metrics, e.clock)
	e.deps = automation.Deps{
		Settings:     e.settings,
		Applications: e.store,
		Ledger:       e.ledger,
		Detector:     stale.NewDetector(e.clock),
		Notifier:     e.notifier,
		Metrics:      e.metrics,
		Clock:        e.clock,
	}
	return e
}

func (e *env) scheduler() *automation.Scheduler { return automation.NewScheduler(e.deps) }

func (e *env) set(t *testing.T, kv ...string) {
	t.Helper()
	require.Zero(t, len(kv)%2)
	for i := 0; i < len(kv); i += 2 {
		require.NoError(t, e.settings.UpsertSetting(context.Background(), kv[i], kv[i+1]))
	}
}

func (e *env) checkpoint(t *testing.T, rule string) settings.Checkpoint {
	t.Helper()
	cp, err := e.settings.ReadCheckpoint(context.Background(), rule)
	require.NoError(t, err)
	return cp
}

func (e *env) insert(t *testing.T, app domain.Application) {
	t.Helper()
	require.NoError(t, e.store.InsertApplication(context.Background(), &app))
}

// open creates an Applied application with its first interval at the
// current clock time.
func (e *env) open(t *testing.T, id string) {
	t.Helper()
	now := e.clock.Now()
	e.insert(t, domain.Application{ID: id, Status: domain.StageApplied, CurrentStageEnteredAt: now, CreatedAt: now, UpdatedAt: now})
	_, err := e.ledger.CreateInitial(context.Background(), id, domain.StageApplied, domain.Actor{ID: "u-1", Name: "Rita"})
	require.NoError(t, err)
}

func (e *env) move(t *testing.T, id string, to domain.Stage) {
	t.Helper()
	_, err := e.ledger.RecordTransition(context.Background(), id, to, domain.Actor{ID: "u-1", Name: "Rita"})
	require.NoError(t, err)
}

func (e *env) app(t *testing.T, id string) *domain.Application {
	t.Helper()
	a, err := e.store.GetApplication(context.Background(), id)
	require.NoError(t, err)
	return a
}

func count(t *testing.T, r automation.RuleResult) int64 {
	t.Helper()
	require.True(t, r.Ran, "expected rule to run, got %+v", r)
	require.NotNil(t, r.Count)
	return *r.Count
}

// ─── Enablement & configuration ──────────────────────────────────────────────

func TestRunScheduledChecks_AllDisabledByDefault(t *testing.T) {
	e := newEnv(t)

	report := e.scheduler().RunScheduledChecks(context.Background())

	assert.True(t, report.Timestamp.Equal(t0))
	require.Len(t, report.Jobs, 5)
	for name, res := range report.Jobs {
		assert.Equal(t, automation.RuleResult{Reason: automation.ReasonDisabled}, res, name)
	}
}

func TestRunScheduledChecks_MasterSwitchGatesWorkflowRules(t *testing.T) {
	e := newEnv(t)
	e.set(t,
		"auto_archive_enabled", "true", "auto_archive_days_threshold", "3",
		"auto_progress_enabled", "true", "auto_progress_days_threshold", "3",
		"auto_reject_enabled", "true", "auto_reject_days_threshold", "3",
		"data_retention_enabled", "true", "data_retention_days_threshold", "30",
	)

	report := e.scheduler().RunScheduledChecks(context.Background())

	for _, name := range []string{automation.RuleAutoArchive, automation.RuleAutoProgress, automation.RuleAutoReject} {
		assert.Equal(t, automation.ReasonDisabled, report.Jobs[name].Reason, name)
	}
	assert.True(t, report.Jobs[automation.RuleDataRetention].Ran, "retention is not gated by the master switch")

	e.set(t, automation.KeyMasterSwitch, "true")
	e.clock.Advance(24 * time.Hour)
	report = e.scheduler().RunScheduledChecks(context.Background())
	for _, name := range []string{automation.RuleAutoArchive, automation.RuleAutoProgress, automation.RuleAutoReject} {
		assert.True(t, report.Jobs[name].Ran, name)
	}
}

func TestRunScheduledChecks_NotConfigured(t *testing.T) {
	for _, threshold := range []string{"", "abc", "0", "-2", "1.5"} {
		t.Run("threshold="+threshold, func(t *testing.T) {
			e := newEnv(t)
			e.set(t, "data_retention_enabled", "true")
			if threshold != "" {
				e.set(t, "data_retention_days_threshold", threshold)
			}

			report := e.scheduler().RunScheduledChecks(context.Background())

			assert.Equal(t, automation.RuleResult{Reason: automation.ReasonNotConfigured}, report.Jobs[automation.RuleDataRetention])
			assert.False(t, e.checkpoint(t, automation.RuleDataRetention).Ran())
		})
	}
}

func TestRunScheduledChecks_DigestNotConfigured(t *testing.T) {
	e := newEnv(t)
	e.set(t, "weekly_digest_enabled", "true", automation.KeyDigestDay, "someday", automation.KeyDigestTime, "09:00")

	report := e.scheduler().RunScheduledChecks(context.Background())

	assert.Equal(t, automation.ReasonNotConfigured, report.Jobs[automation.RuleWeeklyDigest].Reason)
	assert.Zero(t, e.notifier.calls.Load())
}

// ─── Auto-archive ────────────────────────────────────────────────────────────

func TestAutoArchive_OnlyRejectedUnarchivedExpired(t *testing.T) {
	e := newEnv(t)
	e.set(t, automation.KeyMasterSwitch, "true", "auto_archive_enabled", "true", "auto_archive_days_threshold", "3")

	// Stays Applied through T0+4d.
	e.open(t, "applied")
	// Rejected at T0, never touched again.
	e.insert(t, domain.Application{ID: "rejected", Status: domain.StageRejected, CurrentStageEnteredAt: t0, CreatedAt: t0, UpdatedAt: t0})
	// Rejected recently: not expired yet.
	e.insert(t, domain.Application{ID: "fresh", Status: domain.StageRejected, CreatedAt: t0, UpdatedAt: t0.Add(2 * 24 * time.Hour)})
	e.clock.Advance(4 * 24 * time.Hour)

	report := e.scheduler().RunScheduledChecks(context.Background())

	assert.Equal(t, int64(1), count(t, report.Jobs[automation.RuleAutoArchive]))

	applied := e.app(t, "applied")
	assert.False(t, applied.IsArchived)
	assert.Equal(t, domain.StageApplied, applied.Status)

	rejected := e.app(t, "rejected")
	assert.True(t, rejected.IsArchived)
	require.NotNil(t, rejected.ArchiveReason)
	assert.Equal(t, "auto_rejected_expired", *rejected.ArchiveReason)
	require.NotNil(t, rejected.ArchivedAt)
	assert.True(t, rejected.ArchivedAt.Equal(e.clock.Now()))

	assert.False(t, e.app(t, "fresh").IsArchived)
}

func TestAutoArchive_Idempotent(t *testing.T) {
	e := newEnv(t)
	e.set(t, automation.KeyMasterSwitch, "true", "auto_archive_enabled", "true", "auto_archive_days_threshold", "3")
	e.insert(t, domain.Application{ID: "r1", Status: domain.StageRejected, UpdatedAt: t0})
	e.clock.Advance(4 * 24 * time.Hour)
	first := e.clock.Now()

	report := e.scheduler().RunScheduledChecks(context.Background())
	assert.Equal(t, int64(1), count(t, report.Jobs[automation.RuleAutoArchive]))

	e.insert(t, domain.Application{ID: "r2", Status: domain.StageRejected, UpdatedAt: t0})
	e.clock.Advance(23 * time.Hour)
	report = e.scheduler().RunScheduledChecks(context.Background())
	assert.Equal(t, automation.RuleResult{Reason: automation.ReasonTooSoon}, report.Jobs[automation.RuleAutoArchive])
	assert.False(t, e.app(t, "r2").IsArchived, "too_soon must have no side effects")
	assert.True(t, e.checkpoint(t, automation.RuleAutoArchive).At.Equal(first))
	assert.Equal(t, int32(1), e.store.archives.Load())

	e.clock.Advance(time.Hour)
	report = e.scheduler().RunScheduledChecks(context.Background())
	assert.Equal(t, int64(1), count(t, report.Jobs[automation.RuleAutoArchive]))
}

func TestAutoArchive_ZeroEffectRunAdvancesCheckpoint(t *testing.T) {
	e := newEnv(t)
	e.set(t, automation.KeyMasterSwitch, "true", "auto_archive_enabled", "true", "auto_archive_days_threshold", "3")

	report := e.scheduler().RunScheduledChecks(context.Background())

	assert.Equal(t, int64(0), count(t, report.Jobs[automation.RuleAutoArchive]))
	assert.True(t, e.checkpoint(t, automation.RuleAutoArchive).At.Equal(t0))
}

func TestAutoArchive_UnparsableCheckpointCountsAsNeverRun(t *testing.T) {
	e := newEnv(t)
	e.set(t, automation.KeyMasterSwitch, "true", "auto_archive_enabled", "true", "auto_archive_days_threshold", "3",
		"auto_archive_last_run", "yesterday-ish")

	report := e.scheduler().RunScheduledChecks(context.Background())

	assert.True(t, report.Jobs[automation.RuleAutoArchive].Ran)
	assert.True(t, e.checkpoint(t, automation.RuleAutoArchive).At.Equal(t0))
}

// ─── Concurrency ─────────────────────────────────────────────────────────────

// barrierSettings lets the first n checkpoint reads of rule through only
// together, so every invocation sees the same stale checkpoint.
type barrierSettings struct {
	domain.SettingsStore
	key     string
	arrived sync.WaitGroup
	mu      sync.Mutex
	left    int
}

func newBarrierSettings(inner domain.SettingsStore, rule string, n int) *barrierSettings {
	b := &barrierSettings{SettingsStore: inner, key: settings.LastRunKey(rule), left: n}
	b.arrived.Add(n)
	return b
}

func (b *barrierSettings) GetSetting(ctx context.Context, key string) (*domain.SettingEntry, error) {
	e, err := b.SettingsStore.GetSetting(ctx, key)
	if key != b.key {
		return e, err
	}
	b.mu.Lock()
	wait := b.left > 0
	if wait {
		b.left--
	}
	b.mu.Unlock()
	if wait {
		b.arrived.Done()
		b.arrived.Wait()
	}
	return e, err
}

func TestAutoArchive_RacingInvocationsApplyOnce(t *testing.T) {
	e := newEnv(t)
	e.set(t, automation.KeyMasterSwitch, "true", "auto_archive_enabled", "true", "auto_archive_days_threshold", "3")
	e.insert(t, domain.Application{ID: "r1", Status: domain.StageRejected, UpdatedAt: t0})
	e.clock.Advance(4 * 24 * time.Hour)

	e.deps.Settings = settings.NewService(newBarrierSettings(e.kv, automation.RuleAutoArchive, 2))
	sched := e.scheduler()

	var wg sync.WaitGroup
	results := make([]automation.RuleResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = sched.RunScheduledChecks(context.Background()).Jobs[automation.RuleAutoArchive]
		}(i)
	}
	wg.Wait()

	var ran, lost int
	for _, r := range results {
		switch {
		case r.Ran:
			ran++
			assert.Equal(t, int64(1), *r.Count)
		case r.Reason == automation.ReasonClaimedElsewhere:
			lost++
		}
	}
	assert.Equal(t, 1, ran, "results: %+v", results)
	assert.Equal(t, 1, lost, "results: %+v", results)
	assert.Equal(t, int32(1), e.store.archives.Load(), "archive effect must apply once")
}

func TestRunScheduledChecks_ManyConcurrentTriggers(t *testing.T) {
	e := newEnv(t)
	e.set(t, "weekly_digest_enabled", "true", automation.KeyDigestDay, "monday", automation.KeyDigestTime, "09:00",
		"data_retention_enabled", "true", "data_retention_days_threshold", "30")
	sched := e.scheduler()

	var (
		wg        sync.WaitGroup
		retention atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sched.RunScheduledChecks(context.Background()).Jobs[automation.RuleDataRetention].Ran {
				retention.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), e.notifier.calls.Load())
	assert.Equal(t, int32(1), retention.Load())
}

func TestRunScheduledChecks_LockHeldElsewhere(t *testing.T) {
	e := newEnv(t)
	e.set(t, "data_retention_enabled", "true", "data_retention_days_threshold", "30")
	e.deps.Locker = refusingLocker{}

	report := e.scheduler().RunScheduledChecks(context.Background())

	assert.Equal(t, automation.RuleResult{Reason: automation.ReasonLocked}, report.Jobs[automation.RuleDataRetention])
	assert.False(t, e.checkpoint(t, automation.RuleDataRetention).Ran())
}

// ─── Failure handling ────────────────────────────────────────────────────────

func TestRunScheduledChecks_FailureDoesNotAdvanceCheckpoint(t *testing.T) {
	e := newEnv(t)
	previous := t0.Add(-8 * 24 * time.Hour)
	e.set(t,
		"weekly_digest_enabled", "true", automation.KeyDigestDay, "monday", automation.KeyDigestTime, "09:00",
		"weekly_digest_last_run", settings.FormatTimestamp(previous),
		"data_retention_enabled", "true", "data_retention_days_threshold", "30",
	)
	e.notifier.err = errors.New("smtp relay unreachable")

	report := e.scheduler().RunScheduledChecks(context.Background())

	digest := report.Jobs[automation.RuleWeeklyDigest]
	assert.False(t, digest.Ran)
	assert.Contains(t, digest.Error, "smtp relay unreachable")
	assert.True(t, e.checkpoint(t, automation.RuleWeeklyDigest).At.Equal(previous), "last_run must not advance")
	assert.True(t, report.Jobs[automation.RuleDataRetention].Ran, "other rules are isolated from the failure")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.RuleRuns.WithLabelValues(automation.RuleWeeklyDigest, metrics.OutcomeFailed)))

	e.notifier.err = nil
	e.clock.Advance(time.Minute)
	report = e.scheduler().RunScheduledChecks(context.Background())
	assert.Equal(t, int64(1), count(t, report.Jobs[automation.RuleWeeklyDigest]), "rule stays eligible for retry")
}

func TestRunScheduledChecks_FailureOnFirstRunLeavesNoCheckpoint(t *testing.T) {
	e := newEnv(t)
	e.set(t, "weekly_digest_enabled", "true", automation.KeyDigestDay, "1", automation.KeyDigestTime, "09:00")
	e.notifier.err = errors.New("boom")

	report := e.scheduler().RunScheduledChecks(context.Background())

	assert.NotEmpty(t, report.Jobs[automation.RuleWeeklyDigest].Error)
	assert.False(t, e.checkpoint(t, automation.RuleWeeklyDigest).Ran())
}

func TestRunScheduledChecks_PanicIsRecovered(t *testing.T) {
	e := newEnv(t)
	e.set(t, "data_retention_enabled", "true", "data_retention_days_threshold", "30",
		"weekly_digest_enabled", "true", automation.KeyDigestDay, "monday", automation.KeyDigestTime, "09:00")
	e.deps.Retention = panickingPolicy{}

	report := e.scheduler().RunScheduledChecks(context.Background())

	res := report.Jobs[automation.RuleDataRetention]
	assert.False(t, res.Ran)
	assert.Contains(t, res.Error, "retention backend exploded")
	assert.False(t, e.checkpoint(t, automation.RuleDataRetention).Ran())
	assert.True(t, report.Jobs[automation.RuleWeeklyDigest].Ran)
}

// ─── Weekly digest ───────────────────────────────────────────────────────────

func TestWeeklyDigest_FiresOncePerWindow(t *testing.T) {
	e := newEnv(t)
	e.set(t, "weekly_digest_enabled", "true", automation.KeyDigestDay, "Monday", automation.KeyDigestTime, "09:00",
		"weekly_digest_last_run", settings.FormatTimestamp(t0.Add(-7*24*time.Hour+time.Minute)))
	e.clock.Advance(time.Minute)

	report := e.scheduler().RunScheduledChecks(context.Background())
	assert.Equal(t, int64(1), count(t, report.Jobs[automation.RuleWeeklyDigest]))

	e.clock.Advance(time.Minute)
	report = e.scheduler().RunScheduledChecks(context.Background())
	assert.Equal(t, automation.RuleResult{Reason: automation.ReasonTooSoon}, report.Jobs[automation.RuleWeeklyDigest])
	assert.Equal(t, int32(1), e.notifier.calls.Load())
}

func TestWeeklyDigest_Window(t *testing.T) {
	cet := time.FixedZone("CET", 3600)
	tests := []struct {
		name   string
		now    time.Time
		loc    *time.Location
		day    string
		reason string
	}{
		{"exact", t0, nil, "monday", ""},
		{"two minutes early", t0.Add(-2 * time.Minute), nil, "mon", ""},
		{"two minutes late", t0.Add(2 * time.Minute), nil, "1", ""},
		{"just outside", t0.Add(2*time.Minute + time.Second), nil, "monday", automation.ReasonOutsideTimeWindow},
		{"wrong day", t0.Add(24 * time.Hour), nil, "monday", automation.ReasonNotScheduledDay},
		{"sunday by number", t0.Add(-24 * time.Hour), nil, "0", ""},
		{"local zone", t0.Add(-time.Hour), cet, "monday", ""},
		{"utc time in local zone", t0, cet, "monday", automation.ReasonOutsideTimeWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.clock = clockwork.NewFakeClockAt(tt.now)
			e.deps.Clock = e.clock
			e.deps.Location = tt.loc
			e.set(t, "weekly_digest_enabled", "true", automation.KeyDigestDay, tt.day, automation.KeyDigestTime, "09:00")

			res := e.scheduler().RunScheduledChecks(context.Background()).Jobs[automation.RuleWeeklyDigest]

			if tt.reason == "" {
				assert.True(t, res.Ran, "%+v", res)
			} else {
				assert.Equal(t, tt.reason, res.Reason)
			}
		})
	}
}

func TestWeeklyDigest_WindowAcrossMidnight(t *testing.T) {
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		now    time.Time
		day    string
		at     string
		reason string
	}{
		{"late digest, trigger at midnight", monday.Add(24 * time.Hour), "monday", "23:59", ""},
		{"late digest, trigger just after midnight", monday.Add(24*time.Hour + time.Minute), "monday", "23:59", ""},
		{"early digest, trigger before midnight", monday.Add(24*time.Hour - time.Minute), "tuesday", "00:01", ""},
		{"midnight digest, trigger on the previous day", monday.Add(-time.Minute), "monday", "00:00", ""},
		{"late digest, trigger too long after", monday.Add(24*time.Hour + 3*time.Minute), "monday", "23:59", automation.ReasonNotScheduledDay},
		{"late digest, trigger at the start of the day", monday, "monday", "23:59", automation.ReasonOutsideTimeWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.clock = clockwork.NewFakeClockAt(tt.now)
			e.deps.Clock = e.clock
			e.set(t, "weekly_digest_enabled", "true", automation.KeyDigestDay, tt.day, automation.KeyDigestTime, tt.at)

			res := e.scheduler().RunScheduledChecks(context.Background()).Jobs[automation.RuleWeeklyDigest]

			if tt.reason == "" {
				assert.True(t, res.Ran, "%+v", res)
			} else {
				assert.Equal(t, tt.reason, res.Reason)
			}
		})
	}
}

// ─── Auto-progress / auto-reject ─────────────────────────────────────────────

func TestAutoProgress_MovesStaleAppliedThroughLedger(t *testing.T) {
	e := newEnv(t)
	e.set(t, automation.KeyMasterSwitch, "true", "auto_progress_enabled", "true", "auto_progress_days_threshold", "5")
	e.open(t, "stale")
	archivedAt := t0
	e.insert(t, domain.Application{ID: "archived", Status: domain.StageApplied, CurrentStageEnteredAt: t0, IsArchived: true, ArchivedAt: &archivedAt})
	e.store.AppendRawEntry(domain.StageHistoryEntry{ID: "h-arch", ApplicationID: "archived", Stage: domain.StageApplied, EnteredAt: t0})
	e.clock.Advance(3 * 24 * time.Hour)
	e.open(t, "recent")
	e.clock.Advance(3 * 24 * time.Hour)

	report := e.scheduler().RunScheduledChecks(context.Background())

	assert.Equal(t, int64(1), count(t, report.Jobs[automation.RuleAutoProgress]))
	assert.Equal(t, domain.StageReviewing, e.app(t, "stale").Status)
	assert.Equal(t, domain.StageApplied, e.app(t, "recent").Status)
	assert.Equal(t, domain.StageApplied, e.app(t, "archived").Status, "archived applications are left alone")

	timeline, err := e.ledger.GetTimeline(context.Background(), "stale")
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, domain.SystemActor.ID, timeline[1].ChangedByID)
	assert.Equal(t, domain.SystemActor.Name, timeline[1].ChangedByName)
}

func TestAutoProgress_PartialFailureKeepsRuleEligible(t *testing.T) {
	e := newEnv(t)
	e.set(t, automation.KeyMasterSwitch, "true", "auto_progress_enabled", "true", "auto_progress_days_threshold", "2")
	e.open(t, "good")
	// Applied row without any open interval.
	e.insert(t, domain.Application{ID: "broken", Status: domain.StageApplied, CurrentStageEnteredAt: t0, CreatedAt: t0})
	e.clock.Advance(3 * 24 * time.Hour)

	report := e.scheduler().RunScheduledChecks(context.Background())

	res := report.Jobs[automation.RuleAutoProgress]
	assert.False(t, res.Ran)
	assert.Contains(t, res.Error, "broken")
	assert.Equal(t, domain.StageReviewing, e.app(t, "good").Status)
	assert.Equal(t, domain.StageApplied, e.app(t, "broken").Status)
	assert.False(t, e.checkpoint(t, automation.RuleAutoProgress).Ran())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.IntegrityViolations))
}

func TestAutoReject_DefaultStages(t *testing.T) {
	e := newEnv(t)
	e.set(t, automation.KeyMasterSwitch, "true", "auto_reject_enabled", "true", "auto_reject_days_threshold", "10")
	e.open(t, "applied")
	e.open(t, "interview")
	e.move(t, "interview", domain.StageInterview)
	e.open(t, "hired")
	e.move(t, "hired", domain.StageInterview)
	e.move(t, "hired", domain.StageHired)
	e.clock.Advance(11 * 24 * time.Hour)

	report := e.scheduler().RunScheduledChecks(context.Background())

	assert.Equal(t, int64(2), count(t, report.Jobs[automation.RuleAutoReject]))
	assert.Equal(t, domain.StageRejected, e.app(t, "applied").Status)
	assert.Equal(t, domain.StageRejected, e.app(t, "interview").Status)
	assert.Equal(t, domain.StageHired, e.app(t, "hired").Status)
}

func TestAutoReject_ConfiguredStages(t *testing.T) {
	e := newEnv(t)
	e.set(t, automation.KeyMasterSwitch, "true", "auto_reject_enabled", "true", "auto_reject_days_threshold", "10",
		automation.KeyAutoRejectStages, "Reviewing, Hired, Bogus")
	e.open(t, "applied")
	e.open(t, "reviewing")
	e.move(t, "reviewing", domain.StageReviewing)
	e.clock.Advance(11 * 24 * time.Hour)

	report := e.scheduler().RunScheduledChecks(context.Background())

	assert.Equal(t, int64(1), count(t, report.Jobs[automation.RuleAutoReject]))
	assert.Equal(t, domain.StageApplied, e.app(t, "applied").Status)
	assert.Equal(t, domain.StageRejected, e.app(t, "reviewing").Status)
}

// ─── Data retention ──────────────────────────────────────────────────────────

func TestDataRetention_PurgesExpiredArchives(t *testing.T) {
	e := newEnv(t)
	e.set(t, "data_retention_enabled", "true", "data_retention_days_threshold", "30")
	old := t0.Add(-40 * 24 * time.Hour)
	recent := t0.Add(-5 * 24 * time.Hour)
	e.insert(t, domain.Application{ID: "old", Status: domain.StageRejected, IsArchived: true, ArchivedAt: &old})
	e.insert(t, domain.Application{ID: "recent", Status: domain.StageRejected, IsArchived: true, ArchivedAt: &recent})
	e.store.AppendRawEntry(domain.StageHistoryEntry{ID: "h1", ApplicationID: "old", Stage: domain.StageRejected, EnteredAt: old})

	report := e.scheduler().RunScheduledChecks(context.Background())

	assert.Equal(t, int64(1), count(t, report.Jobs[automation.RuleDataRetention]))
	_, err := e.store.GetApplication(context.Background(), "old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	entries, err := e.store.ListEntries(context.Background(), "old")
	require.NoError(t, err)
	assert.Empty(t, entries)
	e.app(t, "recent")

	e.clock.Advance(6 * 24 * time.Hour)
	report = e.scheduler().RunScheduledChecks(context.Background())
	assert.Equal(t, automation.ReasonTooSoon, report.Jobs[automation.RuleDataRetention].Reason, "weekly interval")
}

func TestRunScheduledChecks_RecordsMetrics(t *testing.T) {
	e := newEnv(t)
	e.set(t, "data_retention_enabled", "true", "data_retention_days_threshold", "30")

	e.scheduler().RunScheduledChecks(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.RuleRuns.WithLabelValues(automation.RuleDataRetention, metrics.OutcomeRan)))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.RuleRuns.WithLabelValues(automation.RuleAutoArchive, metrics.OutcomeSkipped)))
	assert.Equal(t, 1, testutil.CollectAndCount(e.metrics.SchedulerRun))
}
