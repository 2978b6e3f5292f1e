// Package kanban implements the stage history ledger: the append-only log of
// pipeline stage intervals that is the source of truth for which stage an
// application occupies and since when.
//
// Invariant: every application has exactly one open interval (exited_at
// IS NULL), and its stage equals applications.status.
package kanban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"jobmate/pipeline-service/internal/domain"
	"jobmate/pipeline-service/internal/duration"
	"jobmate/pipeline-service/internal/metrics"
)

// ─── Ledger ──────────────────────────────────────────────────────────────────

// Ledger records stage transitions. It has no dependency on any transport.
type Ledger struct {
	store     domain.LedgerStore
	publisher domain.EventPublisher
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	newID     func() string
}

// NewLedger returns a configured Ledger.
func NewLedger(store domain.LedgerStore, publisher domain.EventPublisher, m *metrics.Metrics, clock clockwork.Clock) *Ledger {
	return &Ledger{
		store:     store,
		publisher: publisher,
		metrics:   m,
		clock:     clock,
		newID:     uuid.NewString,
	}
}

// TimelineEntry is a history entry annotated for display.
type TimelineEntry struct {
	domain.StageHistoryEntry
	IsCurrent         bool              `json:"isCurrent"`
	DurationSeconds   int64             `json:"durationSeconds"`
	DurationFormatted string            `json:"durationFormatted"`
	Severity          duration.Severity `json:"severity"`
}

// ─── Writes ──────────────────────────────────────────────────────────────────

// NewApplication is the input of CreateApplication. An empty ID is
// generated.
type NewApplication struct {
	ID            string
	JobID         string
	CandidateName string
}

// CreateApplication inserts an application in Applied together with its
// first open interval as one atomic unit. Returns ErrAlreadyExists when the
// id is taken.
func (l *Ledger) CreateApplication(ctx context.Context, in NewApplication, actor domain.Actor) (*domain.Application, *domain.StageHistoryEntry, error) {
	if in.ID == "" {
		in.ID = l.newID()
	}
	now := l.clock.Now().UTC()
	app := &domain.Application{
		ID:                    in.ID,
		JobID:                 in.JobID,
		CandidateName:         in.CandidateName,
		Status:                domain.StageApplied,
		CurrentStageEnteredAt: now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	entry := l.initialEntry(app.ID, domain.StageApplied, actor, now)

	err := l.store.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		if err := tx.InsertApplication(ctx, app); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return fmt.Errorf("insert initial entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("createApplication %s: %w", app.ID, err)
	}

	l.metrics.StageTransitions.WithLabelValues("", string(domain.StageApplied)).Inc()
	event := domain.StageChangedEvent{
		ApplicationID: app.ID,
		To:            domain.StageApplied,
		ChangedByID:   actor.ID,
		At:            now,
	}
	if err := l.publisher.PublishStageChanged(ctx, event); err != nil {
		slog.WarnContext(ctx, "publish stage change failed", "applicationId", app.ID, "err", err)
	}
	return app, entry, nil
}

// CreateInitial opens the first interval of an application whose row was
// created elsewhere (the CRUD layer).
// Returns an IntegrityError if the application already has an open interval.
func (l *Ledger) CreateInitial(ctx context.Context, appID string, stage domain.Stage, actor domain.Actor) (*domain.StageHistoryEntry, error) {
	if _, err := domain.ParseStage(string(stage)); err != nil {
		return nil, &domain.ValidationError{Msg: err.Error()}
	}

	now := l.clock.Now().UTC()
	entry := l.initialEntry(appID, stage, actor, now)

	err := l.store.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		if _, err := tx.LockApplication(ctx, appID); err != nil {
			return err
		}
		open, err := tx.OpenEntries(ctx, appID)
		if err != nil {
			return fmt.Errorf("load open entries: %w", err)
		}
		if len(open) != 0 {
			return &domain.IntegrityError{ApplicationID: appID, OpenEntries: len(open)}
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return fmt.Errorf("insert initial entry: %w", err)
		}
		return tx.SetApplicationStage(ctx, appID, stage, now)
	})
	if err != nil {
		return nil, fmt.Errorf("createInitial %s: %w", appID, err)
	}
	return entry, nil
}

func (l *Ledger) initialEntry(appID string, stage domain.Stage, actor domain.Actor, now time.Time) *domain.StageHistoryEntry {
	return &domain.StageHistoryEntry{
		ID:            l.newID(),
		ApplicationID: appID,
		Stage:         stage,
		EnteredAt:     now,
		ChangedByID:   actor.ID,
		ChangedByName: actor.Name,
	}
}

// RecordTransition closes the application's open interval and opens a new
// one in toStage as a single atomic unit, then updates the application's
// status to match.
//
// Any stage other than the current one is accepted. Returns ErrNotFound for
// unknown applications, a ValidationError for an unknown or unchanged stage,
// and an IntegrityError when the
// application does not have exactly one open interval. On any error nothing
// is written.
func (l *Ledger) RecordTransition(ctx context.Context, appID string, toStage domain.Stage, actor domain.Actor) (*domain.StageHistoryEntry, error) {
	if _, err := domain.ParseStage(string(toStage)); err != nil {
		return nil, &domain.ValidationError{Msg: err.Error()}
	}

	var (
		opened *domain.StageHistoryEntry
		from   domain.Stage
	)
	err := l.store.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		app, err := tx.LockApplication(ctx, appID)
		if err != nil {
			return err
		}

		open, err := tx.OpenEntries(ctx, appID)
		if err != nil {
			return fmt.Errorf("load open entries: %w", err)
		}
		if len(open) != 1 {
			return &domain.IntegrityError{ApplicationID: appID, OpenEntries: len(open)}
		}
		cur := open[0]
		from = cur.Stage
		if app.Status != cur.Stage {
			slog.WarnContext(ctx, "application status disagrees with open stage interval",
				"applicationId", appID, "status", app.Status, "openStage", cur.Stage, "integrity_violation", true)
		}

		if cur.Stage == toStage {
			return &domain.ValidationError{
				Msg: fmt.Sprintf("application is already in stage %s", toStage),
			}
		}

		// Read the clock inside the unit so concurrent writers on the same
		// application, serialised by the lock, never produce overlaps.
		now := l.clock.Now().UTC()
		if now.Before(cur.EnteredAt) {
			now = cur.EnteredAt
		}

		if err := tx.CloseEntry(ctx, cur.ID, now, domain.SecondsBetween(cur.EnteredAt, now)); err != nil {
			return fmt.Errorf("close entry %s: %w", cur.ID, err)
		}

		prev := cur.Stage
		opened = &domain.StageHistoryEntry{
			ID:            l.newID(),
			ApplicationID: appID,
			Stage:         toStage,
			PreviousStage: &prev,
			EnteredAt:     now,
			ChangedByID:   actor.ID,
			ChangedByName: actor.Name,
		}
		if err := tx.InsertEntry(ctx, opened); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		return tx.SetApplicationStage(ctx, appID, toStage, now)
	})
	if err != nil {
		var ie *domain.IntegrityError
		if errors.As(err, &ie) {
			l.reportIntegrity(ctx, appID, ie.OpenEntries)
		}
		return nil, fmt.Errorf("recordTransition %s: %w", appID, err)
	}

	l.metrics.StageTransitions.WithLabelValues(string(from), string(toStage)).Inc()

	// Publish for SSE fan-out (non-fatal)
	event := domain.StageChangedEvent{
		ApplicationID: appID,
		From:          from,
		To:            toStage,
		ChangedByID:   actor.ID,
		At:            opened.EnteredAt,
	}
	if err := l.publisher.PublishStageChanged(ctx, event); err != nil {
		slog.WarnContext(ctx, "publish stage change failed", "applicationId", appID, "err", err)
	}

	return opened, nil
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// GetTimeline returns the application's intervals oldest first, each
// annotated with its duration and whether it is the current one.
func (l *Ledger) GetTimeline(ctx context.Context, appID string) ([]TimelineEntry, error) {
	entries, err := l.store.ListEntries(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("getTimeline %s: %w", appID, err)
	}

	now := l.clock.Now()
	out := make([]TimelineEntry, 0, len(entries))
	for _, e := range entries {
		secs := e.ElapsedSeconds(now)
		out = append(out, TimelineEntry{
			StageHistoryEntry: e,
			IsCurrent:         e.IsOpen(),
			DurationSeconds:   secs,
			DurationFormatted: duration.FormatDuration(float64(secs)),
			Severity:          duration.ClassifyDuration(e.Stage, float64(secs)),
		})
	}
	return out, nil
}

// GetCurrentDuration returns how long the application has been in its
// current stage, in seconds.
//
// A missing or duplicated open interval is reported as an integrity
// violation (warning log + metric) rather than an error, so read paths keep
// working: zero open intervals yield 0, several yield the newest one.
func (l *Ledger) GetCurrentDuration(ctx context.Context, appID string) (int64, error) {
	open, err := l.store.ListOpenEntries(ctx, appID)
	if err != nil {
		return 0, fmt.Errorf("getCurrentDuration %s: %w", appID, err)
	}

	switch len(open) {
	case 1:
		return open[0].ElapsedSeconds(l.clock.Now()), nil
	case 0:
		l.reportIntegrity(ctx, appID, 0)
		return 0, nil
	default:
		l.reportIntegrity(ctx, appID, len(open))
		return open[len(open)-1].ElapsedSeconds(l.clock.Now()), nil
	}
}

func (l *Ledger) reportIntegrity(ctx context.Context, appID string, openEntries int) {
	l.metrics.IntegrityViolations.Inc()
	slog.WarnContext(ctx, "stage history integrity violation",
		"applicationId", appID, "openEntries", openEntries, "integrity_violation", true)
}
