// Package memstore provides in-memory implementations of the domain stores.
// They back the unit tests and the --in-memory serve mode; transactions are
// copy-on-write so a failed unit leaves no trace.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"jobmate/pipeline-service/internal/domain"
)

type state struct {
	apps    map[string]domain.Application
	entries []domain.StageHistoryEntry
}

func (s *state) clone() *state {
	c := &state{
		apps:    make(map[string]domain.Application, len(s.apps)),
		entries: slices.Clone(s.entries),
	}
	for id, a := range s.apps {
		c.apps[id] = a
	}
	return c
}

// Store implements domain.LedgerStore and domain.ApplicationStore.
type Store struct {
	mu sync.RWMutex
	st *state
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{st: &state{apps: make(map[string]domain.Application)}}
}

// ─── LedgerStore ─────────────────────────────────────────────────────────────

// InTx runs fn against a private copy of the state and publishes the copy
// only when fn succeeds. Units are serialised.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) ListEntries(_ context.Context, applicationID string) ([]domain.StageHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StageHistoryEntry, 0)
	for _, e := range s.st.entries {
		if e.ApplicationID == applicationID {
			out = append(out, e)
		}
	}
	sortByEnteredAt(out)
	return out, nil
}

func (s *Store) ListOpenEntries(_ context.Context, applicationID string) ([]domain.StageHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return openEntries(s.st, applicationID), nil
}

func (s *Store) QueryEntries(_ context.Context, f domain.EntryFilter) ([]domain.StageHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StageHistoryEntry, 0)
	for _, e := range s.st.entries {
		if f.JobID != "" && s.st.apps[e.ApplicationID].JobID != f.JobID {
			continue
		}
		if f.From != nil && e.EnteredAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.EnteredAt.After(*f.To) {
			continue
		}
		out = append(out, e)
	}
	sortByEnteredAt(out)
	return out, nil
}

// AppendRawEntry stores an entry without any invariant checks. Used to seed
// fixtures, including deliberately broken histories.
func (s *Store) AppendRawEntry(entry domain.StageHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.entries = append(s.st.entries, entry)
}

// ─── ApplicationStore ────────────────────────────────────────────────────────

func (s *Store) InsertApplication(_ context.Context, app *domain.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertApplication(s.st, app)
}

func (s *Store) GetApplication(_ context.Context, id string) (*domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.st.apps[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (s *Store) ListApplications(_ context.Context, f domain.ApplicationFilter) ([]domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Application, 0)
	for _, a := range s.st.apps {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
			continue
		}
		if f.Archived != nil && a.IsArchived != *f.Archived {
			continue
		}
		if f.StageEnteredBefore != nil && !a.CurrentStageEnteredAt.Before(*f.StageEnteredBefore) {
			continue
		}
		if f.UpdatedBefore != nil && !a.UpdatedAt.Before(*f.UpdatedBefore) {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b domain.Application) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) ArchiveRejected(_ context.Context, updatedBefore, archivedAt time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, a := range s.st.apps {
		if a.Status != domain.StageRejected || a.IsArchived || !a.UpdatedAt.Before(updatedBefore) {
			continue
		}
		at, r := archivedAt, reason
		a.IsArchived = true
		a.ArchivedAt = &at
		a.ArchiveReason = &r
		a.UpdatedAt = archivedAt
		s.st.apps[id] = a
		n++
	}
	return n, nil
}

func (s *Store) PurgeArchived(_ context.Context, archivedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := make(map[string]bool)
	for id, a := range s.st.apps {
		if a.IsArchived && a.ArchivedAt != nil && a.ArchivedAt.Before(archivedBefore) {
			purged[id] = true
			delete(s.st.apps, id)
		}
	}
	s.st.entries = slices.DeleteFunc(s.st.entries, func(e domain.StageHistoryEntry) bool {
		return purged[e.ApplicationID]
	})
	return int64(len(purged)), nil
}

// ─── Transaction ─────────────────────────────────────────────────────────────

type tx struct{ st *state }

func (t *tx) LockApplication(_ context.Context, applicationID string) (*domain.Application, error) {
	a, ok := t.st.apps[applicationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (t *tx) InsertApplication(_ context.Context, app *domain.Application) error {
	return insertApplication(t.st, app)
}

func (t *tx) OpenEntries(_ context.Context, applicationID string) ([]domain.StageHistoryEntry, error) {
	return openEntries(t.st, applicationID), nil
}

func (t *tx) CloseEntry(_ context.Context, entryID string, exitedAt time.Time, seconds int64) error {
	for i := range t.st.entries {
		e := &t.st.entries[i]
		if e.ID != entryID {
			continue
		}
		if e.ExitedAt != nil {
			return fmt.Errorf("close entry %s: already closed", entryID)
		}
		at, secs := exitedAt, seconds
		e.ExitedAt = &at
		e.TimeInStageSeconds = &secs
		return nil
	}
	return fmt.Errorf("close entry %s: not found", entryID)
}

func (t *tx) InsertEntry(_ context.Context, entry *domain.StageHistoryEntry) error {
	t.st.entries = append(t.st.entries, *entry)
	return nil
}

func (t *tx) SetApplicationStage(_ context.Context, applicationID string, stage domain.Stage, enteredAt time.Time) error {
	a, ok := t.st.apps[applicationID]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = stage
	a.CurrentStageEnteredAt = enteredAt
	a.UpdatedAt = enteredAt
	t.st.apps[applicationID] = a
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func insertApplication(st *state, app *domain.Application) error {
	if _, ok := st.apps[app.ID]; ok {
		return fmt.Errorf("insert application %s: %w", app.ID, domain.ErrAlreadyExists)
	}
	st.apps[app.ID] = *app
	return nil
}

func openEntries(st *state, applicationID string) []domain.StageHistoryEntry {
	out := make([]domain.StageHistoryEntry, 0, 1)
	for _, e := range st.entries {
		if e.ApplicationID == applicationID && e.ExitedAt == nil {
			out = append(out, e)
		}
	}
	sortByEnteredAt(out)
	return out
}

func sortByEnteredAt(entries []domain.StageHistoryEntry) {
	slices.SortStableFunc(entries, func(a, b domain.StageHistoryEntry) int {
		return a.EnteredAt.Compare(b.EnteredAt)
	})
}
