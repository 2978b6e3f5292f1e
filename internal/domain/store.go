package domain

import (
	"context"
	"time"
)

// LedgerTx is the set of writes a stage transition performs. Every call made
// through one LedgerTx commits or rolls back together.
type LedgerTx interface {
	// LockApplication loads the application and holds it until the unit
	// finishes. Returns ErrNotFound when missing.
	LockApplication(ctx context.Context, applicationID string) (*Application, error)
	// InsertApplication creates the application row. Returns
	// ErrAlreadyExists when the id is taken.
	InsertApplication(ctx context.Context, app *Application) error
	OpenEntries(ctx context.Context, applicationID string) ([]StageHistoryEntry, error)
	CloseEntry(ctx context.Context, entryID string, exitedAt time.Time, seconds int64) error
	InsertEntry(ctx context.Context, entry *StageHistoryEntry) error
	SetApplicationStage(ctx context.Context, applicationID string, stage Stage, enteredAt time.Time) error
}

// LedgerStore persists the append-only stage history.
type LedgerStore interface {
	// InTx runs fn as a single atomic unit. A returned error rolls back
	// every write fn made.
	InTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
	// ListEntries returns an application's entries ordered by entered_at.
	ListEntries(ctx context.Context, applicationID string) ([]StageHistoryEntry, error)
	ListOpenEntries(ctx context.Context, applicationID string) ([]StageHistoryEntry, error)
	QueryEntries(ctx context.Context, filter EntryFilter) ([]StageHistoryEntry, error)
}

// ApplicationStore is the part of the applications table automation needs.
type ApplicationStore interface {
	InsertApplication(ctx context.Context, app *Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]Application, error)
	// ArchiveRejected archives every unarchived Rejected application last
	// updated before updatedBefore and returns how many rows changed.
	ArchiveRejected(ctx context.Context, updatedBefore, archivedAt time.Time, reason string) (int64, error)
	// PurgeArchived deletes archived applications (and their stage history)
	// archived before archivedBefore.
	PurgeArchived(ctx context.Context, archivedBefore time.Time) (int64, error)
}

// SettingsStore is key/value persistence scoped system-wide.
type SettingsStore interface {
	// GetSetting returns ErrSettingNotFound for absent keys.
	GetSetting(ctx context.Context, key string) (*SettingEntry, error)
	// UpsertSetting inserts or replaces the value stored under entry.Key.
	UpsertSetting(ctx context.Context, entry SettingEntry) error
	// SwapSetting replaces the value only when the stored value equals old.
	// A nil old means the key must be absent; a nil next deletes the key.
	// Reports whether the swap happened.
	SwapSetting(ctx context.Context, key string, old, next *string, dataType, category string) (bool, error)
}

// EventPublisher fans ledger events out to other services.
type EventPublisher interface {
	PublishStageChanged(ctx context.Context, event StageChangedEvent) error
}

// StageChangedEvent is published after a transition commits.
type StageChangedEvent struct {
	ApplicationID string    `json:"applicationId"`
	From          Stage     `json:"from"`
	To            Stage     `json:"to"`
	ChangedByID   string    `json:"changedById"`
	At            time.Time `json:"at"`
}
