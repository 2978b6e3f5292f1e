// Package domain holds the hiring-pipeline types shared by the ledger, the
// duration/stale calculators and the automation scheduler, together with the
// storage interfaces the adapters implement.
package domain

import "time"

// Application is the slice of an application record the pipeline cares
// about. The record itself is owned by the CRUD layer.
type Application struct {
	ID                    string     `json:"id"`
	JobID                 string     `json:"jobId,omitempty"`
	CandidateName         string     `json:"candidateName,omitempty"`
	Status                Stage      `json:"status"`
	CurrentStageEnteredAt time.Time  `json:"currentStageEnteredAt"`
	IsArchived            bool       `json:"isArchived"`
	ArchivedAt            *time.Time `json:"archivedAt"`
	ArchiveReason         *string    `json:"archiveReason"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// StageHistoryEntry is one interval an application spent in a stage.
// ExitedAt == nil marks the application's current (open) interval.
type StageHistoryEntry struct {
	ID                 string     `json:"id"`
	ApplicationID      string     `json:"applicationId"`
	Stage              Stage      `json:"stage"`
	PreviousStage      *Stage     `json:"previousStage"`
	EnteredAt          time.Time  `json:"enteredAt"`
	ExitedAt           *time.Time `json:"exitedAt"`
	TimeInStageSeconds *int64     `json:"timeInStageSeconds"`
	ChangedByID        string     `json:"changedById"`
	ChangedByName      string     `json:"changedByName"`
}

// IsOpen reports whether the entry is the application's current interval.
func (e *StageHistoryEntry) IsOpen() bool { return e.ExitedAt == nil }

// ElapsedSeconds returns the interval length. Closed entries report their
// frozen TimeInStageSeconds; open entries are measured up to now.
func (e *StageHistoryEntry) ElapsedSeconds(now time.Time) int64 {
	if e.ExitedAt != nil {
		if e.TimeInStageSeconds != nil {
			return *e.TimeInStageSeconds
		}
		return SecondsBetween(e.EnteredAt, *e.ExitedAt)
	}
	return SecondsBetween(e.EnteredAt, now)
}

// SecondsBetween returns whole seconds from start to end, never negative.
func SecondsBetween(start, end time.Time) int64 {
	s := int64(end.Sub(start) / time.Second)
	if s < 0 {
		return 0
	}
	return s
}

// Actor identifies who caused a stage change.
type Actor struct {
	ID   string
	Name string
}

// SystemActor is recorded for transitions made by the automation scheduler.
var SystemActor = Actor{ID: "system", Name: "Workflow Automation"}

// SettingEntry is a key/value configuration or checkpoint row.
// UserID == nil means system-wide.
type SettingEntry struct {
	Key       string    `json:"key"`
	UserID    *string   `json:"userId"`
	Value     string    `json:"value"`
	DataType  string    `json:"dataType"`
	Category  string    `json:"category"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Setting data types and categories.
const (
	DataTypeString  = "string"
	DataTypeInteger = "integer"
	DataTypeBoolean = "boolean"
	DataTypeTime    = "timestamp"

	CategoryGeneral    = "general"
	CategoryAutomation = "automation"
	CategoryScheduler  = "scheduler"
)

// ApplicationFilter selects applications for automation rules.
// Zero-valued fields do not constrain the result.
type ApplicationFilter struct {
	Statuses           []Stage
	Archived           *bool
	StageEnteredBefore *time.Time
	UpdatedBefore      *time.Time
}

// EntryFilter narrows stage history entries for analytics.
type EntryFilter struct {
	JobID string
	From  *time.Time
	To    *time.Time
}
