package domain

import "fmt"

// Stage values mirror the applications.status column.
//
// An application may move from any stage to any other stage: cards go back,
// rejected candidates are reopened and outcomes get corrected. The ledger
// only refuses a move to the stage the application already occupies.
type Stage string

const (
	StageApplied   Stage = "Applied"
	StageReviewing Stage = "Reviewing"
	StageInterview Stage = "Interview"
	StageHired     Stage = "Hired"
	StageRejected  Stage = "Rejected"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageApplied, StageReviewing, StageInterview, StageHired, StageRejected}

// ParseStage converts a raw string to a Stage, returning an error for
// unknown values.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	switch st {
	case StageApplied, StageReviewing, StageInterview, StageHired, StageRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown application stage %q", s)
}

// IsTerminal reports whether the stage is an outcome. Terminal applications
// never go stale and are never auto-rejected; they can still be moved by hand.
func IsTerminal(s Stage) bool { return s == StageHired || s == StageRejected }
