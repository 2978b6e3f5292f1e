// Package duration formats and classifies time spent in a pipeline stage and
// aggregates stage history into per-stage analytics.
package duration

import (
	"fmt"
	"math"

	"jobmate/pipeline-service/internal/domain"
)

const (
	secondsPerMinute = 60
	secondsPerHour   = 3600
	secondsPerDay    = 86400
)

// FormatDuration renders a duration in seconds at a resolution suited to its
// magnitude: "45s", "12m", "3h 20m", "2d 5h". Negative or non-finite input
// renders as "0 sec".
func FormatDuration(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return "0 sec"
	}
	s := int64(seconds)
	switch {
	case s < secondsPerMinute:
		return fmt.Sprintf("%ds", s)
	case s < secondsPerHour:
		return fmt.Sprintf("%dm", s/secondsPerMinute)
	case s < secondsPerDay:
		return fmt.Sprintf("%dh %dm", s/secondsPerHour, (s%secondsPerHour)/secondsPerMinute)
	default:
		return fmt.Sprintf("%dd %dh", s/secondsPerDay, (s%secondsPerDay)/secondsPerHour)
	}
}

// Severity is the UI tier of a stage duration.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Thresholds are the warning and danger limits of a stage, in days.
type Thresholds struct {
	WarningDays int
	DangerDays  int
}

var stageThresholds = map[domain.Stage]Thresholds{
	domain.StageApplied:   {WarningDays: 3, DangerDays: 7},
	domain.StageReviewing: {WarningDays: 5, DangerDays: 10},
	domain.StageInterview: {WarningDays: 7, DangerDays: 14},
	domain.StageHired:     {WarningDays: 14, DangerDays: 30},
	domain.StageRejected:  {WarningDays: 1, DangerDays: 3},
}

// ThresholdsFor returns the limits of stage. Unknown stages use Applied's.
func ThresholdsFor(stage domain.Stage) Thresholds {
	if t, ok := stageThresholds[stage]; ok {
		return t
	}
	return stageThresholds[domain.StageApplied]
}

// ClassifyDuration maps the time spent in stage to a severity tier.
// Reaching a threshold counts as crossing it.
func ClassifyDuration(stage domain.Stage, seconds float64) Severity {
	t := ThresholdsFor(stage)
	switch {
	case seconds >= float64(t.DangerDays*secondsPerDay):
		return SeverityDanger
	case seconds >= float64(t.WarningDays*secondsPerDay):
		return SeverityWarning
	default:
		return SeveritySuccess
	}
}
