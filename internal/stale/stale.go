// Package stale flags applications that have sat in a non-terminal stage for
// longer than a configured number of days.
package stale

import (
	"github.com/jonboulle/clockwork"

	"jobmate/pipeline-service/internal/domain"
)

const secondsPerDay = 86400

// Application is an application kept by ListStale.
type Application struct {
	domain.Application
	DaysSinceStageChange int `json:"daysSinceStageChange"`
}

// Detector evaluates staleness against its clock.
type Detector struct {
	clock clockwork.Clock
}

// NewDetector returns a Detector reading time from clock.
func NewDetector(clock clockwork.Clock) *Detector {
	return &Detector{clock: clock}
}

// IsStale reports whether app has been in its current stage for more than
// thresholdDays. Hired and Rejected applications are never stale.
func (d *Detector) IsStale(app *domain.Application, thresholdDays int) bool {
	if domain.IsTerminal(app.Status) {
		return false
	}
	return d.secondsInStage(app) > int64(thresholdDays)*secondsPerDay
}

// ListStale keeps the stale applications of apps, in input order.
func (d *Detector) ListStale(apps []domain.Application, thresholdDays int) []Application {
	out := make([]Application, 0)
	for i := range apps {
		if !d.IsStale(&apps[i], thresholdDays) {
			continue
		}
		out = append(out, Application{
			Application:          apps[i],
			DaysSinceStageChange: int(d.secondsInStage(&apps[i]) / secondsPerDay),
		})
	}
	return out
}

func (d *Detector) secondsInStage(app *domain.Application) int64 {
	return domain.SecondsBetween(app.CurrentStageEnteredAt, d.clock.Now())
}
