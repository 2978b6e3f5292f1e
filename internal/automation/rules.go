package automation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"jobmate/pipeline-service/internal/domain"
)

// Rule names, also the prefixes of their settings keys.
const (
	RuleAutoArchive   = "auto_archive"
	RuleAutoProgress  = "auto_progress"
	RuleAutoReject    = "auto_reject"
	RuleDataRetention = "data_retention"
	RuleWeeklyDigest  = "weekly_digest"
)

// Skip reasons reported in RuleResult.Reason.
const (
	ReasonDisabled          = "disabled"
	ReasonNotConfigured     = "not_configured"
	ReasonTooSoon           = "too_soon"
	ReasonNotScheduledDay   = "not_scheduled_day"
	ReasonOutsideTimeWindow = "outside_time_window"
	ReasonClaimedElsewhere  = "claimed_elsewhere"
	ReasonLocked            = "locked"
)

// Settings keys outside the per-rule <rule>_* family.
const (
	KeyMasterSwitch     = "enable_workflow_automation"
	KeyAutoRejectStages = "auto_reject_stages"
	KeyDigestDay        = "weekly_digest_day"
	KeyDigestTime       = "weekly_digest_time"
)

const (
	dailyInterval     = 1440 * time.Minute
	retentionInterval = 10080 * time.Minute
	digestWindow      = 2 * time.Minute
	digestMinSpacing  = 6 * 24 * time.Hour
	archiveReason     = "auto_rejected_expired"
)

var defaultRejectStages = []domain.Stage{domain.StageApplied, domain.StageReviewing, domain.StageInterview}

// params are the settings a rule needs, resolved once per evaluation.
type params struct {
	thresholdDays int
	digestDay     time.Weekday
	digestAt      clockTime
	rejectStages  []domain.Stage
}

type clockTime struct{ hour, minute int }

// rule describes one automation. Exactly one of interval or calendar is
// used for eligibility.
type rule struct {
	name string
	// gated rules also require the master automation switch.
	gated    bool
	interval time.Duration
	calendar bool
	// configure resolves params; ok=false reports not_configured.
	configure func(ctx context.Context, s *Scheduler) (params, bool, error)
	effect    func(s *Scheduler, ctx context.Context, p params, now time.Time) (int64, error)
}

func (r rule) enabledKey() string { return r.name + "_enabled" }

// defaultRules lists the automations in report order.
func defaultRules() []rule {
	return []rule{
		{
			name:      RuleAutoArchive,
			gated:     true,
			interval:  dailyInterval,
			configure: thresholdOnly(RuleAutoArchive),
			effect:    (*Scheduler).autoArchive,
		},
		{
			name:      RuleAutoProgress,
			gated:     true,
			interval:  dailyInterval,
			configure: thresholdOnly(RuleAutoProgress),
			effect:    (*Scheduler).autoProgress,
		},
		{
			name:     RuleAutoReject,
			gated:    true,
			interval: dailyInterval,
			configure: func(ctx context.Context, s *Scheduler) (params, bool, error) {
				p, ok, err := thresholdOnly(RuleAutoReject)(ctx, s)
				if err != nil || !ok {
					return p, ok, err
				}
				raw, err := s.settings.GetSetting(ctx, KeyAutoRejectStages, "")
				if err != nil {
					return p, false, err
				}
				p.rejectStages = parseStageList(raw)
				return p, true, nil
			},
			effect: (*Scheduler).autoReject,
		},
		{
			name:      RuleDataRetention,
			interval:  retentionInterval,
			configure: thresholdOnly(RuleDataRetention),
			effect:    (*Scheduler).dataRetention,
		},
		{
			name:     RuleWeeklyDigest,
			calendar: true,
			configure: func(ctx context.Context, s *Scheduler) (params, bool, error) {
				day, err := s.settings.GetSetting(ctx, KeyDigestDay, "")
				if err != nil {
					return params{}, false, err
				}
				at, err := s.settings.GetSetting(ctx, KeyDigestTime, "")
				if err != nil {
					return params{}, false, err
				}
				wd, okDay := parseWeekday(day)
				ct, okTime := parseClockTime(at)
				if !okDay || !okTime {
					return params{}, false, nil
				}
				return params{digestDay: wd, digestAt: ct}, true, nil
			},
			effect: (*Scheduler).weeklyDigest,
		},
	}
}

func thresholdOnly(name string) func(ctx context.Context, s *Scheduler) (params, bool, error) {
	return func(ctx context.Context, s *Scheduler) (params, bool, error) {
		n, ok, err := s.settings.GetPositiveInt(ctx, name+"_days_threshold")
		if err != nil || !ok {
			return params{}, false, err
		}
		return params{thresholdDays: n}, true, nil
	}
}

// ─── Eligibility ─────────────────────────────────────────────────────────────

// intervalReason returns "" when at least interval elapsed since last.
func intervalReason(now, last time.Time, interval time.Duration) string {
	if last.IsZero() || now.Sub(last) >= interval {
		return ""
	}
	return ReasonTooSoon
}

// calendarReason checks the weekly window in loc. The window is measured
// against the occurrences of the configured day and time on yesterday, today
// and tomorrow, so a 23:59 digest still fires from a trigger at 00:00.
func calendarReason(now, last time.Time, p params, loc *time.Location) string {
	local := now.In(loc)
	if !inDigestWindow(local, p) {
		if local.Weekday() != p.digestDay {
			return ReasonNotScheduledDay
		}
		return ReasonOutsideTimeWindow
	}
	if !last.IsZero() && now.Sub(last) < digestMinSpacing {
		return ReasonTooSoon
	}
	return ""
}

func inDigestWindow(local time.Time, p params) bool {
	for _, offset := range []int{-1, 0, 1} {
		day := local.AddDate(0, 0, offset)
		if day.Weekday() != p.digestDay {
			continue
		}
		target := time.Date(day.Year(), day.Month(), day.Day(), p.digestAt.hour, p.digestAt.minute, 0, 0, local.Location())
		if d := local.Sub(target); d >= -digestWindow && d <= digestWindow {
			return true
		}
	}
	return false
}

// ─── Parsing ─────────────────────────────────────────────────────────────────

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// parseWeekday accepts an English day name (full or three letters, any case)
// or a number 0-6 with 0 = Sunday.
func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if wd, ok := weekdays[s]; ok {
		return wd, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 6 {
		return 0, false
	}
	return time.Weekday(n), true
}

// parseClockTime accepts HH:MM in 24h notation.
func parseClockTime(s string) (clockTime, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return clockTime{}, false
	}
	return clockTime{hour: t.Hour(), minute: t.Minute()}, true
}

// parseStageList reads a comma-separated stage list. Unknown and terminal
// stages are dropped; an empty result falls back to the defaults.
func parseStageList(raw string) []domain.Stage {
	var out []domain.Stage
	for _, part := range strings.Split(raw, ",") {
		st, err := domain.ParseStage(strings.TrimSpace(part))
		if err != nil || domain.IsTerminal(st) {
			continue
		}
		out = append(out, st)
	}
	if len(out) == 0 {
		return defaultRejectStages
	}
	return out
}

func (c clockTime) String() string { return fmt.Sprintf("%02d:%02d", c.hour, c.minute) }
