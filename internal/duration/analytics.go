package duration

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"jobmate/pipeline-service/internal/domain"
)

// EntrySource supplies the stage history to aggregate.
type EntrySource interface {
	QueryEntries(ctx context.Context, filter domain.EntryFilter) ([]domain.StageHistoryEntry, error)
}

// StageStats summarises every interval recorded for one stage.
type StageStats struct {
	Stage            domain.Stage `json:"stage"`
	Count            int          `json:"count"`
	AvgSeconds       float64      `json:"avgSeconds"`
	MinSeconds       int64        `json:"minSeconds"`
	MaxSeconds       int64        `json:"maxSeconds"`
	AvgFormatted     string       `json:"avgFormatted"`
	CurrentlyInStage int          `json:"currentlyInStage"`
}

// Calculator computes aggregate analytics. Open intervals are measured to
// the clock's now without touching storage.
type Calculator struct {
	source EntrySource
	clock  clockwork.Clock
}

// NewCalculator returns a Calculator reading from source.
func NewCalculator(source EntrySource, clock clockwork.Clock) *Calculator {
	return &Calculator{source: source, clock: clock}
}

// GetAggregateAnalytics groups all entries matching filter by stage.
func (c *Calculator) GetAggregateAnalytics(ctx context.Context, filter domain.EntryFilter) ([]StageStats, error) {
	entries, err := c.source.QueryEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query stage history: %w", err)
	}
	return Aggregate(entries, c.clock.Now()), nil
}

// Aggregate is the pure part of GetAggregateAnalytics. Stages appear in
// pipeline order; stages without entries are omitted.
func Aggregate(entries []domain.StageHistoryEntry, now time.Time) []StageStats {
	type acc struct {
		stats StageStats
		total int64
	}
	byStage := make(map[domain.Stage]*acc)
	var unknown []domain.Stage

	for i := range entries {
		e := &entries[i]
		a, ok := byStage[e.Stage]
		if !ok {
			a = &acc{stats: StageStats{Stage: e.Stage}}
			byStage[e.Stage] = a
			if !isKnownStage(e.Stage) {
				unknown = append(unknown, e.Stage)
			}
		}
		secs := e.ElapsedSeconds(now)
		if a.stats.Count == 0 || secs < a.stats.MinSeconds {
			a.stats.MinSeconds = secs
		}
		if secs > a.stats.MaxSeconds {
			a.stats.MaxSeconds = secs
		}
		a.stats.Count++
		a.total += secs
		if e.IsOpen() {
			a.stats.CurrentlyInStage++
		}
	}

	out := make([]StageStats, 0, len(byStage))
	for _, stage := range append(append([]domain.Stage{}, domain.Stages...), unknown...) {
		a, ok := byStage[stage]
		if !ok {
			continue
		}
		a.stats.AvgSeconds = float64(a.total) / float64(a.stats.Count)
		a.stats.AvgFormatted = FormatDuration(a.stats.AvgSeconds)
		out = append(out, a.stats)
	}
	return out
}

func isKnownStage(s domain.Stage) bool {
	_, err := domain.ParseStage(string(s))
	return err == nil
}
