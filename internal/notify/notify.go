// Package notify publishes pipeline events and notification commands to
// Redis channels consumed by the Gateway (SSE) and the mailer.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"jobmate/pipeline-service/internal/domain"
)

// Channel names.
const (
	ChannelStageChanged = "EVENT_STAGE_CHANGED"
	ChannelWeeklyDigest = "CMD_SEND_WEEKLY_DIGEST"
)

// RedisPublisher implements domain.EventPublisher and the weekly digest
// notifier on Redis pub/sub.
type RedisPublisher struct {
	rdb   *redis.Client
	clock clockwork.Clock
}

// NewRedisPublisher returns a publisher on rdb. clock stamps the commands
// that carry no event time of their own.
func NewRedisPublisher(rdb *redis.Client, clock clockwork.Clock) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, clock: clock}
}

// PublishStageChanged emits EVENT_STAGE_CHANGED.
func (p *RedisPublisher) PublishStageChanged(ctx context.Context, ev domain.StageChangedEvent) error {
	payload, err := json.Marshal(map[string]any{
		"type":          ChannelStageChanged,
		"applicationId": ev.ApplicationID,
		"from":          ev.From,
		"to":            ev.To,
		"changedById":   ev.ChangedByID,
		"at":            ev.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal stage event: %w", err)
	}
	if err := p.rdb.Publish(ctx, ChannelStageChanged, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ChannelStageChanged, err)
	}
	return nil
}

// SendWeeklyDigest asks the mailer to build and send the weekly digest. The
// command carries no ledger data.
func (p *RedisPublisher) SendWeeklyDigest(ctx context.Context) error {
	payload, err := digestCommand(p.clock.Now())
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, ChannelWeeklyDigest, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ChannelWeeklyDigest, err)
	}
	return nil
}

func digestCommand(at time.Time) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"type":        ChannelWeeklyDigest,
		"requestedAt": at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal digest command: %w", err)
	}
	return payload, nil
}

// LogPublisher stands in when no Redis is configured.
type LogPublisher struct{}

func (LogPublisher) PublishStageChanged(ctx context.Context, ev domain.StageChangedEvent) error {
	slog.DebugContext(ctx, "stage changed", "applicationId", ev.ApplicationID, "from", ev.From, "to", ev.To)
	return nil
}

func (LogPublisher) SendWeeklyDigest(ctx context.Context) error {
	slog.InfoContext(ctx, "weekly digest requested (no notification channel configured)")
	return nil
}
