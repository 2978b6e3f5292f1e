// Package settings is the configuration collaborator: typed reads with
// defaults over a domain.SettingsStore, plus the scheduler checkpoint
// helpers. It holds no cache; every read goes to the injected store.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"jobmate/pipeline-service/internal/domain"
)

// Service wraps a SettingsStore.
type Service struct {
	store domain.SettingsStore
}

// NewService returns a Service backed by store.
func NewService(store domain.SettingsStore) *Service {
	return &Service{store: store}
}

// GetSetting returns the stored value for key, or def when the key is absent.
func (s *Service) GetSetting(ctx context.Context, key, def string) (string, error) {
	e, err := s.store.GetSetting(ctx, key)
	if errors.Is(err, domain.ErrSettingNotFound) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return e.Value, nil
}

// Lookup returns the raw value and whether the key exists.
func (s *Service) Lookup(ctx context.Context, key string) (string, bool, error) {
	e, err := s.store.GetSetting(ctx, key)
	if errors.Is(err, domain.ErrSettingNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return e.Value, true, nil
}

// GetBool parses key as a boolean flag. Absent or unparsable values yield def.
func (s *Service) GetBool(ctx context.Context, key string, def bool) (bool, error) {
	raw, ok, err := s.Lookup(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	v, perr := strconv.ParseBool(strings.TrimSpace(raw))
	if perr != nil {
		return def, nil
	}
	return v, nil
}

// GetPositiveInt parses key as an integer > 0. ok is false when the key is
// absent, non-numeric or not positive.
func (s *Service) GetPositiveInt(ctx context.Context, key string) (n int, ok bool, err error) {
	raw, exists, err := s.Lookup(ctx, key)
	if err != nil || !exists {
		return 0, false, err
	}
	v, perr := strconv.Atoi(strings.TrimSpace(raw))
	if perr != nil || v <= 0 {
		return 0, false, nil
	}
	return v, true, nil
}

// UpsertSetting stores value under key system-wide.
func (s *Service) UpsertSetting(ctx context.Context, key, value string) error {
	return s.Upsert(ctx, domain.SettingEntry{
		Key:      key,
		Value:    value,
		DataType: inferDataType(value),
		Category: domain.CategoryGeneral,
	})
}

// Upsert stores a fully described entry.
func (s *Service) Upsert(ctx context.Context, entry domain.SettingEntry) error {
	if entry.Key == "" {
		return &domain.ValidationError{Msg: "setting key must not be empty"}
	}
	if err := s.store.UpsertSetting(ctx, entry); err != nil {
		return fmt.Errorf("upsert setting %s: %w", entry.Key, err)
	}
	return nil
}

// ─── Checkpoints ─────────────────────────────────────────────────────────────

// LastRunKey names the checkpoint of a rule.
func LastRunKey(rule string) string { return rule + "_last_run" }

// Checkpoint is the value of a rule's last-run key as read.
type Checkpoint struct {
	// Raw is the stored string, nil when the rule never ran.
	Raw *string
	// At is the parsed time; zero when Raw is nil or unparsable.
	At time.Time
}

// Ran reports whether a usable last-run timestamp exists.
func (c Checkpoint) Ran() bool { return !c.At.IsZero() }

// ReadCheckpoint loads the checkpoint of rule.
func (s *Service) ReadCheckpoint(ctx context.Context, rule string) (Checkpoint, error) {
	raw, ok, err := s.Lookup(ctx, LastRunKey(rule))
	if err != nil || !ok {
		return Checkpoint{}, err
	}
	cp := Checkpoint{Raw: &raw}
	if t, perr := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw)); perr == nil {
		cp.At = t
	}
	return cp, nil
}

// ClaimCheckpoint moves the checkpoint from what was read to now. It reports
// false when another writer changed the checkpoint in between.
func (s *Service) ClaimCheckpoint(ctx context.Context, rule string, read Checkpoint, now time.Time) (string, bool, error) {
	next := FormatTimestamp(now)
	ok, err := s.store.SwapSetting(ctx, LastRunKey(rule), read.Raw, &next, domain.DataTypeTime, domain.CategoryScheduler)
	if err != nil {
		return "", false, fmt.Errorf("claim checkpoint %s: %w", rule, err)
	}
	return next, ok, nil
}

// RestoreCheckpoint reverts a claim so the rule stays eligible.
func (s *Service) RestoreCheckpoint(ctx context.Context, rule, claimed string, read Checkpoint) error {
	ok, err := s.store.SwapSetting(ctx, LastRunKey(rule), &claimed, read.Raw, domain.DataTypeTime, domain.CategoryScheduler)
	if err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", rule, err)
	}
	if !ok {
		return fmt.Errorf("restore checkpoint %s: checkpoint changed since claim", rule)
	}
	return nil
}

// FormatTimestamp renders checkpoint values.
func FormatTimestamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func inferDataType(v string) string {
	if _, err := strconv.Atoi(v); err == nil {
		return domain.DataTypeInteger
	}
	if _, err := strconv.ParseBool(v); err == nil {
		return domain.DataTypeBoolean
	}
	return domain.DataTypeString
}
