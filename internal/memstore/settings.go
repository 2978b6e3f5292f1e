package memstore

import (
	"context"
	"sync"
	"time"

	"jobmate/pipeline-service/internal/domain"
)

// Settings implements domain.SettingsStore on a map guarded by a mutex.
type Settings struct {
	mu      sync.Mutex
	entries map[string]domain.SettingEntry
	now     func() time.Time
}

// NewSettings returns an empty Settings store.
func NewSettings() *Settings {
	return &Settings{entries: make(map[string]domain.SettingEntry), now: time.Now}
}

func (s *Settings) GetSetting(_ context.Context, key string) (*domain.SettingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, domain.ErrSettingNotFound
	}
	return &e, nil
}

func (s *Settings) UpsertSetting(_ context.Context, entry domain.SettingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.UserID = nil
	entry.UpdatedAt = s.now()
	s.entries[entry.Key] = entry
	return nil
}

func (s *Settings) SwapSetting(_ context.Context, key string, old, next *string, dataType, category string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.entries[key]
	switch {
	case old == nil && exists:
		return false, nil
	case old != nil && (!exists || cur.Value != *old):
		return false, nil
	}

	if next == nil {
		delete(s.entries, key)
		return true, nil
	}
	s.entries[key] = domain.SettingEntry{
		Key:       key,
		Value:     *next,
		DataType:  dataType,
		Category:  category,
		UpdatedAt: s.now(),
	}
	return true, nil
}
