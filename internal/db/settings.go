package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmate/pipeline-service/internal/domain"
)

// SettingsRepo implements domain.SettingsStore on the settings table,
// system-wide rows only (user_id IS NULL).
type SettingsRepo struct {
	pool *pgxpool.Pool
}

// NewSettingsRepo returns a SettingsRepo using pool.
func NewSettingsRepo(pool *pgxpool.Pool) *SettingsRepo {
	return &SettingsRepo{pool: pool}
}

func (r *SettingsRepo) GetSetting(ctx context.Context, key string) (*domain.SettingEntry, error) {
	var e domain.SettingEntry
	err := r.pool.QueryRow(ctx,
		`SELECT key, user_id, value, data_type, category, updated_at
		 FROM settings WHERE key = $1 AND user_id IS NULL`,
		key,
	).Scan(&e.Key, &e.UserID, &e.Value, &e.DataType, &e.Category, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSettingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getSetting %s: %w", key, err)
	}
	return &e, nil
}

// UpsertSetting writes through the partial unique index on system keys, so
// concurrent writers never hit a duplicate-key error.
func (r *SettingsRepo) UpsertSetting(ctx context.Context, e domain.SettingEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO settings (key, user_id, value, data_type, category, updated_at)
		 VALUES ($1, NULL, $2, $3, $4, now())
		 ON CONFLICT (key) WHERE user_id IS NULL
		 DO UPDATE SET value = EXCLUDED.value, data_type = EXCLUDED.data_type,
		               category = EXCLUDED.category, updated_at = now()`,
		e.Key, e.Value, e.DataType, e.Category)
	if err != nil {
		return fmt.Errorf("upsertSetting %s: %w", e.Key, err)
	}
	return nil
}

// SwapSetting is a single conditional statement per case, so the comparison
// and the write cannot interleave with another writer.
func (r *SettingsRepo) SwapSetting(ctx context.Context, key string, old, next *string, dataType, category string) (bool, error) {
	var (
		n   int64
		err error
	)
	switch {
	case old == nil && next == nil:
		var exists bool
		err = r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM settings WHERE key = $1 AND user_id IS NULL)`, key).Scan(&exists)
		if err == nil && !exists {
			n = 1
		}
	case old == nil:
		n, err = r.exec(ctx,
			`INSERT INTO settings (key, user_id, value, data_type, category, updated_at)
			 VALUES ($1, NULL, $2, $3, $4, now())
			 ON CONFLICT (key) WHERE user_id IS NULL DO NOTHING`,
			key, *next, dataType, category)
	case next == nil:
		n, err = r.exec(ctx,
			`DELETE FROM settings WHERE key = $1 AND user_id IS NULL AND value = $2`,
			key, *old)
	default:
		n, err = r.exec(ctx,
			`UPDATE settings SET value = $2, data_type = $3, category = $4, updated_at = now()
			 WHERE key = $1 AND user_id IS NULL AND value = $5`,
			key, *next, dataType, category, *old)
	}
	if err != nil {
		return false, fmt.Errorf("swapSetting %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *SettingsRepo) exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
