package settings_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/pipeline-service/internal/domain"
	"jobmate/pipeline-service/internal/memstore"
	"jobmate/pipeline-service/internal/settings"
)

func TestGetSetting_Default(t *testing.T) {
	svc := settings.NewService(memstore.NewSettings())
	ctx := context.Background()

	v, err := svc.GetSetting(ctx, "weekly_digest_time", "09:00")
	require.NoError(t, err)
	assert.Equal(t, "09:00", v)

	require.NoError(t, svc.UpsertSetting(ctx, "weekly_digest_time", "10:30"))
	v, err = svc.GetSetting(ctx, "weekly_digest_time", "09:00")
	require.NoError(t, err)
	assert.Equal(t, "10:30", v)
}

func TestUpsertSetting_InfersDataType(t *testing.T) {
	store := memstore.NewSettings()
	svc := settings.NewService(store)
	ctx := context.Background()

	require.NoError(t, svc.UpsertSetting(ctx, "a", "3"))
	require.NoError(t, svc.UpsertSetting(ctx, "b", "true"))
	require.NoError(t, svc.UpsertSetting(ctx, "c", "monday"))

	for key, want := range map[string]string{"a": domain.DataTypeInteger, "b": domain.DataTypeBoolean, "c": domain.DataTypeString} {
		e, err := store.GetSetting(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, e.DataType, key)
		assert.Nil(t, e.UserID, "settings are system-wide")
	}
}

func TestUpsertSetting_EmptyKey(t *testing.T) {
	svc := settings.NewService(memstore.NewSettings())

	err := svc.UpsertSetting(context.Background(), "", "x")

	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestGetPositiveInt(t *testing.T) {
	svc := settings.NewService(memstore.NewSettings())
	ctx := context.Background()

	_, ok, err := svc.GetPositiveInt(ctx, "auto_archive_days_threshold")
	require.NoError(t, err)
	assert.False(t, ok, "absent key")

	for _, bad := range []string{"abc", "0", "-2", "1.5", ""} {
		require.NoError(t, svc.UpsertSetting(ctx, "auto_archive_days_threshold", bad))
		_, ok, err = svc.GetPositiveInt(ctx, "auto_archive_days_threshold")
		require.NoError(t, err)
		assert.False(t, ok, "value %q", bad)
	}

	require.NoError(t, svc.UpsertSetting(ctx, "auto_archive_days_threshold", " 30 "))
	n, ok, err := svc.GetPositiveInt(ctx, "auto_archive_days_threshold")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30, n)
}

func TestGetBool(t *testing.T) {
	svc := settings.NewService(memstore.NewSettings())
	ctx := context.Background()

	v, err := svc.GetBool(ctx, "auto_archive_enabled", false)
	require.NoError(t, err)
	assert.False(t, v)

	require.NoError(t, svc.UpsertSetting(ctx, "auto_archive_enabled", "true"))
	v, err = svc.GetBool(ctx, "auto_archive_enabled", false)
	require.NoError(t, err)
	assert.True(t, v)

	require.NoError(t, svc.UpsertSetting(ctx, "auto_archive_enabled", "yes please"))
	v, err = svc.GetBool(ctx, "auto_archive_enabled", false)
	require.NoError(t, err)
	assert.False(t, v, "unparsable falls back to default")
}

func TestCheckpoint_ClaimAndRestore(t *testing.T) {
	svc := settings.NewService(memstore.NewSettings())
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	read, err := svc.ReadCheckpoint(ctx, "auto_archive")
	require.NoError(t, err)
	assert.False(t, read.Ran())
	assert.Nil(t, read.Raw)

	claimed, ok, err := svc.ClaimCheckpoint(ctx, "auto_archive", read, now)
	require.NoError(t, err)
	require.True(t, ok)

	after, err := svc.ReadCheckpoint(ctx, "auto_archive")
	require.NoError(t, err)
	assert.True(t, after.Ran())
	assert.True(t, now.Equal(after.At))

	// A second claimer still holding the stale read loses.
	_, ok, err = svc.ClaimCheckpoint(ctx, "auto_archive", read, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.RestoreCheckpoint(ctx, "auto_archive", claimed, read))
	restored, err := svc.ReadCheckpoint(ctx, "auto_archive")
	require.NoError(t, err)
	assert.False(t, restored.Ran(), "restore of a never-run checkpoint deletes it")
}

func TestReadCheckpoint_Unparsable(t *testing.T) {
	svc := settings.NewService(memstore.NewSettings())
	ctx := context.Background()
	require.NoError(t, svc.UpsertSetting(ctx, settings.LastRunKey("weekly_digest"), "last tuesday"))

	cp, err := svc.ReadCheckpoint(ctx, "weekly_digest")
	require.NoError(t, err)
	assert.False(t, cp.Ran())
	require.NotNil(t, cp.Raw)
	assert.Equal(t, "last tuesday", *cp.Raw)
}
