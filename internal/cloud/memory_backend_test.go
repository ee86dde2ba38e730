package cloud

import (
	"context"
	"testing"
	"time"

	"wisefido-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicRef_StableAcrossCalls(t *testing.T) {
	rec := testRecord()
	other := rec
	other.DeviceID = "watch-1"

	assert.Equal(t, DeterministicRef(rec.Key()), DeterministicRef(rec.Key()))
	assert.NotEqual(t, DeterministicRef(rec.Key()), DeterministicRef(other.Key()))

	ref := "explicit"
	rec.CloudRef = &ref
	assert.Equal(t, "explicit", RefFor(rec))
}

func TestMemoryBackend_SaveFetchDelete(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	clock := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	backend.SetClock(func() time.Time { return clock })

	rec := testRecord()
	ref, err := backend.Save(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, DeterministicRef(rec.Key()), ref)

	// 重复保存是幂等的 upsert
	_, err = backend.Save(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Len())

	later := clock.Add(time.Hour)
	records, err := backend.FetchSince(ctx, &later)
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = backend.FetchSince(ctx, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].IsSynced)
	assert.True(t, records[0].CloudModTime.Equal(clock))
	require.NotNil(t, backend.LastSyncDate())

	require.NoError(t, backend.Delete(ctx, rec))
	assert.ErrorIs(t, backend.Delete(ctx, rec), models.ErrRecordNotFound)
}

func TestMemoryBackend_AccountStatus(t *testing.T) {
	backend := NewMemoryBackend()

	status, err := backend.CheckAccountStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AccountAvailable, status.State)

	backend.SetAccountStatus(models.AccountStatus{State: models.AccountUnavailable, Reason: "signed out"})
	status, err = backend.CheckAccountStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "signed out", status.Reason)
}
