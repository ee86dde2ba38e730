package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"wisefido-sync/internal/cloud"
	"wisefido-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBackend wraps the in-memory backend with injectable failures.
type fakeBackend struct {
	*cloud.MemoryBackend

	mu        sync.Mutex
	saveErr   error
	deleteErr error
	emptyRef  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{MemoryBackend: cloud.NewMemoryBackend()}
}

func (f *fakeBackend) fail(saveErr, deleteErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = saveErr
	f.deleteErr = deleteErr
}

func (f *fakeBackend) Save(ctx context.Context, rec models.MeasurementRecord) (string, error) {
	f.mu.Lock()
	err, emptyRef := f.saveErr, f.emptyRef
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	ref, err := f.MemoryBackend.Save(ctx, rec)
	if emptyRef {
		return "", err
	}
	return ref, err
}

func (f *fakeBackend) Delete(ctx context.Context, rec models.MeasurementRecord) error {
	f.mu.Lock()
	err := f.deleteErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryBackend.Delete(ctx, rec)
}

var fixedNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestRepository(backend cloud.Backend) (*MeasurementRepository, *MemoryStore) {
	store := NewMemoryStore()
	repo := NewMeasurementRepository(store, backend, zap.NewNop())
	repo.SetClock(func() time.Time { return fixedNow })
	return repo, store
}

func TestMeasurementRepository_SaveThenPushLeavesUnsyncedSet(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.fail(models.NewNetworkUnavailable(models.ReasonNoInternet, nil), nil)
	repo, _ := newTestRepository(backend)

	var reported []models.RecordKey
	var mu sync.Mutex
	repo.OnPushError(func(key models.RecordKey, err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, key)
		assert.ErrorIs(t, err, models.ErrNetworkUnavailable)
	})

	rec := sampleRecord(0, "iphone-1")
	require.NoError(t, repo.Save(ctx, rec))
	repo.Wait()

	// 推送失败不影响本地保存
	unsynced, err := repo.FetchUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.True(t, unsynced[0].Timestamp.Equal(rec.Timestamp))
	assert.Len(t, reported, 1)

	backend.fail(nil, nil)
	pushed, err := repo.Push(ctx, unsynced[0])
	require.NoError(t, err)
	assert.True(t, pushed.IsSynced)
	require.NotNil(t, pushed.CloudModTime)
	assert.True(t, pushed.CloudModTime.Equal(fixedNow))

	unsynced, err = repo.FetchUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestMeasurementRepository_SaveAsyncPush(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	repo, store := newTestRepository(backend)

	rec := sampleRecord(0, "iphone-1")
	require.NoError(t, repo.Save(ctx, rec))
	repo.Wait()

	got, err := store.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.True(t, got.IsSynced)
	require.NotNil(t, got.CloudRef)
	assert.Equal(t, cloud.DeterministicRef(rec.Key()), *got.CloudRef)
	assert.Equal(t, 1, backend.Len())
}

func TestMeasurementRepository_SaveWithoutBackendStaysUnsynced(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(nil)

	rec := sampleRecord(0, "iphone-1")
	require.NoError(t, repo.Save(ctx, rec))

	unsynced, err := repo.FetchUnsynced(ctx)
	require.NoError(t, err)
	assert.Len(t, unsynced, 1)

	_, err = repo.Push(ctx, rec)
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestMeasurementRepository_SaveStoreErrorPropagates(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(nil)

	rec := sampleRecord(0, "iphone-1")
	require.NoError(t, repo.Save(ctx, rec))

	err := repo.Save(ctx, rec)
	var storeErr *models.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "insert", storeErr.Op)
	assert.ErrorIs(t, err, models.ErrDuplicateKey)
}

func TestMeasurementRepository_PushGeneratesRefWhenBackendHasNone(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.emptyRef = true
	repo, store := newTestRepository(backend)

	rec := sampleRecord(0, "ipad-1")
	require.NoError(t, store.Insert(ctx, rec))

	pushed, err := repo.Push(ctx, rec)
	require.NoError(t, err)
	require.NotNil(t, pushed.CloudRef)
	assert.Equal(t, cloud.DeterministicRef(rec.Key()), *pushed.CloudRef)
}

func TestMeasurementRepository_PushSkipsRecordChangedInFlight(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestRepository(newFakeBackend())

	rec := sampleRecord(0, "iphone-1")
	require.NoError(t, store.Insert(ctx, rec))

	changed := rec.Clone()
	changed.StressLevel = 90
	require.NoError(t, store.Update(ctx, changed))

	_, err := repo.Push(ctx, rec)
	require.NoError(t, err)

	got, err := store.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.False(t, got.IsSynced)
}

func TestMeasurementRepository_MergeRemoteMeasurement(t *testing.T) {
	older := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	withModTime := func(rec models.MeasurementRecord, mod *time.Time) models.MeasurementRecord {
		rec.CloudModTime = mod
		return rec
	}

	cases := []struct {
		name       string
		local      *models.MeasurementRecord
		remoteMod  *time.Time
		want       MergeOutcome
		wantStress float64
		wantSynced bool
	}{
		{"new remote is inserted", nil, &newer, MergeInserted, 70, true},
		{"newer remote overwrites", ptr(withModTime(sampleRecord(0, "watch-1"), &older)), &newer, MergeUpdated, 70, true},
		{"older remote is ignored", ptr(withModTime(sampleRecord(0, "watch-1"), &newer)), &older, MergeSkipped, 40, false},
		{"equal mod time is ignored", ptr(withModTime(sampleRecord(0, "watch-1"), &newer)), &newer, MergeSkipped, 40, false},
		{"remote without mod time never wins", ptr(withModTime(sampleRecord(0, "watch-1"), &older)), nil, MergeSkipped, 40, false},
		{"local without mod time loses", ptr(sampleRecord(0, "watch-1")), &older, MergeUpdated, 70, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			repo, store := newTestRepository(nil)
			if tc.local != nil {
				require.NoError(t, store.Insert(ctx, *tc.local))
			}

			remote := sampleRecord(0, "watch-1")
			remote.StressLevel = 70
			remote.Category = models.CategoryModerate
			remote.CloudModTime = tc.remoteMod

			outcome, err := repo.MergeRemoteMeasurement(ctx, remote)
			require.NoError(t, err)
			assert.Equal(t, tc.want, outcome)

			got, err := store.Get(ctx, remote.Key())
			require.NoError(t, err)
			assert.Equal(t, tc.wantStress, got.StressLevel)
			assert.Equal(t, tc.wantSynced, got.IsSynced)
		})
	}
}

func TestMeasurementRepository_MergeRemoteSkipsTombstone(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestRepository(nil)

	local := sampleRecord(0, "watch-1")
	local.PendingDelete = true
	require.NoError(t, store.Insert(ctx, local))

	newer := fixedNow
	remote := sampleRecord(0, "watch-1")
	remote.CloudModTime = &newer

	outcome, err := repo.MergeRemoteMeasurement(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, MergeSkipped, outcome)
}

func TestMeasurementRepository_DeleteWithoutBackendRemovesImmediately(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestRepository(nil)

	rec := sampleRecord(0, "iphone-1")
	require.NoError(t, store.Insert(ctx, rec))
	require.NoError(t, repo.Delete(ctx, rec.Key()))

	_, err := store.Get(ctx, rec.Key())
	assert.ErrorIs(t, err, models.ErrNotFound)

	var storeErr *models.StoreError
	assert.ErrorAs(t, repo.Delete(ctx, rec.Key()), &storeErr)
}

func TestMeasurementRepository_DeleteRemovesAfterRemoteAck(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	repo, store := newTestRepository(backend)

	rec := sampleRecord(0, "iphone-1")
	require.NoError(t, repo.Save(ctx, rec))
	repo.Wait()
	require.Equal(t, 1, backend.Len())

	require.NoError(t, repo.Delete(ctx, rec.Key()))
	repo.Wait()

	_, err := store.Get(ctx, rec.Key())
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 0, backend.Len())
}

func TestMeasurementRepository_FailedDeleteKeepsTombstone(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.fail(nil, models.ErrRateLimited)
	repo, store := newTestRepository(backend)

	rec := sampleRecord(0, "iphone-1")
	require.NoError(t, store.Insert(ctx, rec))
	require.NoError(t, repo.Delete(ctx, rec.Key()))
	repo.Wait()

	unsynced, err := repo.FetchUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	pending, err := repo.FetchPendingDeletes(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].IsSynced)

	// 远端不存在视为删除已确认
	backend.fail(nil, models.ErrRecordNotFound)
	require.NoError(t, repo.RetryDelete(ctx, pending[0]))

	_, err = store.Get(ctx, rec.Key())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMeasurementRepository_AdoptRemoteAndReplaceWithMerged(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestRepository(nil)

	local := sampleRecord(200*time.Millisecond, "iphone-1")
	require.NoError(t, store.Insert(ctx, local))

	remote := sampleRecord(0, "watch-1")
	remote.StressLevel = 80
	adopted, err := repo.AdoptRemote(ctx, local, remote)
	require.NoError(t, err)
	assert.True(t, adopted.IsSynced)
	require.NotNil(t, adopted.CloudRef)

	_, err = store.Get(ctx, local.Key())
	assert.ErrorIs(t, err, models.ErrNotFound)
	got, err := store.Get(ctx, remote.Key())
	require.NoError(t, err)
	assert.Equal(t, 80.0, got.StressLevel)

	merged := got.Clone()
	merged.Timestamp = got.Timestamp.Add(500 * time.Millisecond)
	merged.IsSynced = true
	stored, err := repo.ReplaceWithMerged(ctx, got, merged)
	require.NoError(t, err)
	assert.False(t, stored.IsSynced)

	unsynced, err := repo.FetchUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.True(t, unsynced[0].Timestamp.Equal(merged.Timestamp))
}

func ptr(rec models.MeasurementRecord) *models.MeasurementRecord {
	return &rec
}
