package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"wisefido-sync/internal/cloud"
	"wisefido-sync/internal/models"

	"go.uber.org/zap"
)

// ErrNoBackend is returned by push/delete paths when no cloud backend is configured.
var ErrNoBackend = errors.New("no cloud backend configured")

// MergeOutcome 拉取合并的结果
type MergeOutcome string

const (
	MergeInserted MergeOutcome = "inserted"
	MergeUpdated  MergeOutcome = "updated"
	MergeSkipped  MergeOutcome = "skipped"
)

// MeasurementRepository 本地存储与云端之间的合并引擎
// 本地写入总是先提交，推送在其后异步进行，推送失败不回滚本地写入
type MeasurementRepository struct {
	store   LocalStore
	backend cloud.Backend // nil: 纯本地模式
	logger  *zap.Logger
	now     func() time.Time

	pushes sync.WaitGroup

	hookMu      sync.RWMutex
	onPushError func(models.RecordKey, error)
}

// NewMeasurementRepository 创建合并引擎，backend 可以为 nil
func NewMeasurementRepository(store LocalStore, backend cloud.Backend, logger *zap.Logger) *MeasurementRepository {
	return &MeasurementRepository{
		store:   store,
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the clock used for cloudModTime.
func (r *MeasurementRepository) SetClock(now func() time.Time) {
	r.now = now
}

// OnPushError registers the receiver of asynchronous push/delete failures.
func (r *MeasurementRepository) OnPushError(fn func(models.RecordKey, error)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onPushError = fn
}

func (r *MeasurementRepository) HasBackend() bool {
	return r.backend != nil
}

func (r *MeasurementRepository) Backend() cloud.Backend {
	return r.backend
}

// Wait blocks until in-flight asynchronous pushes and deletes finish.
func (r *MeasurementRepository) Wait() {
	r.pushes.Wait()
}

// Save 本地插入并提交，成功后异步推送
func (r *MeasurementRepository) Save(ctx context.Context, rec models.MeasurementRecord) error {
	rec.IsSynced = false
	rec.PendingDelete = false
	if err := r.store.Insert(ctx, rec); err != nil {
		return &models.StoreError{Op: "insert", Err: err}
	}

	r.logger.Debug("Measurement saved locally",
		zap.String("device_id", rec.DeviceID),
		zap.Time("timestamp", rec.Timestamp),
	)

	if r.backend == nil {
		return nil
	}

	pushCtx := context.WithoutCancel(ctx)
	r.pushes.Add(1)
	go func() {
		defer r.pushes.Done()
		if _, err := r.Push(pushCtx, rec); err != nil {
			r.logger.Warn("Background push failed, record stays unsynced",
				zap.String("device_id", rec.DeviceID),
				zap.Time("timestamp", rec.Timestamp),
				zap.Error(err),
			)
			r.reportPushError(rec.Key(), err)
		}
	}()
	return nil
}

// FetchUnsynced 推送队列：未同步且不是待删除的记录
func (r *MeasurementRepository) FetchUnsynced(ctx context.Context) ([]models.MeasurementRecord, error) {
	records, err := r.store.FetchAll(ctx, UnsyncedFilter())
	if err != nil {
		return nil, &models.StoreError{Op: "fetch_unsynced", Err: err}
	}
	return records, nil
}

// FetchPendingDeletes 等待远端删除确认的墓碑记录
func (r *MeasurementRepository) FetchPendingDeletes(ctx context.Context) ([]models.MeasurementRecord, error) {
	records, err := r.store.FetchAll(ctx, PendingDeleteFilter())
	if err != nil {
		return nil, &models.StoreError{Op: "fetch_pending_deletes", Err: err}
	}
	return records, nil
}

func (r *MeasurementRepository) FetchAll(ctx context.Context, filter RecordFilter) ([]models.MeasurementRecord, error) {
	records, err := r.store.FetchAll(ctx, filter)
	if err != nil {
		return nil, &models.StoreError{Op: "fetch_all", Err: err}
	}
	return records, nil
}

// Push uploads one record. On success the stored copy is marked synced with its
// cloudRef and cloudModTime; on failure the stored copy is left untouched.
func (r *MeasurementRepository) Push(ctx context.Context, rec models.MeasurementRecord) (models.MeasurementRecord, error) {
	if r.backend == nil {
		return rec, ErrNoBackend
	}

	ref, err := r.backend.Save(ctx, rec)
	if err != nil {
		return rec, err
	}
	if ref == "" {
		ref = cloud.RefFor(rec)
	}
	modTime := r.now()

	current, err := r.store.Get(ctx, rec.Key())
	if errors.Is(err, models.ErrNotFound) {
		// 推送期间记录已被删除或合并替换
		return rec, nil
	}
	if err != nil {
		return rec, &models.StoreError{Op: "get", Err: err}
	}
	if current.PendingDelete || !samePayload(current, rec) {
		// 推送期间本地有新修改，保持未同步等待下一次推送
		return current, nil
	}

	current.IsSynced = true
	current.CloudRef = &ref
	current.CloudModTime = &modTime
	if err := r.store.Update(ctx, current); err != nil {
		return rec, &models.StoreError{Op: "update", Err: err}
	}

	r.logger.Debug("Measurement pushed",
		zap.String("device_id", current.DeviceID),
		zap.Time("timestamp", current.Timestamp),
		zap.String("cloud_ref", ref),
	)
	return current, nil
}

// AdoptRemote replaces local with the remote copy (KeepRemote in the push loop).
func (r *MeasurementRepository) AdoptRemote(ctx context.Context, local, remote models.MeasurementRecord) (models.MeasurementRecord, error) {
	adopted := remote.Clone()
	adopted.IsSynced = true
	adopted.PendingDelete = false
	if adopted.CloudRef == nil {
		ref := cloud.RefFor(remote)
		adopted.CloudRef = &ref
	}
	if err := r.store.Replace(ctx, local.Key(), adopted); err != nil {
		return local, &models.StoreError{Op: "replace", Err: err}
	}
	return adopted, nil
}

// ReplaceWithMerged stores a merged record in place of local. The merged
// timestamp may differ from local's, so the old key is removed in the same transaction.
func (r *MeasurementRepository) ReplaceWithMerged(ctx context.Context, local, merged models.MeasurementRecord) (models.MeasurementRecord, error) {
	merged.IsSynced = false
	merged.PendingDelete = false
	if err := r.store.Replace(ctx, local.Key(), merged); err != nil {
		return local, &models.StoreError{Op: "replace", Err: err}
	}
	return merged, nil
}

// MergeRemoteMeasurement 拉取路径的合并：按 cloudModTime 后写者胜，不经过 ConflictResolver
func (r *MeasurementRepository) MergeRemoteMeasurement(ctx context.Context, remote models.MeasurementRecord) (MergeOutcome, error) {
	existing, err := r.store.Get(ctx, remote.Key())
	if errors.Is(err, models.ErrNotFound) {
		rec := remote.Clone()
		rec.IsSynced = true
		rec.PendingDelete = false
		if err := r.store.Insert(ctx, rec); err != nil {
			return MergeSkipped, &models.StoreError{Op: "insert", Err: err}
		}
		return MergeInserted, nil
	}
	if err != nil {
		return MergeSkipped, &models.StoreError{Op: "get", Err: err}
	}

	// 本地墓碑在远端删除确认前优先
	if existing.PendingDelete {
		return MergeSkipped, nil
	}
	if !remoteIsNewer(existing.CloudModTime, remote.CloudModTime) {
		return MergeSkipped, nil
	}

	existing.StressLevel = remote.StressLevel
	existing.HRV = remote.HRV
	existing.RestingHeartRate = remote.RestingHeartRate
	existing.ConfidenceSamples = remote.Clone().ConfidenceSamples
	existing.Category = remote.Category
	existing.CloudModTime = remote.CloudModTime
	if remote.CloudRef != nil {
		existing.CloudRef = remote.CloudRef
	}
	existing.IsSynced = true

	if err := r.store.Update(ctx, existing); err != nil {
		return MergeSkipped, &models.StoreError{Op: "update", Err: err}
	}
	return MergeUpdated, nil
}

// Delete 逻辑删除：无云端时立即物理删除，否则标记墓碑并异步删除远端
func (r *MeasurementRepository) Delete(ctx context.Context, key models.RecordKey) error {
	if r.backend == nil {
		if err := r.store.Delete(ctx, key); err != nil {
			return &models.StoreError{Op: "delete", Err: err}
		}
		return nil
	}

	rec, err := r.store.Get(ctx, key)
	if err != nil {
		return &models.StoreError{Op: "get", Err: err}
	}
	rec.IsSynced = false
	rec.PendingDelete = true
	if err := r.store.Update(ctx, rec); err != nil {
		return &models.StoreError{Op: "update", Err: err}
	}

	deleteCtx := context.WithoutCancel(ctx)
	r.pushes.Add(1)
	go func() {
		defer r.pushes.Done()
		if err := r.RetryDelete(deleteCtx, rec); err != nil {
			r.logger.Warn("Background remote delete failed, tombstone kept",
				zap.String("device_id", rec.DeviceID),
				zap.Time("timestamp", rec.Timestamp),
				zap.Error(err),
			)
			r.reportPushError(rec.Key(), err)
		}
	}()
	return nil
}

// RetryDelete removes a tombstone remotely and then locally. A remote
// RECORD_NOT_FOUND counts as an acknowledgement.
func (r *MeasurementRepository) RetryDelete(ctx context.Context, rec models.MeasurementRecord) error {
	if r.backend == nil {
		return ErrNoBackend
	}
	if err := r.backend.Delete(ctx, rec); err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return err
	}
	if err := r.store.Delete(ctx, rec.Key()); err != nil && !errors.Is(err, models.ErrNotFound) {
		return &models.StoreError{Op: "delete", Err: err}
	}
	return nil
}

func (r *MeasurementRepository) reportPushError(key models.RecordKey, err error) {
	r.hookMu.RLock()
	fn := r.onPushError
	r.hookMu.RUnlock()
	if fn != nil {
		fn(key, err)
	}
}

// remoteIsNewer: a remote without cloudModTime never wins; a local without one always loses.
func remoteIsNewer(local, remote *time.Time) bool {
	if remote == nil {
		return false
	}
	if local == nil {
		return true
	}
	return remote.After(*local)
}

func samePayload(a, b models.MeasurementRecord) bool {
	if a.StressLevel != b.StressLevel || a.HRV != b.HRV || a.RestingHeartRate != b.RestingHeartRate ||
		a.Category != b.Category || len(a.ConfidenceSamples) != len(b.ConfidenceSamples) {
		return false
	}
	for i := range a.ConfidenceSamples {
		if a.ConfidenceSamples[i] != b.ConfidenceSamples[i] {
			return false
		}
	}
	return true
}
