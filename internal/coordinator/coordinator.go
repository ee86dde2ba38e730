package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-sync/internal/cloud"
	"wisefido-sync/internal/models"
	"wisefido-sync/internal/repository"
	"wisefido-sync/internal/resolver"

	"go.uber.org/zap"
)

// WatermarkStore persists lastSyncDate across restarts.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context) (*time.Time, error)
	SaveWatermark(ctx context.Context, t time.Time) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithWatermarkStore(store WatermarkStore) Option {
	return func(c *Coordinator) { c.watermarks = store }
}

func WithSubscriptionID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.subscriptionID = id
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator 同步状态机
// 每个 LocalStore 只应有一个 Coordinator 实例，单飞规则依赖于此
type Coordinator struct {
	repo           *repository.MeasurementRepository
	backend        cloud.Backend
	resolver       *resolver.ConflictResolver
	watermarks     WatermarkStore
	logger         *zap.Logger
	subscriptionID string
	now            func() time.Time

	running atomic.Bool

	mu       sync.RWMutex
	status   models.SyncStatus
	progress float64
	syncErr  error
	lastSync *time.Time

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	subs *broadcaster
}

// NewCoordinator 创建同步协调器，初始状态 Idle
func NewCoordinator(repo *repository.MeasurementRepository, res *resolver.ConflictResolver, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:           repo,
		backend:        repo.Backend(),
		resolver:       res,
		logger:         logger,
		subscriptionID: DefaultSubscriptionID,
		now:            time.Now,
		status:         models.StatusIdle(),
		subs:           newBroadcaster(),
	}
	for _, opt := range opts {
		opt(c)
	}

	// 后台推送失败只记录错误，不改变状态
	repo.OnPushError(func(key models.RecordKey, err error) {
		c.recordError(err)
	})
	return c
}

// Setup checks the account once and loads the persisted watermark.
// The status becomes Unavailable when there is no usable account.
func (c *Coordinator) Setup(ctx context.Context) error {
	if c.backend == nil {
		c.setStatus(models.StatusUnavailable(repository.ErrNoBackend.Error()))
		return nil
	}

	account, err := c.backend.CheckAccountStatus(ctx)
	if err != nil {
		syncErr := models.AsSyncError(err)
		c.recordError(syncErr)
		c.setStatus(models.StatusUnavailable(syncErr.Error()))
		return syncErr
	}
	if account.State == models.AccountUnavailable {
		c.logger.Warn("Cloud account unavailable", zap.String("reason", account.Reason))
		c.setStatus(models.StatusUnavailable(account.Reason))
		return nil
	}

	c.loadWatermark(ctx)
	c.setStatus(models.StatusIdle())
	return nil
}

func (c *Coordinator) loadWatermark(ctx context.Context) {
	var watermark *time.Time
	if c.watermarks != nil {
		stored, err := c.watermarks.LoadWatermark(ctx)
		if err != nil {
			c.logger.Warn("Failed to load sync watermark", zap.Error(err))
		}
		watermark = stored
	}
	if watermark == nil {
		watermark = c.backend.LastSyncDate()
	}
	if watermark == nil {
		return
	}

	c.mu.Lock()
	c.lastSync = watermark
	c.mu.Unlock()
	c.logger.Info("Loaded sync watermark", zap.Time("last_sync_date", *watermark))
}

// Sync runs a full push and pull pass over locals. A second call while one is in
// flight fails immediately with SYNC_IN_PROGRESS.
func (c *Coordinator) Sync(ctx context.Context, locals []models.MeasurementRecord) error {
	return c.exclusive(ctx, "sync", func(context.Context) ([]models.MeasurementRecord, error) {
		return locals, nil
	})
}

// QuickSync syncs everything currently unsynced in the local store.
func (c *Coordinator) QuickSync(ctx context.Context) error {
	return c.exclusive(ctx, "quick_sync", c.repo.FetchUnsynced)
}

// ManualSync is the user-triggered variant of QuickSync.
func (c *Coordinator) ManualSync(ctx context.Context) error {
	return c.exclusive(ctx, "manual_sync", c.repo.FetchUnsynced)
}

// HandleAppWillEnterForeground 生命周期触发的同步，失败只记录不返回
func (c *Coordinator) HandleAppWillEnterForeground(ctx context.Context) {
	c.bestEffortSync(ctx, "app.will_enter_foreground")
}

// HandleAppDidBecomeActive 生命周期触发的同步，失败只记录不返回
func (c *Coordinator) HandleAppDidBecomeActive(ctx context.Context) {
	c.bestEffortSync(ctx, "app.did_become_active")
}

func (c *Coordinator) bestEffortSync(ctx context.Context, trigger string) {
	if err := c.QuickSync(ctx); err != nil {
		if errors.Is(err, models.ErrSyncInProgress) {
			c.logger.Debug("Sync already running, trigger ignored", zap.String("trigger", trigger))
			return
		}
		c.logger.Warn("Triggered sync failed",
			zap.String("trigger", trigger),
			zap.Error(err),
		)
	}
}

// HandleRemoteNotification runs a pull-only pass when payload is a change
// notification for this coordinator's subscription. It reports whether the
// payload was recognized and never fails.
func (c *Coordinator) HandleRemoteNotification(ctx context.Context, payload []byte) bool {
	if !isSyncTrigger(payload, c.subscriptionID) {
		return false
	}

	if err := c.pullOnly(ctx); err != nil {
		if errors.Is(err, models.ErrSyncInProgress) {
			c.logger.Debug("Sync already running, notification ignored")
		} else {
			c.logger.Warn("Pull after remote notification failed", zap.Error(err))
		}
	}
	return true
}

// Reset clears status and error. A sync that is still running may overwrite the
// status when it finishes.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncErr = nil
	c.progress = 0
	c.status = models.StatusIdle()
	c.subs.publish(c.status)
}

// Cancel asks the running sync to stop after the item it is processing.
func (c *Coordinator) Cancel() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Subscribe returns an ordered, lossless stream of status values starting with
// the current one, and a func that ends the subscription and closes the channel.
func (c *Coordinator) Subscribe() (<-chan models.SyncStatus, func()) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs.subscribe(c.status)
}

// Close ends every subscription.
func (c *Coordinator) Close() {
	c.subs.closeAll()
}

func (c *Coordinator) Status() models.SyncStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Coordinator) Progress() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progress
}

func (c *Coordinator) SyncError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncErr
}

func (c *Coordinator) LastSyncDate() *time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastSync == nil {
		return nil
	}
	t := *c.lastSync
	return &t
}

func (c *Coordinator) IsSyncing() bool {
	return c.running.Load()
}

// CanSync reports whether a sync could start now.
func (c *Coordinator) CanSync() bool {
	return c.backend != nil && !c.running.Load() && c.Status().State != models.StateUnavailable
}

// exclusive enforces the single-flight rule around one full pass.
func (c *Coordinator) exclusive(ctx context.Context, trigger string, load func(context.Context) ([]models.MeasurementRecord, error)) error {
	if !c.running.CompareAndSwap(false, true) {
		return models.ErrSyncInProgress
	}
	defer c.running.Store(false)

	ctx, release := c.cancellable(ctx)
	defer release()

	start := c.now()
	c.setStatus(models.StatusSyncing(0))
	c.logger.Info("Sync started",
		zap.String("trigger", trigger),
		zap.String("strategy", string(c.resolver.Strategy())),
	)

	err := c.fullPass(ctx, load)
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.lastSync = &start
	c.syncErr = nil
	c.mu.Unlock()
	c.setStatus(models.StatusSuccess())

	if c.watermarks != nil {
		if err := c.watermarks.SaveWatermark(context.WithoutCancel(ctx), start); err != nil {
			c.logger.Warn("Failed to persist sync watermark", zap.Error(err))
		}
	}
	c.logger.Info("Sync completed",
		zap.String("trigger", trigger),
		zap.Time("last_sync_date", start),
		zap.Duration("duration", c.now().Sub(start)),
	)
	return nil
}

// fullPass pushes locals in order, retries pending deletes, then pulls remote changes.
// Backend and store calls run without the cancellation signal so the item in
// progress always completes; the signal is checked between items.
func (c *Coordinator) fullPass(ctx context.Context, load func(context.Context) ([]models.MeasurementRecord, error)) error {
	if c.backend == nil {
		return models.NewNetworkUnavailable(models.ReasonNoInternet, repository.ErrNoBackend)
	}
	opCtx := context.WithoutCancel(ctx)

	if err := c.checkAccount(opCtx); err != nil {
		return err
	}

	locals, err := load(opCtx)
	if err != nil {
		return err
	}

	remotes, err := c.backend.FetchSince(opCtx, c.LastSyncDate())
	if err != nil {
		return models.AsSyncError(err)
	}

	resolutions := c.resolver.ResolveBatch(locals, remotes)
	// consumed 记录本轮已被本地记录认领的远端键，拉取阶段跳过
	consumed := map[string]struct{}{}

	var (
		total        = len(resolutions)
		successCount int
		errorCount   int
		firstErr     error
	)
	for i, res := range resolutions {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.setStatus(models.StatusSyncing(float64(i) / float64(total)))

		if res.Remote != nil {
			if _, taken := consumed[res.Remote.Key().String()]; taken {
				// 一个远端只与一条本地记录配对
				res.Remote, res.Decision = nil, models.KeepLocal
			} else {
				res.Decision = c.resolve(res.Local, *res.Remote)
			}
		}

		applied, err := c.applyResolution(opCtx, res)
		if err != nil {
			c.logger.Error("Failed to sync measurement",
				zap.String("device_id", res.Local.DeviceID),
				zap.Time("timestamp", res.Local.Timestamp),
				zap.String("decision", string(res.Decision)),
				zap.Error(err),
			)
			errorCount++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		successCount++
		if applied == models.Merge || applied == models.KeepRemote {
			consumed[res.Remote.Key().String()] = struct{}{}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	deleted, deleteErrors, err := c.retryPendingDeletes(opCtx)
	if err != nil {
		return err
	}
	for _, key := range deleted {
		consumed[key.String()] = struct{}{}
	}
	errorCount += len(deleteErrors)
	if firstErr == nil && len(deleteErrors) > 0 {
		firstErr = deleteErrors[0]
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	counts, pullErrors, err := c.mergeRemotes(ctx, remotes, consumed)
	if err != nil {
		return err
	}
	errorCount += len(pullErrors)
	if firstErr == nil && len(pullErrors) > 0 {
		firstErr = pullErrors[0]
	}

	c.logger.Info("Sync pass finished",
		zap.Int("record_count", total),
		zap.Int("success_count", successCount),
		zap.Int("error_count", errorCount),
		zap.Int("remote_count", len(remotes)),
		zap.Int("inserted_count", counts[repository.MergeInserted]),
		zap.Int("updated_count", counts[repository.MergeUpdated]),
	)

	if errorCount > 0 {
		return fmt.Errorf("%d of %d items failed: %w", errorCount, total, firstErr)
	}
	return nil
}

func (c *Coordinator) checkAccount(ctx context.Context) error {
	account, err := c.backend.CheckAccountStatus(ctx)
	if err != nil {
		return models.AsSyncError(err)
	}
	switch account.State {
	case models.AccountUnavailable:
		return models.NewNetworkUnavailable(models.ReasonNotSignedIn, errors.New(account.Reason))
	case models.AccountUnknown:
		c.logger.Warn("Cloud account status unknown, continuing")
	}
	return nil
}

// resolve passes the remote device type inferred from its deviceID, so
// device_priority compares priorities instead of falling back to timestamps.
func (c *Coordinator) resolve(local, remote models.MeasurementRecord) models.MergeDecision {
	device := models.DeviceTypeFromID(remote.DeviceID)
	return c.resolver.Resolve(local, remote, &device)
}

// applyResolution returns the decision actually carried out, which differs from
// res.Decision when the target key is held by another local record.
func (c *Coordinator) applyResolution(ctx context.Context, res models.ConflictResolution) (models.MergeDecision, error) {
	local := res.Local
	if local.PendingDelete {
		return models.KeepLocal, nil
	}

	switch res.Decision {
	case models.KeepRemote:
		_, err := c.repo.AdoptRemote(ctx, local, *res.Remote)
		if !errors.Is(err, models.ErrDuplicateKey) {
			return models.KeepRemote, err
		}
		// 远端键已有另一条本地记录，保留本地，远端留给拉取阶段按 LWW 合并
		c.logger.Warn("Remote key already held locally, keeping local measurement",
			zap.String("device_id", local.DeviceID),
			zap.Time("timestamp", local.Timestamp),
			zap.String("remote_device_id", res.Remote.DeviceID),
		)
		return models.KeepLocal, c.pushUnsynced(ctx, local)
	case models.Merge:
		merged := resolver.Apply(models.Merge, local, *res.Remote)
		stored, err := c.repo.ReplaceWithMerged(ctx, local, merged)
		if errors.Is(err, models.ErrDuplicateKey) {
			// 合并后的键被另一条本地记录占用，保留本地键
			merged.Timestamp = local.Timestamp
			stored, err = c.repo.ReplaceWithMerged(ctx, local, merged)
		}
		if err != nil {
			return models.Merge, err
		}
		_, err = c.repo.Push(ctx, stored)
		return models.Merge, err
	default:
		return models.KeepLocal, c.pushUnsynced(ctx, local)
	}
}

func (c *Coordinator) pushUnsynced(ctx context.Context, local models.MeasurementRecord) error {
	if local.IsSynced {
		return nil
	}
	_, err := c.repo.Push(ctx, local)
	return err
}

// retryPendingDeletes returns the keys removed in this pass so the pull phase
// does not re-insert them from the pre-delete snapshot.
func (c *Coordinator) retryPendingDeletes(ctx context.Context) ([]models.RecordKey, []error, error) {
	pending, err := c.repo.FetchPendingDeletes(ctx)
	if err != nil {
		return nil, nil, err
	}

	var (
		deleted []models.RecordKey
		errs    []error
	)
	for _, rec := range pending {
		if err := c.repo.RetryDelete(ctx, rec); err != nil {
			c.logger.Error("Failed to delete measurement remotely",
				zap.String("device_id", rec.DeviceID),
				zap.Time("timestamp", rec.Timestamp),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, rec.Key())
	}
	return deleted, errs, nil
}

// mergeRemotes checks ctx between items; each store write runs to completion.
func (c *Coordinator) mergeRemotes(ctx context.Context, remotes []models.MeasurementRecord, skip map[string]struct{}) (map[repository.MergeOutcome]int, []error, error) {
	opCtx := context.WithoutCancel(ctx)
	counts := map[repository.MergeOutcome]int{}
	var errs []error
	for _, remote := range remotes {
		if err := ctx.Err(); err != nil {
			return counts, errs, err
		}
		if _, ok := skip[remote.Key().String()]; ok {
			continue
		}
		outcome, err := c.repo.MergeRemoteMeasurement(opCtx, remote)
		if err != nil {
			c.logger.Error("Failed to merge remote measurement",
				zap.String("device_id", remote.DeviceID),
				zap.Time("timestamp", remote.Timestamp),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		counts[outcome]++
	}
	return counts, errs, nil
}

// pullOnly fetches remote changes and merges them without pushing. It shares the
// single-flight rule with full syncs and never advances lastSyncDate.
func (c *Coordinator) pullOnly(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return models.ErrSyncInProgress
	}
	defer c.running.Store(false)

	if c.backend == nil {
		return nil
	}
	ctx, release := c.cancellable(ctx)
	defer release()
	c.setStatus(models.StatusSyncing(0))

	remotes, err := c.backend.FetchSince(context.WithoutCancel(ctx), c.LastSyncDate())
	if err != nil {
		syncErr := models.AsSyncError(err)
		c.fail(syncErr)
		return syncErr
	}

	counts, errs, err := c.mergeRemotes(ctx, remotes, nil)
	if err != nil {
		c.fail(err)
		return err
	}
	c.logger.Info("Pull pass finished",
		zap.Int("remote_count", len(remotes)),
		zap.Int("inserted_count", counts[repository.MergeInserted]),
		zap.Int("updated_count", counts[repository.MergeUpdated]),
		zap.Int("error_count", len(errs)),
	)
	if len(errs) > 0 {
		err := fmt.Errorf("%d of %d remote items failed: %w", len(errs), len(remotes), errs[0])
		c.fail(err)
		return err
	}
	c.setStatus(models.StatusSuccess())
	return nil
}

func (c *Coordinator) fail(err error) {
	c.logger.Warn("Sync failed",
		zap.Error(err),
		zap.Bool("retryable", models.IsRetryable(err)),
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncErr = err
	c.status = models.StatusError(err.Error())
	c.subs.publish(c.status)
}

func (c *Coordinator) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncErr = err
}

// setStatus publishes under the state lock so subscribers observe writes in order.
func (c *Coordinator) setStatus(status models.SyncStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	switch status.State {
	case models.StateSyncing, models.StateSuccess:
		c.progress = status.Progress
	case models.StateIdle:
		c.progress = 0
	}
	c.subs.publish(status)
}

// cancellable derives a ctx that Cancel can stop; release unregisters it.
func (c *Coordinator) cancellable(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.setCancel(cancel)
	return ctx, func() {
		c.setCancel(nil)
		cancel()
	}
}

func (c *Coordinator) setCancel(cancel context.CancelFunc) {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	c.cancel = cancel
}
