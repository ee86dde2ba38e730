package cloud

import (
	"context"
	"sort"
	"sync"
	"time"

	"wisefido-sync/internal/models"
)

// MemoryBackend keeps remote records in process. Used when CLOUD_BACKEND=memory
// (local development without a server) and by tests.
type MemoryBackend struct {
	mu       sync.RWMutex
	records  map[string]memoryEntry // cloudRef -> entry
	account  models.AccountStatus
	lastSync *time.Time
	now      func() time.Time
}

type memoryEntry struct {
	rec        models.MeasurementRecord
	modifiedAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: map[string]memoryEntry{},
		account: models.AccountStatus{State: models.AccountAvailable},
		now:     time.Now,
	}
}

// SetAccountStatus changes what CheckAccountStatus reports.
func (b *MemoryBackend) SetAccountStatus(status models.AccountStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account = status
}

// SetClock overrides the modification clock.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBackend) Save(_ context.Context, rec models.MeasurementRecord) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref := RefFor(rec)
	modifiedAt := b.now()
	stored := rec.Clone()
	stored.CloudRef = &ref
	stored.CloudModTime = &modifiedAt
	stored.IsSynced = true
	stored.PendingDelete = false
	b.records[ref] = memoryEntry{rec: stored, modifiedAt: modifiedAt}
	return ref, nil
}

func (b *MemoryBackend) FetchSince(_ context.Context, since *time.Time) ([]models.MeasurementRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.MeasurementRecord, 0, len(b.records))
	for _, e := range b.records {
		if since != nil && e.modifiedAt.Before(*since) {
			continue
		}
		out = append(out, e.rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CloudModTime.Before(*out[j].CloudModTime)
	})

	now := b.now()
	b.lastSync = &now
	return out, nil
}

func (b *MemoryBackend) Delete(_ context.Context, rec models.MeasurementRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref := RefFor(rec)
	if _, ok := b.records[ref]; !ok {
		return models.ErrRecordNotFound
	}
	delete(b.records, ref)
	return nil
}

func (b *MemoryBackend) CheckAccountStatus(_ context.Context) (models.AccountStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.account, nil
}

func (b *MemoryBackend) LastSyncDate() *time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastSync == nil {
		return nil
	}
	t := *b.lastSync
	return &t
}

// Len returns the number of stored records.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Put stores rec as if another device had saved it at modifiedAt.
func (b *MemoryBackend) Put(rec models.MeasurementRecord, modifiedAt time.Time) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref := RefFor(rec)
	stored := rec.Clone()
	stored.CloudRef = &ref
	stored.CloudModTime = &modifiedAt
	stored.IsSynced = true
	b.records[ref] = memoryEntry{rec: stored, modifiedAt: modifiedAt}
	return ref
}
