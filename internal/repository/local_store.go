package repository

import (
	"context"
	"time"

	"wisefido-sync/internal/models"
)

// LocalStore is durable on-device record storage. Each call is atomic; implementations
// serialize writes so the sync loop and ad-hoc saves never interleave on a record.
type LocalStore interface {
	// Insert adds a new record; models.ErrDuplicateKey if the key exists.
	Insert(ctx context.Context, rec models.MeasurementRecord) error
	// Update overwrites the record with the same key; models.ErrNotFound if missing.
	Update(ctx context.Context, rec models.MeasurementRecord) error
	// Replace removes oldKey and inserts rec in one transaction (a merge may move the key).
	// models.ErrDuplicateKey if rec's key is held by another record; nothing changes then.
	Replace(ctx context.Context, oldKey models.RecordKey, rec models.MeasurementRecord) error
	// Delete removes the record physically; models.ErrNotFound if missing.
	Delete(ctx context.Context, key models.RecordKey) error
	// Get is a point query by natural key; models.ErrNotFound if missing.
	Get(ctx context.Context, key models.RecordKey) (models.MeasurementRecord, error)
	// FetchAll returns matching records ordered by timestamp.
	FetchAll(ctx context.Context, filter RecordFilter) ([]models.MeasurementRecord, error)
}

// RecordFilter is the fetchAll predicate. Nil fields do not filter.
type RecordFilter struct {
	IsSynced      *bool
	PendingDelete *bool
	DeviceID      string
	Since         *time.Time
}

func boolPtr(v bool) *bool { return &v }

// UnsyncedFilter selects the push queue: unsynced records that are not tombstones.
func UnsyncedFilter() RecordFilter {
	return RecordFilter{IsSynced: boolPtr(false), PendingDelete: boolPtr(false)}
}

// PendingDeleteFilter selects tombstones waiting for a remote delete.
func PendingDeleteFilter() RecordFilter {
	return RecordFilter{PendingDelete: boolPtr(true)}
}

// Match reports whether rec satisfies the filter.
func (f RecordFilter) Match(rec models.MeasurementRecord) bool {
	if f.IsSynced != nil && rec.IsSynced != *f.IsSynced {
		return false
	}
	if f.PendingDelete != nil && rec.PendingDelete != *f.PendingDelete {
		return false
	}
	if f.DeviceID != "" && rec.DeviceID != f.DeviceID {
		return false
	}
	if f.Since != nil && rec.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}
