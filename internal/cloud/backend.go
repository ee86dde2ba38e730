package cloud

import (
	"context"
	"fmt"
	"time"

	"wisefido-sync/internal/models"

	"github.com/google/uuid"
)

// Backend is the abstract replicated store measurements are pushed to and pulled from.
// Implementations translate their own failures into models.SyncError before returning.
type Backend interface {
	// Save upserts one record and returns the remote identifier it is stored under.
	// An empty identifier means the backend does not assign one.
	Save(ctx context.Context, rec models.MeasurementRecord) (string, error)

	// FetchSince returns every record modified at or after since, or all records when since is nil.
	FetchSince(ctx context.Context, since *time.Time) ([]models.MeasurementRecord, error)

	// Delete removes one record remotely.
	Delete(ctx context.Context, rec models.MeasurementRecord) error

	CheckAccountStatus(ctx context.Context) (models.AccountStatus, error)

	// LastSyncDate is the backend-reported watermark; nil when unknown.
	LastSyncDate() *time.Time
}

// refNamespace scopes deterministic record identifiers.
var refNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("wisefido-sync/measurement"))

// DeterministicRef derives a stable remote identifier from the record's natural key,
// so every device computes the same identifier for the same (timestamp, deviceID).
func DeterministicRef(key models.RecordKey) string {
	name := fmt.Sprintf("%d|%s", key.Timestamp.UnixNano(), key.DeviceID)
	return uuid.NewSHA1(refNamespace, []byte(name)).String()
}

// RefFor returns the record's cloud reference, deriving one when it has none.
func RefFor(rec models.MeasurementRecord) string {
	if rec.CloudRef != nil && *rec.CloudRef != "" {
		return *rec.CloudRef
	}
	return DeterministicRef(rec.Key())
}
