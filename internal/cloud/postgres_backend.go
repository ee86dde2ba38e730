package cloud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"wisefido-sync/internal/models"

	"go.uber.org/zap"
)

// PostgresBackend stores the shared remote copy of measurements in PostgreSQL.
// Every device writes to the same measurement_records table; modified_at is set by the server.
type PostgresBackend struct {
	db     *sql.DB
	logger *zap.Logger

	mu       sync.RWMutex
	lastSync *time.Time
}

// NewPostgresBackend creates a backend over an open database handle.
func NewPostgresBackend(db *sql.DB, logger *zap.Logger) *PostgresBackend {
	return &PostgresBackend{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the records table when it does not exist.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS measurement_records (
			cloud_ref          TEXT PRIMARY KEY,
			device_id          TEXT NOT NULL,
			recorded_at        TIMESTAMPTZ NOT NULL,
			stress_level       DOUBLE PRECISION NOT NULL,
			hrv                DOUBLE PRECISION NOT NULL,
			resting_heart_rate DOUBLE PRECISION NOT NULL,
			confidence_samples JSONB,
			category           TEXT NOT NULL,
			modified_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_measurement_records_modified_at ON measurement_records (modified_at);
	`
	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure measurement schema: %w", translateSQLError(err))
	}
	return nil
}

// Save upserts by cloud_ref; the deterministic ref makes retries idempotent.
func (b *PostgresBackend) Save(ctx context.Context, rec models.MeasurementRecord) (string, error) {
	samplesJSON, err := json.Marshal(rec.ConfidenceSamples)
	if err != nil {
		return "", models.NewUnknown(fmt.Errorf("failed to marshal confidence samples: %w", err))
	}

	query := `
		INSERT INTO measurement_records (
			cloud_ref, device_id, recorded_at, stress_level, hrv,
			resting_heart_rate, confidence_samples, category, modified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (cloud_ref) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			recorded_at = EXCLUDED.recorded_at,
			stress_level = EXCLUDED.stress_level,
			hrv = EXCLUDED.hrv,
			resting_heart_rate = EXCLUDED.resting_heart_rate,
			confidence_samples = EXCLUDED.confidence_samples,
			category = EXCLUDED.category,
			modified_at = NOW()
		RETURNING cloud_ref
	`

	var ref string
	err = b.db.QueryRowContext(ctx, query,
		RefFor(rec),
		rec.DeviceID,
		rec.Timestamp.UTC(),
		rec.StressLevel,
		rec.HRV,
		rec.RestingHeartRate,
		samplesJSON,
		string(rec.Category),
	).Scan(&ref)
	if err != nil {
		b.logger.Error("Failed to upsert measurement record",
			zap.String("device_id", rec.DeviceID),
			zap.Time("timestamp", rec.Timestamp),
			zap.Error(err),
		)
		return "", translateSQLError(err)
	}
	return ref, nil
}

func (b *PostgresBackend) FetchSince(ctx context.Context, since *time.Time) ([]models.MeasurementRecord, error) {
	query := `
		SELECT
			cloud_ref, device_id, recorded_at, stress_level, hrv,
			resting_heart_rate, confidence_samples, category, modified_at,
			NOW()
		FROM measurement_records
	`
	var args []interface{}
	if since != nil {
		query += ` WHERE modified_at >= $1`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY modified_at`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateSQLError(err)
	}
	defer rows.Close()

	var records []models.MeasurementRecord
	var serverNow time.Time
	for rows.Next() {
		var (
			rec         models.MeasurementRecord
			ref         string
			samplesJSON []byte
			category    string
			modifiedAt  time.Time
		)
		if err := rows.Scan(
			&ref,
			&rec.DeviceID,
			&rec.Timestamp,
			&rec.StressLevel,
			&rec.HRV,
			&rec.RestingHeartRate,
			&samplesJSON,
			&category,
			&modifiedAt,
			&serverNow,
		); err != nil {
			return nil, models.NewUnknown(fmt.Errorf("failed to scan measurement record: %w", err))
		}

		if len(samplesJSON) > 0 {
			if err := json.Unmarshal(samplesJSON, &rec.ConfidenceSamples); err != nil {
				return nil, models.NewUnknown(fmt.Errorf("failed to unmarshal confidence samples: %w", err))
			}
		}
		rec.Category = models.StressCategory(category)
		rec.CloudRef = &ref
		rec.CloudModTime = &modifiedAt
		rec.IsSynced = true
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, translateSQLError(err)
	}

	// 空结果时没有服务器时间，退回本地时间
	if serverNow.IsZero() {
		serverNow = time.Now()
	}
	b.mu.Lock()
	b.lastSync = &serverNow
	b.mu.Unlock()

	return records, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, rec models.MeasurementRecord) error {
	result, err := b.db.ExecContext(ctx, `DELETE FROM measurement_records WHERE cloud_ref = $1`, RefFor(rec))
	if err != nil {
		return translateSQLError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return translateSQLError(err)
	}
	if affected == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// CheckAccountStatus reports unavailable when the records table is missing.
// Connection failures are returned as errors.
func (b *PostgresBackend) CheckAccountStatus(ctx context.Context) (models.AccountStatus, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx, `SELECT to_regclass('measurement_records') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return models.AccountStatus{State: models.AccountUnknown}, translateSQLError(err)
	}
	if !exists {
		return models.AccountStatus{
			State:  models.AccountUnavailable,
			Reason: "measurement_records table does not exist",
		}, nil
	}
	return models.AccountStatus{State: models.AccountAvailable}, nil
}

func (b *PostgresBackend) LastSyncDate() *time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastSync == nil {
		return nil
	}
	t := *b.lastSync
	return &t
}
