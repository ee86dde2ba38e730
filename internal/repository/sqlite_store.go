package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wisefido-sync/internal/models"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const measurementColumns = `recorded_at, device_id, stress_level, hrv, resting_heart_rate,
	confidence_samples, category, is_synced, cloud_ref, cloud_mod_time, pending_delete`

// SQLiteStore 设备端持久化 LocalStore（go-sqlite3）
// 时间以 UnixNano 整数存储，保证自然键精确相等
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // 串行化写操作
}

// NewSQLiteStore wraps an open database and applies the schema. Idempotent.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, rec models.MeasurementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO measurements (`+measurementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if isConstraintViolation(err) {
		return models.ErrDuplicateKey
	}
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, rec models.MeasurementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	// 主键列放到最后作为 WHERE 条件
	setArgs := append(append([]interface{}{}, args[2:]...), args[0], args[1])
	res, err := s.db.ExecContext(ctx, `
		UPDATE measurements SET
			stress_level = ?, hrv = ?, resting_heart_rate = ?, confidence_samples = ?,
			category = ?, is_synced = ?, cloud_ref = ?, cloud_mod_time = ?, pending_delete = ?
		WHERE recorded_at = ? AND device_id = ?`,
		setArgs...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Replace(ctx context.Context, oldKey models.RecordKey, rec models.MeasurementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM measurements WHERE recorded_at = ? AND device_id = ?`,
		oldKey.Timestamp.UnixNano(), oldKey.DeviceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO measurements (`+measurementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...); err != nil {
		if isConstraintViolation(err) {
			return models.ErrDuplicateKey
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, key models.RecordKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM measurements WHERE recorded_at = ? AND device_id = ?`,
		key.Timestamp.UnixNano(), key.DeviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key models.RecordKey) (models.MeasurementRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+measurementColumns+` FROM measurements WHERE recorded_at = ? AND device_id = ?`,
		key.Timestamp.UnixNano(), key.DeviceID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MeasurementRecord{}, models.ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) FetchAll(ctx context.Context, filter RecordFilter) ([]models.MeasurementRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.IsSynced != nil {
		where = append(where, "is_synced = ?")
		args = append(args, *filter.IsSynced)
	}
	if filter.PendingDelete != nil {
		where = append(where, "pending_delete = ?")
		args = append(args, *filter.PendingDelete)
	}
	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Since != nil {
		where = append(where, "recorded_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT ` + measurementColumns + ` FROM measurements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at, device_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.MeasurementRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// recordArgs returns values in measurementColumns order.
func recordArgs(rec models.MeasurementRecord) ([]interface{}, error) {
	var samples interface{}
	if rec.ConfidenceSamples != nil {
		raw, err := json.Marshal(rec.ConfidenceSamples)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal confidence samples: %w", err)
		}
		samples = string(raw)
	}

	var modTime interface{}
	if rec.CloudModTime != nil {
		modTime = rec.CloudModTime.UnixNano()
	}

	var ref interface{}
	if rec.CloudRef != nil {
		ref = *rec.CloudRef
	}

	return []interface{}{
		rec.Timestamp.UnixNano(),
		rec.DeviceID,
		rec.StressLevel,
		rec.HRV,
		rec.RestingHeartRate,
		samples,
		string(rec.Category),
		rec.IsSynced,
		ref,
		modTime,
		rec.PendingDelete,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (models.MeasurementRecord, error) {
	var (
		rec        models.MeasurementRecord
		recordedAt int64
		samples    sql.NullString
		category   string
		ref        sql.NullString
		modTime    sql.NullInt64
	)
	err := row.Scan(&recordedAt, &rec.DeviceID, &rec.StressLevel, &rec.HRV, &rec.RestingHeartRate,
		&samples, &category, &rec.IsSynced, &ref, &modTime, &rec.PendingDelete)
	if err != nil {
		return models.MeasurementRecord{}, err
	}

	rec.Timestamp = time.Unix(0, recordedAt).UTC()
	rec.Category = models.StressCategory(category)
	if samples.Valid {
		if err := json.Unmarshal([]byte(samples.String), &rec.ConfidenceSamples); err != nil {
			return models.MeasurementRecord{}, fmt.Errorf("failed to unmarshal confidence samples: %w", err)
		}
	}
	if ref.Valid {
		v := ref.String
		rec.CloudRef = &v
	}
	if modTime.Valid {
		t := time.Unix(0, modTime.Int64).UTC()
		rec.CloudModTime = &t
	}
	return rec, nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
