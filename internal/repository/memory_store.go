package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wisefido-sync/internal/models"
)

// MemoryStore is a LocalStore kept in process (LOCAL_STORE_DRIVER=memory and tests).
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.MeasurementRecord // memoryKey -> record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]models.MeasurementRecord{},
	}
}

// memoryKey avoids using time.Time as a map key (location and monotonic reading break equality).
func memoryKey(key models.RecordKey) string {
	return fmt.Sprintf("%d|%s", key.Timestamp.UnixNano(), key.DeviceID)
}

func (s *MemoryStore) Insert(_ context.Context, rec models.MeasurementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey(rec.Key())
	if _, exists := s.records[k]; exists {
		return models.ErrDuplicateKey
	}
	s.records[k] = rec.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, rec models.MeasurementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey(rec.Key())
	if _, exists := s.records[k]; !exists {
		return models.ErrNotFound
	}
	s.records[k] = rec.Clone()
	return nil
}

func (s *MemoryStore) Replace(_ context.Context, oldKey models.RecordKey, rec models.MeasurementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, to := memoryKey(oldKey), memoryKey(rec.Key())
	if from != to {
		if _, exists := s.records[to]; exists {
			return models.ErrDuplicateKey
		}
	}
	delete(s.records, from)
	s.records[to] = rec.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key models.RecordKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey(key)
	if _, exists := s.records[k]; !exists {
		return models.ErrNotFound
	}
	delete(s.records, k)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key models.RecordKey) (models.MeasurementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[memoryKey(key)]
	if !ok {
		return models.MeasurementRecord{}, models.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) FetchAll(_ context.Context, filter RecordFilter) ([]models.MeasurementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.MeasurementRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Len returns the number of stored records, tombstones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
