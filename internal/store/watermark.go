package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultWatermarkKey 默认的 lastSyncDate 存储 key
const DefaultWatermarkKey = "wisefido:sync:last_sync_date"

// WatermarkStore 持久化 lastSyncDate（RFC3339Nano 字符串，不过期）
type WatermarkStore struct {
	kv  KV
	key string
}

func NewWatermarkStore(kv KV, key string) *WatermarkStore {
	if key == "" {
		key = DefaultWatermarkKey
	}
	return &WatermarkStore{kv: kv, key: key}
}

// LoadWatermark returns nil when no watermark has been stored yet.
func (w *WatermarkStore) LoadWatermark(ctx context.Context) (*time.Time, error) {
	raw, err := w.kv.Get(ctx, w.key)
	if errors.Is(err, ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid watermark %q: %w", raw, err)
	}
	return &t, nil
}

func (w *WatermarkStore) SaveWatermark(ctx context.Context, t time.Time) error {
	if err := w.kv.Set(ctx, w.key, t.UTC().Format(time.RFC3339Nano), 0); err != nil {
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	return nil
}

// Clear forgets the watermark so the next sync pulls full history.
func (w *WatermarkStore) Clear(ctx context.Context) error {
	return w.kv.Del(ctx, w.key)
}
