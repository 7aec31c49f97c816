// Package store provides the TTL key-value contract backing dedup markers,
// feed cursors, message back-references and lookup caches.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is a key-value store with optional per-key expiry.
// Get returns nil, nil for absent or expired keys, so values must be non-empty.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// record is the single encoding used for every stored value
type record struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

func encode(value []byte, ttl time.Duration, now time.Time) ([]byte, error) {
	r := record{Value: value}
	if ttl > 0 {
		r.ExpiresAt = now.Add(ttl).UnixMilli()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

func decode(data []byte) (record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	return r, nil
}

func (r record) expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.UnixMilli() >= r.ExpiresAt
}

// GetJSON loads key into dest. It reports false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, dest any) (bool, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores value as JSON under key
func SetJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}
