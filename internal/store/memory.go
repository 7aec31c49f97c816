package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store with the same expiry semantics as
// PebbleStore. Values are copied on the way in and out.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]record
	now   func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{items: make(map[string]record), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	if r.expired(s.now()) {
		delete(s.items, key)
		return nil, nil
	}
	return append([]byte(nil), r.Value...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := record{Value: append([]byte(nil), value...)}
	if ttl > 0 {
		r.ExpiresAt = s.now().Add(ttl).UnixMilli()
	}
	s.items[key] = r
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	val, err := s.Get(ctx, key)
	return val != nil, err
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
