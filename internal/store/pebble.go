package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// PebbleOptions configures the Pebble-backed store
type PebbleOptions struct {
	DataDir string
	// Sync forces a WAL fsync on every write
	Sync bool
}

// PebbleStore implements Store on an embedded Pebble database. Reads never
// delete; expired keys are reclaimed by Sweep.
type PebbleStore struct {
	db    *pebble.DB
	write *pebble.WriteOptions
	now   func() time.Time
	log   *zap.Logger

	// mu orders writes against Sweep so a key rewritten mid-sweep survives
	mu sync.Mutex
}

// OpenPebble creates or opens the database in opts.DataDir
func OpenPebble(opts PebbleOptions, log *zap.Logger) (*PebbleStore, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: DataDir is required")
	}

	db, err := pebble.Open(opts.DataDir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", opts.DataDir, err)
	}

	write := pebble.NoSync
	if opts.Sync {
		write = pebble.Sync
	}

	log.Info("Pebble store opened", zap.String("data_dir", opts.DataDir), zap.Bool("sync", opts.Sync))

	return &PebbleStore{db: db, write: write, now: time.Now, log: log}, nil
}

func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("pebble get %s: %w", key, err)
	}
	r, decodeErr := decode(val)
	closeErr := closer.Close()
	if decodeErr != nil {
		return nil, decodeErr
	}
	if closeErr != nil {
		return nil, closeErr
	}

	if r.expired(s.now()) {
		return nil, nil
	}
	return r.Value, nil
}

func (s *PebbleStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := encode(value, ttl, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Set([]byte(key), data, s.write); err != nil {
		return fmt.Errorf("pebble set %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete([]byte(key), s.write); err != nil {
		return fmt.Errorf("pebble delete %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Exists(ctx context.Context, key string) (bool, error) {
	val, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return val != nil, nil
}

// Ping verifies the database still answers reads
func (s *PebbleStore) Ping(_ context.Context) error {
	_, closer, err := s.db.Get([]byte("\x00ping"))
	if err == nil {
		return closer.Close()
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

// Sweep deletes every expired entry and returns how many were removed
func (s *PebbleStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}

	now := s.now()
	batch := s.db.NewBatch()
	defer batch.Close()

	removed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		r, err := decode(iter.Value())
		if err != nil || !r.expired(now) {
			continue
		}
		key := append([]byte(nil), iter.Key()...)
		if err := batch.Delete(key, nil); err != nil {
			_ = iter.Close()
			return 0, err
		}
		removed++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	if removed == 0 {
		return 0, nil
	}
	if err := batch.Commit(s.write); err != nil {
		return 0, fmt.Errorf("failed to commit sweep: %w", err)
	}
	return removed, nil
}

// RunJanitor sweeps expired entries every interval until ctx is done
func (s *PebbleStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err != nil {
				s.log.Error("Store sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.log.Debug("Store sweep removed expired keys", zap.Int("removed", removed))
			}
		}
	}
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.log.Info("Closing pebble store")
	return s.db.Close()
}
