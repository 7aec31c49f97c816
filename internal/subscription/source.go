// Package subscription serves a cached snapshot of enabled subscriptions.
package subscription

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/repository"
)

// Lister is the subset of the repository the cache reads from
type Lister interface {
	ListEnabled(ctx context.Context) ([]domain.Subscription, error)
}

var _ Lister = (repository.SubscriptionRepository)(nil)

// Source caches ListEnabled for a TTL. Invalidate forces the next List to
// reload.
type Source struct {
	lister Lister
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group
	log    *zap.Logger

	mu       sync.RWMutex
	snapshot []domain.Subscription
	loadedAt time.Time
	valid    bool
	// gen increases on every Invalidate. A refresh started under an older
	// generation never marks the snapshot fresh.
	gen uint64
}

// NewSource creates a subscription cache over lister
func NewSource(lister Lister, ttl time.Duration, log *zap.Logger) *Source {
	return &Source{
		lister: lister,
		ttl:    ttl,
		now:    time.Now,
		log:    log,
	}
}

// List returns the enabled subscriptions. The slice is shared and must not
// be modified. When a reload fails and an older snapshot exists, the older
// snapshot is returned.
func (s *Source) List(ctx context.Context) ([]domain.Subscription, error) {
	s.mu.RLock()
	if s.valid && s.now().Sub(s.loadedAt) < s.ttl {
		subs := s.snapshot
		s.mu.RUnlock()
		return subs, nil
	}
	gen := s.gen
	s.mu.RUnlock()

	v, err, _ := s.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return s.refresh(ctx, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Subscription), nil
}

func (s *Source) refresh(ctx context.Context, gen uint64) ([]domain.Subscription, error) {
	subs, err := s.lister.ListEnabled(ctx)
	if err != nil {
		s.mu.RLock()
		stale, ok := s.snapshot, !s.loadedAt.IsZero()
		s.mu.RUnlock()
		if ok {
			s.log.Warn("Subscription refresh failed, serving stale snapshot",
				zap.Int("count", len(stale)),
				zap.Error(err))
			return stale, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.snapshot = subs
	s.loadedAt = s.now()
	s.valid = s.gen == gen
	s.mu.Unlock()

	s.log.Debug("Subscriptions reloaded",
		zap.Int("count", len(subs)),
		zap.Uint64("generation", gen))
	return subs, nil
}

// Invalidate drops the cached snapshot's freshness
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.gen++
	s.mu.Unlock()
	s.log.Debug("Subscription cache invalidated")
}

// Watch invalidates the cache for every notification until ctx is done or
// notifications is closed.
func (s *Source) Watch(ctx context.Context, notifications <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			s.log.Info("Subscription change notification", zap.String("payload", n))
			s.Invalidate()
		}
	}
}
