package consumer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/metrics"
)

// QueueConfig configures backlog reporting for the ingest queue
type QueueConfig struct {
	WarnThreshold int
	WarnInterval  time.Duration
	Milestone     int
}

// Queue is the unbounded FIFO between the event source and the worker pool
type Queue struct {
	mu       sync.Mutex
	items    []*Envelope
	notify   chan struct{}
	config   QueueConfig
	lastWarn time.Time
	now      func() time.Time
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewQueue creates an empty ingest queue
func NewQueue(config QueueConfig, m *metrics.Metrics, log *zap.Logger) *Queue {
	return &Queue{
		notify:  make(chan struct{}, 1),
		config:  config,
		now:     time.Now,
		metrics: m,
		log:     log,
	}
}

// Put appends env and wakes one waiting reader
func (q *Queue) Put(env *Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	depth := len(q.items)
	warn := false
	if q.config.WarnThreshold > 0 && depth >= q.config.WarnThreshold {
		if now := q.now(); now.Sub(q.lastWarn) >= q.config.WarnInterval {
			q.lastWarn = now
			warn = true
		}
	}
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	q.signal()

	if warn {
		q.log.Warn("Ingest queue backlog", zap.Int("depth", depth), zap.Int("threshold", q.config.WarnThreshold))
	} else if q.config.Milestone > 0 && depth%q.config.Milestone == 0 {
		q.log.Info("Ingest queue depth milestone", zap.Int("depth", depth))
	}
}

// Get removes the oldest envelope, waiting up to timeout for one to arrive.
// It returns false on timeout or when ctx is done.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (*Envelope, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if env, ok := q.pop(); ok {
			return env, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return q.pop()
		case <-q.notify:
		}
	}
}

func (q *Queue) pop() (*Envelope, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	env := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	if depth > 0 {
		q.signal()
	}
	return env, true
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the current backlog
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
