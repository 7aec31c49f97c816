package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zifox666/xiaobawang/internal/metrics"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// PoolConfig configures the worker pool
type PoolConfig struct {
	Workers      int
	Concurrency  int64
	PollTimeout  time.Duration
	DrainTimeout time.Duration
}

// PoolStats is a snapshot of the pool counters
type PoolStats struct {
	Workers    int   `json:"workers"`
	InFlight   int64 `json:"in_flight"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	QueueDepth int   `json:"queue_depth"`
}

// WorkerPool pulls envelopes off the queue and runs the handler on them.
// A global semaphore caps concurrent handler calls across all workers.
type WorkerPool struct {
	queue   *Queue
	handler Handler
	dedup   Deduper
	config  PoolConfig
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
	log     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup

	inFlight  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queue *Queue, handler Handler, dedup Deduper, config PoolConfig, m *metrics.Metrics, log *zap.Logger) *WorkerPool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Concurrency <= 0 {
		config.Concurrency = int64(config.Workers)
	}
	return &WorkerPool{
		queue:   queue,
		handler: handler,
		dedup:   dedup,
		config:  config,
		sem:     semaphore.NewWeighted(config.Concurrency),
		metrics: m,
		log:     log,
	}
}

// Start launches the workers. They keep running after ctx is cancelled
// until Stop drains the queue.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if p.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.wg.Add(p.config.Workers)
	for i := 0; i < p.config.Workers; i++ {
		go func(id int) {
			defer p.wg.Done()
			p.work(runCtx, id)
		}(i)
	}

	p.log.Info("Worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int64("concurrency", p.config.Concurrency))
	return nil
}

// Stop waits up to the drain timeout for the queue to empty, then cancels
// the workers and waits for in-flight handlers to return.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.stopped = true
	p.mu.Unlock()
	if cancel == nil {
		return
	}

	deadline := time.NewTimer(p.config.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

drain:
	for p.queue.Len() > 0 || p.inFlight.Load() > 0 {
		select {
		case <-deadline.C:
			p.log.Warn("Drain timeout reached, abandoning queued events",
				zap.Int("remaining", p.queue.Len()),
				zap.Int64("in_flight", p.inFlight.Load()))
			break drain
		case <-ticker.C:
		}
	}

	cancel()
	p.wg.Wait()
	p.log.Info("Worker pool stopped",
		zap.Int64("processed", p.processed.Load()),
		zap.Int64("failed", p.failed.Load()),
		zap.Int64("skipped", p.skipped.Load()))
}

// Stats returns the current counters
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:    p.config.Workers,
		InFlight:   p.inFlight.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Skipped:    p.skipped.Load(),
		QueueDepth: p.queue.Len(),
	}
}

func (p *WorkerPool) work(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		env, ok := p.queue.Get(ctx, p.config.PollTimeout)
		if !ok {
			continue
		}
		p.handle(ctx, env, log)
	}
}

func (p *WorkerPool) handle(ctx context.Context, env *Envelope, log *zap.Logger) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	id := env.Event.ID

	seen, err := p.dedup.Seen(ctx, id)
	if err != nil {
		log.Warn("Dedup recheck failed, processing anyway", zap.Int64("killmail_id", id), zap.Error(err))
	} else if seen {
		p.skipped.Add(1)
		p.metrics.Duplicates.WithLabelValues("pickup").Inc()
		log.Debug("Skipping already processed event", zap.Int64("killmail_id", id))
		return
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.fail(ctx, env, log, fmt.Errorf("failed to acquire concurrency slot: %w", err))
		return
	}
	defer p.sem.Release(1)

	start := time.Now()
	err = p.run(ctx, env)
	p.metrics.ProcessDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		p.fail(ctx, env, log, err)
		return
	}

	p.processed.Add(1)
	p.metrics.EventsProcessed.WithLabelValues("ok").Inc()
	if err := env.Ack(ctx); err != nil {
		log.Error("Failed to ack envelope", zap.Int64("killmail_id", id), zap.Error(err))
	}
}

// run calls the handler, converting a panic into an error
func (p *WorkerPool) run(ctx context.Context, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Process(ctx, env.Event)
}

func (p *WorkerPool) fail(ctx context.Context, env *Envelope, log *zap.Logger, err error) {
	p.failed.Add(1)
	p.metrics.EventsProcessed.WithLabelValues("failed").Inc()
	log.Error("Failed to process event",
		zap.Int64("killmail_id", env.Event.ID),
		zap.String("transport", env.Transport),
		zap.Error(err))
	if err := env.Nack(ctx); err != nil {
		log.Error("Failed to nack envelope", zap.Error(err))
	}
}
