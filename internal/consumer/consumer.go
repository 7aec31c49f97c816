// Package consumer admits decoded kill events into the ingest queue and
// drives the worker pool that processes them.
package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/metrics"
	"github.com/zifox666/xiaobawang/internal/source"
)

// Config configures admission
type Config struct {
	// DedupFailOpen admits events when the dedup store cannot be read
	DedupFailOpen bool
}

// Stats is a snapshot of ingest state
type Stats struct {
	Transport  string    `json:"transport"`
	Admitted   int64     `json:"admitted"`
	Duplicates int64     `json:"duplicates"`
	Pool       PoolStats `json:"pool"`
}

// Consumer owns the ingest queue and worker pool and runs one source
type Consumer struct {
	queue   *Queue
	pool    *WorkerPool
	dedup   Deduper
	config  Config
	metrics *metrics.Metrics
	log     *zap.Logger

	transport  atomic.Pointer[string]
	admitted   atomic.Int64
	duplicates atomic.Int64
}

// NewConsumer creates a new consumer
func NewConsumer(queue *Queue, pool *WorkerPool, dedup Deduper, config Config, m *metrics.Metrics, log *zap.Logger) *Consumer {
	return &Consumer{
		queue:   queue,
		pool:    pool,
		dedup:   dedup,
		config:  config,
		metrics: m,
		log:     log,
	}
}

// Enqueue is the single admission point for decoded events. It matches
// source.EnqueueFunc.
func (c *Consumer) Enqueue(ctx context.Context, ev *domain.Event) {
	seen, err := c.dedup.Seen(ctx, ev.ID)
	if err != nil {
		if !c.config.DedupFailOpen {
			c.log.Error("Dedup check failed, dropping event", zap.Int64("killmail_id", ev.ID), zap.Error(err))
			return
		}
		c.log.Warn("Dedup check failed, admitting event", zap.Int64("killmail_id", ev.ID), zap.Error(err))
	} else if seen {
		c.duplicates.Add(1)
		c.metrics.Duplicates.WithLabelValues("admission").Inc()
		c.log.Debug("Dropping duplicate event", zap.Int64("killmail_id", ev.ID))
		return
	}

	id := ev.ID
	ack := func(ctx context.Context) error {
		return c.dedup.Mark(ctx, id)
	}
	nack := func(ctx context.Context) error {
		c.log.Warn("Event dropped after failed processing", zap.Int64("killmail_id", id))
		return nil
	}

	c.admitted.Add(1)
	c.queue.Put(NewEnvelope(ev, c.transportName(), time.Now(), ack, nack))
	c.log.Debug("Event admitted", zap.Int64("killmail_id", id), zap.Int("queue_depth", c.queue.Len()))
}

// Run starts the pool and the source and blocks until ctx is cancelled or
// the source fails. Shutdown stops the source first so its cursor is
// persisted, then drains the pool.
func (c *Consumer) Run(ctx context.Context, src source.Source) error {
	name := src.Name()
	c.transport.Store(&name)

	if err := c.pool.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- src.Start(ctx)
	}()
	c.log.Info("Consumer started", zap.String("transport", name))

	var srcErr error
	select {
	case <-ctx.Done():
	case srcErr = <-errCh:
	}

	c.log.Info("Consumer shutting down")
	src.Stop()
	c.pool.Stop()

	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		return srcErr
	}
	return nil
}

// Stats returns the current ingest counters
func (c *Consumer) Stats() Stats {
	return Stats{
		Transport:  c.transportName(),
		Admitted:   c.admitted.Load(),
		Duplicates: c.duplicates.Load(),
		Pool:       c.pool.Stats(),
	}
}

func (c *Consumer) transportName() string {
	if p := c.transport.Load(); p != nil {
		return *p
	}
	return ""
}
