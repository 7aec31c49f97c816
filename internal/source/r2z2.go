package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/metrics"
	"github.com/zifox666/xiaobawang/internal/store"
)

const transportR2Z2 = "r2z2"

// R2Z2 walks the sequence-numbered feed, persisting its cursor
type R2Z2 struct {
	config     config.R2Z2
	enqueue    EnqueueFunc
	metrics    *metrics.Metrics
	checkpoint *store.Checkpoint
	client     *http.Client
	userAgent  string
	sleep      sleepFunc
	life       lifecycle
	log        *zap.Logger

	// cursor state, owned by the Start goroutine
	seq       int64
	known     bool
	successes int
}

func NewR2Z2(cfg config.R2Z2, deps Deps, log *zap.Logger) *R2Z2 {
	return &R2Z2{
		config:     cfg,
		enqueue:    deps.Enqueue,
		metrics:    deps.Metrics,
		checkpoint: store.NewCheckpoint(deps.Store, cfg.CheckpointName),
		client:     httpClientOr(deps.HTTPClient, cfg.RequestTimeout),
		userAgent:  deps.UserAgent,
		sleep:      sleepCtx,
		log:        log.Named(transportR2Z2),
	}
}

func (r *R2Z2) Name() string { return transportR2Z2 }

func (r *R2Z2) Start(ctx context.Context) error {
	runCtx, err := r.life.begin(ctx)
	if err != nil {
		return err
	}
	defer r.life.end()

	r.log.Info("R2Z2 source starting", zap.String("base_url", r.config.BaseURL))
	r.run(runCtx)

	// runCtx is cancelled by now; persist with a context that is not
	r.persist(context.WithoutCancel(ctx))
	r.log.Info("R2Z2 source shutting down", zap.Int64("sequence", r.seq))
	return nil
}

func (r *R2Z2) Stop() {
	r.life.stop()
}

func (r *R2Z2) run(ctx context.Context) {
	bo := newBackoff(r.config.BackoffSeed, r.config.BackoffMax)
	fromCheckpoint := true

	for ctx.Err() == nil {
		if !r.known {
			if err := r.bootstrap(ctx, fromCheckpoint); err != nil {
				if ctx.Err() != nil {
					return
				}
				delay := bo.Next()
				r.metrics.Reconnects.WithLabelValues(transportR2Z2).Inc()
				r.log.Error("R2Z2 bootstrap failed", zap.Error(err), zap.Duration("backoff", delay))
				if r.sleep(ctx, delay) != nil {
					return
				}
				continue
			}
			fromCheckpoint = false
		}

		if r.sleep(ctx, r.step(ctx, bo)) != nil {
			return
		}
	}
}

// step fetches the current sequence and returns how long to wait before the next one
func (r *R2Z2) step(ctx context.Context, bo *backoff) (wait time.Duration) {
	ev, err := r.fetch(ctx, r.seq)
	if ctx.Err() != nil {
		return 0
	}

	switch status := statusOf(err); {
	case err == nil:
		bo.Reset()
		r.metrics.EventsReceived.WithLabelValues(transportR2Z2).Inc()
		r.enqueue(ctx, ev)
		r.advance(ctx)
		return r.config.Pace
	case status == http.StatusNotFound:
		return r.config.NotFoundWait
	case status == http.StatusTooManyRequests:
		r.metrics.RateLimited.WithLabelValues(transportR2Z2, "429").Inc()
		r.log.Warn("R2Z2 rate limited", zap.Duration("wait", r.config.RateLimitWait))
		return r.config.RateLimitWait
	case status == http.StatusForbidden:
		r.metrics.RateLimited.WithLabelValues(transportR2Z2, "403").Inc()
		r.log.Error("R2Z2 returned 403, probable ban", zap.Duration("wait", r.config.BanWait))
		return r.config.BanWait
	case status != 0 || errors.Is(err, ErrMalformed):
		if errors.Is(err, ErrMalformed) {
			r.metrics.EventsRejected.WithLabelValues(transportR2Z2).Inc()
		}
		r.known = false
		delay := bo.Next()
		r.log.Error("R2Z2 fetch failed, resetting cursor",
			zap.Int64("sequence", r.seq),
			zap.Error(err),
			zap.Duration("backoff", delay))
		return delay
	default:
		delay := bo.Next()
		r.metrics.Reconnects.WithLabelValues(transportR2Z2).Inc()
		r.log.Warn("R2Z2 request failed", zap.Int64("sequence", r.seq), zap.Error(err), zap.Duration("backoff", delay))
		return delay
	}
}

func (r *R2Z2) advance(ctx context.Context) {
	r.seq++
	r.metrics.Cursor.Set(float64(r.seq))
	r.successes++
	if r.successes%r.config.CheckpointStride == 0 {
		r.persist(ctx)
	}
}

func (r *R2Z2) persist(ctx context.Context) {
	if !r.known {
		return
	}
	if err := r.checkpoint.Save(ctx, r.seq); err != nil {
		r.log.Error("Failed to save R2Z2 checkpoint", zap.Int64("sequence", r.seq), zap.Error(err))
	}
}

// bootstrap positions the cursor from the checkpoint, else from the live head
func (r *R2Z2) bootstrap(ctx context.Context, fromCheckpoint bool) error {
	if fromCheckpoint {
		seq, ok, err := r.checkpoint.Load(ctx)
		if err != nil {
			r.log.Warn("Failed to load R2Z2 checkpoint", zap.Error(err))
		} else if ok {
			r.setCursor(seq, "checkpoint")
			return nil
		}
	}

	body, err := getBody(ctx, r.client, r.url("sequence"), r.userAgent)
	if err != nil {
		return fmt.Errorf("fetch sequence: %w", err)
	}
	var head struct {
		Sequence int64 `json:"sequence"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return fmt.Errorf("%w: sequence: %v", ErrMalformed, err)
	}
	if head.Sequence <= 0 {
		return fmt.Errorf("%w: sequence %d", ErrMalformed, head.Sequence)
	}
	r.setCursor(head.Sequence, "head")
	return nil
}

func (r *R2Z2) setCursor(seq int64, origin string) {
	r.seq = seq
	r.known = true
	r.metrics.Cursor.Set(float64(seq))
	r.log.Info("R2Z2 cursor positioned", zap.Int64("sequence", seq), zap.String("origin", origin))
}

func (r *R2Z2) fetch(ctx context.Context, seq int64) (*domain.Event, error) {
	body, err := getBody(ctx, r.client, r.url(fmt.Sprintf("%d", seq)), r.userAgent)
	if err != nil {
		return nil, err
	}
	return ParseR2Z2(body)
}

func (r *R2Z2) url(name string) string {
	return strings.TrimRight(r.config.BaseURL, "/") + "/" + name + ".json"
}
