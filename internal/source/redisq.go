package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/metrics"
)

const transportRedisQ = "redisq"

// RedisQ short-polls the queue endpoint, one kill per request
type RedisQ struct {
	config    config.RedisQ
	enqueue   EnqueueFunc
	metrics   *metrics.Metrics
	client    *http.Client
	userAgent string
	sleep     sleepFunc
	life      lifecycle
	log       *zap.Logger
}

func NewRedisQ(cfg config.RedisQ, deps Deps, log *zap.Logger) *RedisQ {
	if cfg.QueueID == "" {
		cfg.QueueID = uuid.NewString()
	}
	return &RedisQ{
		config:    cfg,
		enqueue:   deps.Enqueue,
		metrics:   deps.Metrics,
		client:    httpClientOr(deps.HTTPClient, cfg.RequestTimeout),
		userAgent: deps.UserAgent,
		sleep:     sleepCtx,
		log:       log.Named(transportRedisQ),
	}
}

func (r *RedisQ) Name() string { return transportRedisQ }

func (r *RedisQ) Start(ctx context.Context) error {
	ctx, err := r.life.begin(ctx)
	if err != nil {
		return err
	}
	defer r.life.end()

	endpoint, err := r.endpoint()
	if err != nil {
		return err
	}

	bo := newBackoff(r.config.BackoffSeed, r.config.BackoffMax)
	r.log.Info("RedisQ source starting", zap.String("queue_id", r.config.QueueID))

	for ctx.Err() == nil {
		ev, err := r.poll(ctx, endpoint)
		if ctx.Err() != nil {
			break
		}

		var wait error
		switch {
		case err == nil && ev == nil:
			bo.Reset()
			wait = r.sleep(ctx, r.config.EmptySleep)
		case err == nil:
			bo.Reset()
			r.metrics.EventsReceived.WithLabelValues(transportRedisQ).Inc()
			r.enqueue(ctx, ev)
		case errors.Is(err, ErrMalformed):
			r.metrics.EventsRejected.WithLabelValues(transportRedisQ).Inc()
			r.log.Warn("Discarding malformed RedisQ package", zap.Error(err))
		case statusOf(err) == http.StatusTooManyRequests:
			r.metrics.RateLimited.WithLabelValues(transportRedisQ, "429").Inc()
			r.log.Warn("RedisQ rate limited", zap.Duration("cooldown", r.config.RateLimitSleep))
			wait = r.sleep(ctx, r.config.RateLimitSleep)
		default:
			delay := bo.Next()
			r.metrics.Reconnects.WithLabelValues(transportRedisQ).Inc()
			r.log.Error("RedisQ poll failed", zap.Error(err), zap.Duration("backoff", delay))
			wait = r.sleep(ctx, delay)
		}
		if wait != nil {
			break
		}
	}

	r.log.Info("RedisQ source shutting down")
	return nil
}

func (r *RedisQ) Stop() {
	r.life.stop()
}

func (r *RedisQ) endpoint() (string, error) {
	u, err := url.Parse(r.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid redisq url: %w", err)
	}
	q := u.Query()
	q.Set("queueID", r.config.QueueID)
	q.Set("ttw", strconv.Itoa(r.config.TimeToWait))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *RedisQ) poll(ctx context.Context, endpoint string) (*domain.Event, error) {
	body, err := getBody(ctx, r.client, endpoint, r.userAgent)
	if err != nil {
		return nil, err
	}
	return ParseRedisQ(body)
}
