// Package source pulls kill events from the upstream feeds and hands each
// decoded event to an enqueue callback.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/metrics"
	"github.com/zifox666/xiaobawang/internal/store"
)

var (
	ErrAlreadyRunning = errors.New("source already running")
	ErrMalformed      = errors.New("malformed payload")
)

// EnqueueFunc admits one decoded event into the pipeline
type EnqueueFunc func(ctx context.Context, ev *domain.Event)

// Source is one upstream transport. Start blocks until ctx is cancelled or
// Stop is called; Stop waits for Start to return.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Deps are the collaborators shared by all transports
type Deps struct {
	Enqueue    EnqueueFunc
	Store      store.Store
	Metrics    *metrics.Metrics
	HTTPClient *http.Client
	UserAgent  string
}

// New builds the transport selected by cfg.Mode
func New(cfg config.Source, deps Deps, log *zap.Logger) (Source, error) {
	switch cfg.Mode {
	case config.SourceWebsocket:
		return NewWebsocket(cfg.Websocket, deps, log), nil
	case config.SourceRedisQ:
		return NewRedisQ(cfg.RedisQ, deps, log), nil
	case config.SourceR2Z2:
		return NewR2Z2(cfg.R2Z2, deps, log), nil
	default:
		return nil, fmt.Errorf("unknown source mode %q", cfg.Mode)
	}
}

// StatusError is a non-2xx upstream response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// statusOf returns the HTTP status carried by err, or 0
func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func getBody(ctx context.Context, client *http.Client, url, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := string(body)
		if len(text) > 512 {
			text = text[:512]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: text}
	}
	return body, nil
}

// backoff doubles from seed up to max; Reset returns it to seed
type backoff struct {
	seed, max, cur time.Duration
}

func newBackoff(seed, limit time.Duration) *backoff {
	return &backoff{seed: seed, max: limit}
}

func (b *backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.seed
	} else {
		b.cur *= 2
	}
	if b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *backoff) Reset() {
	b.cur = 0
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lifecycle makes Start/Stop safe to call from different goroutines
type lifecycle struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *lifecycle) begin(ctx context.Context) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	return ctx, nil
}

func (l *lifecycle) end() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
		close(l.done)
	}
}

func (l *lifecycle) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func httpClientOr(c *http.Client, timeout time.Duration) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: timeout}
}
