package source

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/metrics"
)

const transportWebsocket = "websocket"

type subscribeMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// Websocket consumes the push stream, reconnecting with exponential backoff
type Websocket struct {
	config  config.Websocket
	enqueue EnqueueFunc
	metrics *metrics.Metrics
	dialer  *websocket.Dialer
	header  http.Header
	sleep   sleepFunc
	life    lifecycle
	log     *zap.Logger
}

func NewWebsocket(cfg config.Websocket, deps Deps, log *zap.Logger) *Websocket {
	header := http.Header{}
	if deps.UserAgent != "" {
		header.Set("User-Agent", deps.UserAgent)
	}
	return &Websocket{
		config:  cfg,
		enqueue: deps.Enqueue,
		metrics: deps.Metrics,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		header: header,
		sleep:  sleepCtx,
		log:    log.Named(transportWebsocket),
	}
}

func (w *Websocket) Name() string { return transportWebsocket }

// Start connects and reads until stopped. It never gives up on the upstream.
func (w *Websocket) Start(ctx context.Context) error {
	ctx, err := w.life.begin(ctx)
	if err != nil {
		return err
	}
	defer w.life.end()

	bo := newBackoff(w.config.ReconnectSeed, w.config.ReconnectMax)
	w.log.Info("Websocket source starting", zap.String("url", w.config.URL))

	for {
		err := w.session(ctx, bo)
		if ctx.Err() != nil {
			w.log.Info("Websocket source shutting down")
			return nil
		}

		delay := bo.Next()
		w.metrics.Reconnects.WithLabelValues(transportWebsocket).Inc()
		w.log.Warn("Websocket disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay))

		if err := w.sleep(ctx, delay); err != nil {
			w.log.Info("Websocket source shutting down")
			return nil
		}
	}
}

func (w *Websocket) Stop() {
	w.life.stop()
}

// session runs one connection until it fails or ctx ends
func (w *Websocket) session(ctx context.Context, bo *backoff) error {
	conn, _, err := w.dialer.DialContext(ctx, w.config.URL, w.header)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMessage{Action: "sub", Channel: w.config.Channel}); err != nil {
		return err
	}
	w.log.Info("Websocket connected", zap.String("channel", w.config.Channel))

	if err := w.extendDeadline(conn); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return w.extendDeadline(conn)
	})

	done := make(chan struct{})
	defer close(done)
	go w.keepalive(ctx, conn, done)

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := w.extendDeadline(conn); err != nil {
			return err
		}
		if !received {
			bo.Reset()
			received = true
		}
		w.handle(ctx, data)
	}
}

// extendDeadline pushes the read deadline out by the idle timeout. A half-open
// connection then fails ReadMessage instead of blocking it forever.
func (w *Websocket) extendDeadline(conn *websocket.Conn) error {
	if w.config.IdleTimeout <= 0 {
		return nil
	}
	return conn.SetReadDeadline(time.Now().Add(w.config.IdleTimeout))
}

// keepalive pings the upstream until the session ends and closes the
// connection when ctx is cancelled.
func (w *Websocket) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	var tick <-chan time.Time
	if w.config.PingInterval > 0 {
		ticker := time.NewTicker(w.config.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.config.PingInterval)); err != nil {
				w.log.Debug("Websocket ping failed", zap.Error(err))
			}
		case <-done:
			return
		}
	}
}

func (w *Websocket) handle(ctx context.Context, data []byte) {
	ev, err := ParseStream(data)
	if err != nil {
		w.metrics.EventsRejected.WithLabelValues(transportWebsocket).Inc()
		w.log.Debug("Discarding undecodable stream message", zap.Error(err))
		return
	}
	w.metrics.EventsReceived.WithLabelValues(transportWebsocket).Inc()
	w.enqueue(ctx, ev)
}
