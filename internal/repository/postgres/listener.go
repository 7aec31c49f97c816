package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// ChangeListener forwards Postgres NOTIFY payloads for one channel
type ChangeListener struct {
	listener *pq.Listener
	channel  string
	log      *zap.Logger
}

// NewChangeListener opens a dedicated LISTEN connection on channel
func NewChangeListener(dsn, channel string, log *zap.Logger) (*ChangeListener, error) {
	l := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("Subscription listener connection event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}
	return &ChangeListener{listener: l, channel: channel, log: log}, nil
}

// Start forwards notifications to out until ctx is cancelled, then closes
// out. A reconnect is reported as a notification too since changes may
// have been missed while disconnected.
func (c *ChangeListener) Start(ctx context.Context, out chan<- string) {
	defer close(out)
	defer func() {
		if err := c.listener.Close(); err != nil {
			c.log.Error("Failed to close subscription listener", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	c.log.Info("Listening for subscription changes", zap.String("channel", c.channel))

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.listener.Notify:
			payload := "reconnect"
			if n != nil {
				payload = n.Extra
			}
			select {
			case out <- payload:
			case <-ctx.Done():
				return
			}
		case <-ticker.C:
			if err := c.listener.Ping(); err != nil {
				c.log.Warn("Subscription listener ping failed", zap.Error(err))
			}
		}
	}
}
