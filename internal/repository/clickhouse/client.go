// Package clickhouse stores push records for delivery analytics.
package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/zifox666/xiaobawang/internal/config"
)

// Client owns the connection the push record repository writes through
type Client struct {
	connection driver.Conn
	retention  int
	log        *zap.Logger
}

// NewClient connects and pings ClickHouse
func NewClient(ctx context.Context, cfg *config.ClickHouse, log *zap.Logger) (*Client, error) {
	log.Info("Connecting to ClickHouse",
		zap.String("host", cfg.Host),
		zap.String("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.Bool("useTLS", cfg.UseTLS),
		zap.Bool("async_insert", cfg.AsyncInsert),
		zap.Int("retention_days", cfg.RetentionDays))

	connection, err := clickhouse.Open(connOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := connection.Ping(ctx); err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	log.Info("ClickHouse connection established")

	return &Client{connection: connection, retention: cfg.RetentionDays, log: log}, nil
}

// connOptions tunes the connection for small, frequent record batches.
// Async inserts let the server coalesce them; waiting keeps a failed insert
// visible to the writer.
func connOptions(cfg *config.ClickHouse) *clickhouse.Options {
	var tlsConfig *tls.Config
	if cfg.UseTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	settings := clickhouse.Settings{
		"max_execution_time": 30,
	}
	if cfg.AsyncInsert {
		settings["async_insert"] = 1
		settings["wait_for_async_insert"] = 1
	}

	return &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings:         settings,
		Compression:      &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		TLS:              tlsConfig,
		DialTimeout:      cfg.DialTimeout,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  time.Duration(cfg.ConnMaxLifetime) * time.Second,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
}

// Conn returns the underlying ClickHouse connection
func (c *Client) Conn() driver.Conn {
	return c.connection
}

// RetentionDays is how long push records are kept; 0 means forever
func (c *Client) RetentionDays() int {
	return c.retention
}

func (c *Client) Close() error {
	c.log.Info("Closing ClickHouse connection")
	if err := c.connection.Close(); err != nil {
		c.log.Error("Error closing ClickHouse connection", zap.Error(err))
		return err
	}
	return nil
}
