package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/repository"
)

const pushRecordsColumns = `
	CREATE TABLE IF NOT EXISTS killmail_push_records (
		platform LowCardinality(String),
		bot_id String,
		session_id String,
		session_type LowCardinality(String),
		killmail_id Int64,
		pushed_at DateTime64(3)
	) ENGINE = MergeTree
	ORDER BY (platform, bot_id, session_id, pushed_at)
	PARTITION BY toYYYYMM(pushed_at)`

// pushRecordsDDL builds the table definition, with a TTL when retentionDays > 0
func pushRecordsDDL(retentionDays int) string {
	ddl := pushRecordsColumns
	if retentionDays > 0 {
		ddl += fmt.Sprintf("\n\tTTL toDateTime(pushed_at) + INTERVAL %d DAY", retentionDays)
	}
	return ddl + "\n\tSETTINGS index_granularity = 8192"
}

const queryPushStats = `
	SELECT
		platform,
		bot_id,
		session_id,
		session_type,
		count() AS push_count,
		max(pushed_at) AS last_push_at
	FROM killmail_push_records
	WHERE pushed_at >= ? AND pushed_at <= ?
	GROUP BY platform, bot_id, session_id, session_type
	ORDER BY push_count DESC
	`

// Repository implements repository.PushRecordRepository for ClickHouse
type Repository struct {
	conn          driver.Conn
	close         func() error
	retentionDays int
	log           *zap.Logger
}

// NewRepository creates a new ClickHouse repository
func NewRepository(client *Client, log *zap.Logger) *Repository {
	return &Repository{
		conn:          client.Conn(),
		close:         client.Close,
		retentionDays: client.RetentionDays(),
		log:           log,
	}
}

// InitSchema creates the push records table
func (r *Repository) InitSchema(ctx context.Context) error {
	if err := r.conn.Exec(ctx, pushRecordsDDL(r.retentionDays)); err != nil {
		return fmt.Errorf("failed to create killmail_push_records table: %w", err)
	}

	r.log.Info("ClickHouse schema initialized", zap.Int("retention_days", r.retentionDays))
	return nil
}

// InsertBatch inserts a batch of push records into ClickHouse
func (r *Repository) InsertBatch(ctx context.Context, records []domain.PushRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO killmail_push_records")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		err := batch.Append(
			rec.Destination.Platform,
			rec.Destination.BotID,
			rec.Destination.SessionID,
			rec.Destination.SessionKind,
			rec.KillID,
			rec.PushedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return 0, fmt.Errorf("failed to append push record %s: %w", rec, err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send batch: %w", err)
	}

	return len(records), nil
}

// GetPushStats aggregates push counts per destination in the query range
func (r *Repository) GetPushStats(ctx context.Context, query repository.PushStatsQuery) ([]repository.PushStat, error) {
	rows, err := r.conn.Query(ctx, queryPushStats, query.From, query.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query push stats: %w", err)
	}
	defer func(rows driver.Rows) {
		if err := rows.Close(); err != nil {
			r.log.Error("Failed to close push stats rows", zap.Error(err))
		}
	}(rows)

	stats := []repository.PushStat{}
	for rows.Next() {
		var s repository.PushStat
		if err := rows.Scan(
			&s.Destination.Platform,
			&s.Destination.BotID,
			&s.Destination.SessionID,
			&s.Destination.SessionKind,
			&s.Count,
			&s.LastPushAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan push stats row: %w", err)
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating push stats rows: %w", err)
	}
	return stats, nil
}

// Ping checks if the ClickHouse connection is alive
func (r *Repository) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

// Close closes the ClickHouse connection
func (r *Repository) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}
