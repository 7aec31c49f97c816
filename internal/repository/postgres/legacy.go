package postgres

import (
	"context"
	"fmt"

	"github.com/zifox666/xiaobawang/internal/repository"
)

const queryTableExists = `SELECT EXISTS (
	SELECT FROM information_schema.tables WHERE table_name = $1
)`

const queryLegacyHighValue = `SELECT id, platform, bot_id, session_id, session_type,
	is_enabled, min_value, created_at, updated_at
	FROM killmail_high_value_subscription
	ORDER BY id`

const queryLegacyCondition = `SELECT id, platform, bot_id, session_id, session_type,
	target_type, target_id, target_name, is_enabled, is_victim, is_final_blow,
	min_value, created_at, updated_at
	FROM killmail_condition_subscription
	ORDER BY id`

func (r *SubscriptionRepository) tableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, queryTableExists, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return exists, nil
}

// ListLegacyHighValue reads the retired value-only subscriptions. A missing
// table yields no rows.
func (r *SubscriptionRepository) ListLegacyHighValue(ctx context.Context) ([]repository.LegacyHighValue, error) {
	ok, err := r.tableExists(ctx, "killmail_high_value_subscription")
	if err != nil || !ok {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, queryLegacyHighValue)
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy high value subscriptions: %w", err)
	}
	defer rows.Close()

	var out []repository.LegacyHighValue
	for rows.Next() {
		var row repository.LegacyHighValue
		if err := rows.Scan(
			&row.ID,
			&row.Destination.Platform,
			&row.Destination.BotID,
			&row.Destination.SessionID,
			&row.Destination.SessionKind,
			&row.Enabled,
			&row.MinValue,
			&row.CreatedAt,
			&row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan legacy high value row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListLegacyCondition reads the retired single-target subscriptions. A
// missing table yields no rows.
func (r *SubscriptionRepository) ListLegacyCondition(ctx context.Context) ([]repository.LegacyCondition, error) {
	ok, err := r.tableExists(ctx, "killmail_condition_subscription")
	if err != nil || !ok {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, queryLegacyCondition)
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy condition subscriptions: %w", err)
	}
	defer rows.Close()

	var out []repository.LegacyCondition
	for rows.Next() {
		var row repository.LegacyCondition
		if err := rows.Scan(
			&row.ID,
			&row.Destination.Platform,
			&row.Destination.BotID,
			&row.Destination.SessionID,
			&row.Destination.SessionKind,
			&row.TargetType,
			&row.TargetID,
			&row.TargetName,
			&row.Enabled,
			&row.IsVictim,
			&row.IsFinalBlow,
			&row.MinValue,
			&row.CreatedAt,
			&row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan legacy condition row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
