package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
)

const subscriptionColumns = `id, platform, bot_id, session_id, session_type, name, description,
	is_enabled, min_value, max_age_days, condition_groups`

const queryListEnabled = `SELECT ` + subscriptionColumns + `
	FROM killmail_subscription
	WHERE is_enabled
	ORDER BY id`

const queryListByDestination = `SELECT ` + subscriptionColumns + `
	FROM killmail_subscription
	WHERE platform = $1 AND bot_id = $2 AND session_id = $3 AND session_type = $4
	ORDER BY id`

const queryCreateSubscription = `INSERT INTO killmail_subscription
	(platform, bot_id, session_id, session_type, name, description, is_enabled, min_value, max_age_days, condition_groups)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING id`

// SubscriptionRepository implements repository.SubscriptionRepository
type SubscriptionRepository struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSubscriptionRepository creates a new Postgres subscription repository
func NewSubscriptionRepository(db *sql.DB, log *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, log: log}
}

// ListEnabled returns every enabled subscription. Rows whose condition tree
// fails to parse are skipped with a warning.
func (r *SubscriptionRepository) ListEnabled(ctx context.Context) ([]domain.Subscription, error) {
	return r.list(ctx, queryListEnabled)
}

// ListByDestination returns all subscriptions bound to dest, enabled or not
func (r *SubscriptionRepository) ListByDestination(ctx context.Context, dest domain.DestinationKey) ([]domain.Subscription, error) {
	return r.list(ctx, queryListByDestination, dest.Platform, dest.BotID, dest.SessionID, dest.SessionKind)
}

func (r *SubscriptionRepository) list(ctx context.Context, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var (
			sub        domain.Subscription
			maxAge     sql.NullInt32
			conditions []byte
		)
		if err := rows.Scan(
			&sub.ID,
			&sub.Destination.Platform,
			&sub.Destination.BotID,
			&sub.Destination.SessionID,
			&sub.Destination.SessionKind,
			&sub.Name,
			&sub.Description,
			&sub.Enabled,
			&sub.MinValue,
			&maxAge,
			&conditions,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}

		if maxAge.Valid {
			days := int(maxAge.Int32)
			sub.MaxAgeDays = &days
		}

		tree, err := domain.ParseConditionTree(conditions)
		if err != nil {
			r.log.Warn("Skipping subscription with invalid conditions",
				zap.Int64("subscription_id", sub.ID),
				zap.Error(err))
			continue
		}
		sub.Conditions = tree
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscription rows: %w", err)
	}
	return subs, nil
}

// Create validates and inserts sub, setting its ID
func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) (int64, error) {
	if err := sub.Conditions.Validate(); err != nil {
		return 0, err
	}
	if sub.Conditions.Conditions == nil {
		sub.Conditions.Conditions = []domain.ConditionLeaf{}
	}

	conditions, err := json.Marshal(sub.Conditions)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal conditions: %w", err)
	}

	var maxAge sql.NullInt32
	if sub.MaxAgeDays != nil {
		maxAge = sql.NullInt32{Int32: int32(*sub.MaxAgeDays), Valid: true}
	}

	var id int64
	err = r.db.QueryRowContext(ctx, queryCreateSubscription,
		sub.Destination.Platform,
		sub.Destination.BotID,
		sub.Destination.SessionID,
		sub.Destination.SessionKind,
		sub.Name,
		sub.Description,
		sub.Enabled,
		sub.MinValue,
		maxAge,
		conditions,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert subscription: %w", err)
	}

	sub.ID = id
	return id, nil
}

// Ping checks if the database connection is alive
func (r *SubscriptionRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
