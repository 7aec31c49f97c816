package repository

import (
	"context"
	"time"

	"github.com/zifox666/xiaobawang/internal/domain"
)

// LegacyHighValue is a row of the retired value-only subscription table
type LegacyHighValue struct {
	ID          int64
	Destination domain.DestinationKey
	Enabled     bool
	MinValue    float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LegacyCondition is a row of the retired single-target subscription table
type LegacyCondition struct {
	ID          int64
	Destination domain.DestinationKey
	TargetType  string
	TargetID    int64
	TargetName  string
	Enabled     bool
	IsVictim    bool
	IsFinalBlow bool
	MinValue    float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SubscriptionRepository defines the subscription persistence operations
type SubscriptionRepository interface {
	// ListEnabled returns every enabled subscription with a valid condition tree
	ListEnabled(ctx context.Context) ([]domain.Subscription, error)

	// ListByDestination returns all subscriptions bound to one destination
	ListByDestination(ctx context.Context, dest domain.DestinationKey) ([]domain.Subscription, error)

	// Create inserts sub and returns its new id
	Create(ctx context.Context, sub *domain.Subscription) (int64, error)

	// Ping checks if the database connection is alive
	Ping(ctx context.Context) error
}

// LegacyRepository reads the retired subscription tables
type LegacyRepository interface {
	ListLegacyHighValue(ctx context.Context) ([]LegacyHighValue, error)
	ListLegacyCondition(ctx context.Context) ([]LegacyCondition, error)
}

// PushStatsQuery selects push records in a time range
type PushStatsQuery struct {
	From time.Time
	To   time.Time
}

// PushStat is the number of pushes to one destination
type PushStat struct {
	Destination domain.DestinationKey
	Count       uint64
	LastPushAt  time.Time
}

// PushRecordRepository defines the push-record analytics storage
type PushRecordRepository interface {
	// InsertBatch inserts a batch of push records into the storage
	InsertBatch(ctx context.Context, records []domain.PushRecord) (int, error)

	// InitSchema creates tables if they don't exist
	InitSchema(ctx context.Context) error

	// GetPushStats aggregates pushes per destination for the query range
	GetPushStats(ctx context.Context, query PushStatsQuery) ([]PushStat, error)

	// Ping checks if the database connection is alive
	Ping(ctx context.Context) error

	// Close closes the repository and releases resources
	Close() error
}
