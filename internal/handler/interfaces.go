package handler

import (
	"context"

	"github.com/zifox666/xiaobawang/internal/consumer"
	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/repository"
)

// Pinger is a dependency whose liveness is reported by /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// SubscriptionReader lists the subscriptions of one destination
type SubscriptionReader interface {
	ListByDestination(ctx context.Context, dest domain.DestinationKey) ([]domain.Subscription, error)
}

// Invalidator drops cached subscriptions
type Invalidator interface {
	Invalidate()
}

// IngestStatser reports ingest counters
type IngestStatser interface {
	Stats() consumer.Stats
}

// DeliveryStatser reports buffered message counts per destination
type DeliveryStatser interface {
	Lengths() map[string]int
}

// PushStatsReader aggregates push records
type PushStatsReader interface {
	GetPushStats(ctx context.Context, query repository.PushStatsQuery) ([]repository.PushStat, error)
}
