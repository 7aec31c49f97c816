package service

import (
	"context"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/matcher"
)

// SubscriptionLister provides the current set of enabled subscriptions
type SubscriptionLister interface {
	List(ctx context.Context) ([]domain.Subscription, error)
}

// EventMatcher evaluates every subscription against one event
type EventMatcher interface {
	MatchAll(ctx context.Context, ev *domain.Event, subs []domain.Subscription) []matcher.Matched
}

// Dispatcher accepts rendered messages for delivery
type Dispatcher interface {
	Add(ctx context.Context, dest domain.DestinationKey, msg domain.QueuedMessage, immediate bool)
}

// Renderer produces an optional image for an event. Returning no data means
// the message is sent as text only.
type Renderer interface {
	Render(ctx context.Context, ev *domain.Event) ([]byte, error)
}

// ImageStager writes rendered images somewhere the sender can pick them up
type ImageStager interface {
	Stage(killID int64, data []byte) (string, error)
}
