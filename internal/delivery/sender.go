// Package delivery buffers rendered messages per destination and flushes
// them to a Sender with adaptive batching.
package delivery

import (
	"context"

	"github.com/zifox666/xiaobawang/internal/domain"
)

// Sender delivers one message to a destination and returns the platform's
// message id.
type Sender interface {
	Send(ctx context.Context, dest domain.DestinationKey, msg domain.QueuedMessage) (string, error)
}

// MergeSender can also fold several messages into a single forwarded one on
// the platforms it supports.
type MergeSender interface {
	Sender
	SupportsMerge(platform string) bool
	SendMerged(ctx context.Context, dest domain.DestinationKey, msgs []domain.QueuedMessage) (string, error)
}

// RefSaver remembers which source url an outbound message refers to
type RefSaver interface {
	Save(ctx context.Context, platform, messageID, url string) error
}

// RecordSink accepts push records for asynchronous persistence
type RecordSink interface {
	Add(rec domain.PushRecord)
}
