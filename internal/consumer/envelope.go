package consumer

import (
	"context"
	"time"

	"github.com/zifox666/xiaobawang/internal/domain"
)

// Envelope wraps an admitted kill event with acknowledgment callbacks
type Envelope struct {
	Event      *domain.Event
	Transport  string
	ReceivedAt time.Time
	ack        func(context.Context) error
	nack       func(context.Context) error
}

// NewEnvelope creates a new event envelope
func NewEnvelope(event *domain.Event, transport string, receivedAt time.Time, ack, nack func(context.Context) error) *Envelope {
	return &Envelope{
		Event:      event,
		Transport:  transport,
		ReceivedAt: receivedAt,
		ack:        ack,
		nack:       nack,
	}
}

// Ack acknowledges successful processing
func (e *Envelope) Ack(ctx context.Context) error {
	if e.ack != nil {
		return e.ack(ctx)
	}
	return nil
}

// Nack negatively acknowledges processing. The event is dropped, not retried.
func (e *Envelope) Nack(ctx context.Context) error {
	if e.nack != nil {
		return e.nack(ctx)
	}
	return nil
}
