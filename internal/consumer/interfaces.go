package consumer

import (
	"context"

	"github.com/zifox666/xiaobawang/internal/domain"
)

// Handler processes one admitted event
type Handler interface {
	Process(ctx context.Context, ev *domain.Event) error
}

// Deduper remembers which killmail ids were already processed
type Deduper interface {
	Seen(ctx context.Context, id int64) (bool, error)
	Mark(ctx context.Context, id int64) error
}
