package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/metrics"
)

// MockDeduper is a mock implementation of Deduper
type MockDeduper struct {
	mock.Mock
}

func (m *MockDeduper) Seen(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeduper) Mark(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// fakeSource emits its events once started and blocks until cancelled
type fakeSource struct {
	events  []*domain.Event
	enqueue func(context.Context, *domain.Event)
	err     error
	stopped atomic.Bool
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Start(ctx context.Context) error {
	for _, ev := range s.events {
		s.enqueue(ctx, ev)
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

func (s *fakeSource) Stop() { s.stopped.Store(true) }

func newTestConsumer(handler Handler, dedup Deduper, failOpen bool) (*Consumer, *Queue) {
	q := newTestQueue()
	pool := NewWorkerPool(q, handler, dedup, testPoolConfig(), metrics.NewNop(), zap.NewNop())
	return NewConsumer(q, pool, dedup, Config{DedupFailOpen: failOpen}, metrics.NewNop(), zap.NewNop()), q
}

func TestConsumer_Enqueue_DropsSeenEvents(t *testing.T) {
	dedup := newTestDedup()
	require.NoError(t, dedup.Mark(context.Background(), 10))
	c, q := newTestConsumer(new(MockHandler), dedup, true)

	c.Enqueue(context.Background(), &domain.Event{ID: 10})
	c.Enqueue(context.Background(), &domain.Event{ID: 11})

	assert.Equal(t, 1, q.Len())
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Admitted)
	assert.Equal(t, int64(1), stats.Duplicates)
}

func TestConsumer_Enqueue_DedupFailure(t *testing.T) {
	tests := []struct {
		name     string
		failOpen bool
		queued   int
	}{
		{"fail open admits", true, 1},
		{"fail closed drops", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dedup := new(MockDeduper)
			dedup.On("Seen", mock.Anything, int64(12)).Return(false, errors.New("store unavailable"))

			c, q := newTestConsumer(new(MockHandler), dedup, tt.failOpen)
			c.Enqueue(context.Background(), &domain.Event{ID: 12})

			assert.Equal(t, tt.queued, q.Len())
			dedup.AssertExpectations(t)
		})
	}
}

func TestConsumer_Enqueue_AckMarksSeen(t *testing.T) {
	dedup := newTestDedup()
	c, q := newTestConsumer(new(MockHandler), dedup, true)

	c.Enqueue(context.Background(), &domain.Event{ID: 13})
	env, ok := q.Get(context.Background(), time.Millisecond)
	require.True(t, ok)

	seen, _ := dedup.Seen(context.Background(), 13)
	assert.False(t, seen, "admission alone does not mark the id")

	require.NoError(t, env.Ack(context.Background()))
	seen, _ = dedup.Seen(context.Background(), 13)
	assert.True(t, seen)
	assert.NoError(t, env.Nack(context.Background()))
}

func TestConsumer_Run_ProcessesAndShutsDown(t *testing.T) {
	dedup := newTestDedup()
	handler := new(MockHandler)
	handler.On("Process", mock.Anything, mock.Anything).Return(nil)

	c, _ := newTestConsumer(handler, dedup, true)
	src := &fakeSource{
		events:  []*domain.Event{{ID: 1}, {ID: 2}, {ID: 1}},
		enqueue: c.Enqueue,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, src) }()

	assert.Eventually(t, func() bool { return c.Stats().Pool.Processed == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Graceful shutdown took too long")
	}

	assert.True(t, src.stopped.Load())
	assert.Equal(t, "fake", c.Stats().Transport)
	handler.AssertNumberOfCalls(t, "Process", 2)
}

func TestConsumer_Run_ReturnsSourceError(t *testing.T) {
	c, _ := newTestConsumer(new(MockHandler), newTestDedup(), true)
	src := &fakeSource{err: errors.New("dial refused"), enqueue: c.Enqueue}

	err := c.Run(context.Background(), src)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial refused")
	assert.True(t, src.stopped.Load())
}
