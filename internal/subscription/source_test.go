package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
)

// MockLister is a mock implementation of Lister
type MockLister struct {
	mock.Mock
}

func (m *MockLister) ListEnabled(ctx context.Context) ([]domain.Subscription, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Subscription), args.Error(1)
}

func newTestSource(lister Lister) (*Source, *time.Time) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSource(lister, 5*time.Minute, zap.NewNop())
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSource_CachesWithinTTL(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListEnabled", mock.Anything).Return([]domain.Subscription{{ID: 1}}, nil).Once()

	src, _ := newTestSource(lister)

	subs, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	_, err = src.List(context.Background())
	require.NoError(t, err)

	lister.AssertNumberOfCalls(t, "ListEnabled", 1)
}

func TestSource_ReloadsAfterTTL(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListEnabled", mock.Anything).Return([]domain.Subscription{{ID: 1}}, nil).Once()
	lister.On("ListEnabled", mock.Anything).Return([]domain.Subscription{{ID: 1}, {ID: 2}}, nil).Once()

	src, now := newTestSource(lister)

	_, err := src.List(context.Background())
	require.NoError(t, err)

	*now = now.Add(5 * time.Minute)
	subs, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, subs, 2)
	lister.AssertExpectations(t)
}

func TestSource_InvalidateForcesReload(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListEnabled", mock.Anything).Return([]domain.Subscription{{ID: 1}}, nil).Twice()

	src, _ := newTestSource(lister)

	_, err := src.List(context.Background())
	require.NoError(t, err)
	src.Invalidate()
	_, err = src.List(context.Background())
	require.NoError(t, err)

	lister.AssertNumberOfCalls(t, "ListEnabled", 2)
}

func TestSource_InvalidateDuringRefreshForcesReload(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	lister := new(MockLister)
	lister.On("ListEnabled", mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return([]domain.Subscription{{ID: 1, Name: "before"}}, nil).Once()
	lister.On("ListEnabled", mock.Anything).
		Return([]domain.Subscription{{ID: 1, Name: "after"}}, nil).Once()

	src, _ := newTestSource(lister)

	first := make(chan []domain.Subscription, 1)
	go func() {
		subs, _ := src.List(context.Background())
		first <- subs
	}()

	<-started
	// a commit lands while the first read is still in flight
	src.Invalidate()
	close(release)
	require.Equal(t, "before", (<-first)[0].Name)

	subs, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "after", subs[0].Name)
	lister.AssertNumberOfCalls(t, "ListEnabled", 2)
}

func TestSource_ListAfterInvalidateSkipsInFlightRefresh(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	lister := new(MockLister)
	lister.On("ListEnabled", mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return([]domain.Subscription{{ID: 1, Name: "before"}}, nil).Once()
	lister.On("ListEnabled", mock.Anything).
		Return([]domain.Subscription{{ID: 1, Name: "after"}}, nil).Once()

	src, _ := newTestSource(lister)

	go func() { _, _ = src.List(context.Background()) }()
	<-started
	src.Invalidate()

	subs, err := src.List(context.Background())
	close(release)

	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "after", subs[0].Name)
}

func TestSource_ServesStaleOnRefreshError(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListEnabled", mock.Anything).Return([]domain.Subscription{{ID: 1}}, nil).Once()
	lister.On("ListEnabled", mock.Anything).Return(nil, errors.New("db down"))

	src, _ := newTestSource(lister)

	_, err := src.List(context.Background())
	require.NoError(t, err)
	src.Invalidate()

	subs, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, int64(1), subs[0].ID)
}

func TestSource_ErrorWithoutSnapshot(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListEnabled", mock.Anything).Return(nil, errors.New("db down"))

	src, _ := newTestSource(lister)

	_, err := src.List(context.Background())
	assert.Error(t, err)
}

func TestSource_ConcurrentListCollapses(t *testing.T) {
	release := make(chan struct{})
	lister := new(MockLister)
	lister.On("ListEnabled", mock.Anything).
		After(50*time.Millisecond).
		Return([]domain.Subscription{{ID: 1}}, nil)

	src, _ := newTestSource(lister)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			_, _ = src.List(context.Background())
		}()
	}
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, len(lister.Calls), 2)
}

func TestSource_WatchInvalidates(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListEnabled", mock.Anything).Return([]domain.Subscription{}, nil)

	src, _ := newTestSource(lister)
	_, err := src.List(context.Background())
	require.NoError(t, err)

	notifications := make(chan string)
	done := make(chan struct{})
	go func() {
		src.Watch(context.Background(), notifications)
		close(done)
	}()

	notifications <- "INSERT"
	close(notifications)
	<-done

	_, err = src.List(context.Background())
	require.NoError(t, err)
	lister.AssertNumberOfCalls(t, "ListEnabled", 2)
}
