package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/matcher"
)

// MockSubscriptionLister is a mock implementation of SubscriptionLister
type MockSubscriptionLister struct {
	mock.Mock
}

func (m *MockSubscriptionLister) List(ctx context.Context) ([]domain.Subscription, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Subscription), args.Error(1)
}

// MockEventMatcher is a mock implementation of EventMatcher
type MockEventMatcher struct {
	mock.Mock
}

func (m *MockEventMatcher) MatchAll(ctx context.Context, ev *domain.Event, subs []domain.Subscription) []matcher.Matched {
	args := m.Called(ctx, ev, subs)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]matcher.Matched)
}

// MockDispatcher is a mock implementation of Dispatcher
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Add(ctx context.Context, dest domain.DestinationKey, msg domain.QueuedMessage, immediate bool) {
	m.Called(ctx, dest, msg, immediate)
}

// MockRenderer is a mock implementation of Renderer
type MockRenderer struct {
	mock.Mock
}

func (m *MockRenderer) Render(ctx context.Context, ev *domain.Event) ([]byte, error) {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockImageStager is a mock implementation of ImageStager
type MockImageStager struct {
	mock.Mock
}

func (m *MockImageStager) Stage(killID int64, data []byte) (string, error) {
	args := m.Called(killID, data)
	return args.String(0), args.Error(1)
}

var (
	testNow  = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	groupA   = domain.DestinationKey{Platform: "OneBot V11", BotID: "1", SessionID: "100", SessionKind: "group"}
	privateB = domain.DestinationKey{Platform: "Telegram", BotID: "2", SessionID: "200", SessionKind: "private"}
)

func testConfig() KillmailConfig {
	return KillmailConfig{
		GlobalMinValue: 1_000_000,
		GlobalMaxAge:   240 * time.Hour,
		ImmediateValue: 8_000_000_000,
	}
}

func testEvent(value float64) *domain.Event {
	return &domain.Event{
		ID:         123,
		Time:       testNow.Add(-time.Hour),
		TotalValue: value,
		Attackers:  []domain.Attacker{{FinalBlow: true}},
	}
}

type testDeps struct {
	subs       *MockSubscriptionLister
	matcher    *MockEventMatcher
	dispatcher *MockDispatcher
}

func newTestService(renderer Renderer, images ImageStager) (*KillmailService, testDeps) {
	deps := testDeps{
		subs:       new(MockSubscriptionLister),
		matcher:    new(MockEventMatcher),
		dispatcher: new(MockDispatcher),
	}
	svc := NewKillmailService(deps.subs, deps.matcher, deps.dispatcher, renderer, images, testConfig(), zap.NewNop())
	svc.now = func() time.Time { return testNow }
	return svc, deps
}

func TestProcess_BelowGlobalFloorSkipsMatching(t *testing.T) {
	tests := []struct {
		name string
		ev   *domain.Event
	}{
		{"below min value", testEvent(999_999)},
		{"too old", &domain.Event{ID: 1, Time: testNow.Add(-241 * time.Hour), TotalValue: 5e9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, deps := newTestService(nil, nil)

			err := svc.Process(context.Background(), tt.ev)

			require.NoError(t, err)
			deps.subs.AssertNotCalled(t, "List", mock.Anything)
			deps.dispatcher.AssertNotCalled(t, "Add", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestProcess_MissingTimePassesAgeFloor(t *testing.T) {
	svc, deps := newTestService(nil, nil)
	ev := &domain.Event{ID: 9, TotalValue: 2e6}

	deps.subs.On("List", mock.Anything).Return([]domain.Subscription{}, nil)
	deps.matcher.On("MatchAll", mock.Anything, ev, mock.Anything).Return(nil)

	require.NoError(t, svc.Process(context.Background(), ev))
	deps.matcher.AssertExpectations(t)
}

func TestProcess_ListErrorFails(t *testing.T) {
	svc, deps := newTestService(nil, nil)
	deps.subs.On("List", mock.Anything).Return(nil, errors.New("db down"))

	err := svc.Process(context.Background(), testEvent(5e6))

	assert.Error(t, err)
	deps.dispatcher.AssertNotCalled(t, "Add", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_OneMessagePerDestination(t *testing.T) {
	svc, deps := newTestService(nil, nil)
	ev := testEvent(5e6)

	subs := []domain.Subscription{
		{ID: 1, Name: "alpha", Destination: groupA},
		{ID: 2, Name: "beta", Destination: groupA},
		{ID: 3, Name: "gamma", Destination: privateB},
	}
	deps.subs.On("List", mock.Anything).Return(subs, nil)
	deps.matcher.On("MatchAll", mock.Anything, ev, subs).Return([]matcher.Matched{
		{Subscription: &subs[0], Result: domain.MatchResult{Matched: true, Reasons: []string{"region: The Forge"}}},
		{Subscription: &subs[1], Result: domain.MatchResult{Matched: true, Reasons: []string{"victim ship: Rifter"}}},
		{Subscription: &subs[2], Result: domain.MatchResult{Matched: true}},
	})

	var sent []domain.QueuedMessage
	deps.dispatcher.On("Add", mock.Anything, groupA, mock.Anything, false).
		Run(func(args mock.Arguments) { sent = append(sent, args.Get(2).(domain.QueuedMessage)) }).
		Return().Once()
	deps.dispatcher.On("Add", mock.Anything, privateB, mock.Anything, false).Return().Once()

	require.NoError(t, svc.Process(context.Background(), ev))

	deps.dispatcher.AssertExpectations(t)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content.Text, "[alpha] | region: The Forge | [beta] | victim ship: Rifter")
	assert.Equal(t, "https://zkillboard.com/kill/123/", sent[0].Metadata.URL)
	assert.Equal(t, int64(123), sent[0].Metadata.KillID)
	assert.Equal(t, testNow, sent[0].EnqueuedAt)
}

func TestProcess_ImmediateAboveThreshold(t *testing.T) {
	svc, deps := newTestService(nil, nil)
	ev := testEvent(8_000_000_000)
	subs := []domain.Subscription{{ID: 1, Name: "high value kill", Destination: groupA}}

	deps.subs.On("List", mock.Anything).Return(subs, nil)
	deps.matcher.On("MatchAll", mock.Anything, ev, subs).Return([]matcher.Matched{
		{Subscription: &subs[0], Result: domain.MatchResult{Matched: true}},
	})
	deps.dispatcher.On("Add", mock.Anything, groupA, mock.Anything, true).Return().Once()

	require.NoError(t, svc.Process(context.Background(), ev))
	deps.dispatcher.AssertExpectations(t)
}

func TestProcess_StagesImagePerDestination(t *testing.T) {
	renderer := new(MockRenderer)
	images := new(MockImageStager)
	svc, deps := newTestService(renderer, images)
	ev := testEvent(5e6)
	subs := []domain.Subscription{
		{ID: 1, Name: "a", Destination: groupA},
		{ID: 2, Name: "b", Destination: privateB},
	}

	deps.subs.On("List", mock.Anything).Return(subs, nil)
	deps.matcher.On("MatchAll", mock.Anything, ev, subs).Return([]matcher.Matched{
		{Subscription: &subs[0], Result: domain.MatchResult{Matched: true}},
		{Subscription: &subs[1], Result: domain.MatchResult{Matched: true}},
	})
	renderer.On("Render", mock.Anything, ev).Return([]byte("png"), nil).Once()
	images.On("Stage", int64(123), []byte("png")).Return("/tmp/km_123_1.img", nil).Twice()
	deps.dispatcher.On("Add", mock.Anything, mock.Anything, mock.MatchedBy(func(msg domain.QueuedMessage) bool {
		return msg.Metadata.ImagePath == "/tmp/km_123_1.img" && msg.Content.ImagePath == "/tmp/km_123_1.img"
	}), false).Return().Twice()

	require.NoError(t, svc.Process(context.Background(), ev))

	renderer.AssertExpectations(t)
	images.AssertExpectations(t)
	deps.dispatcher.AssertExpectations(t)
}

func TestProcess_RenderFailureFallsBackToText(t *testing.T) {
	renderer := new(MockRenderer)
	images := new(MockImageStager)
	svc, deps := newTestService(renderer, images)
	ev := testEvent(5e6)
	subs := []domain.Subscription{{ID: 1, Name: "a", Destination: groupA}}

	deps.subs.On("List", mock.Anything).Return(subs, nil)
	deps.matcher.On("MatchAll", mock.Anything, ev, subs).Return([]matcher.Matched{
		{Subscription: &subs[0], Result: domain.MatchResult{Matched: true}},
	})
	renderer.On("Render", mock.Anything, ev).Return(nil, errors.New("browser crashed"))
	deps.dispatcher.On("Add", mock.Anything, groupA, mock.MatchedBy(func(msg domain.QueuedMessage) bool {
		return msg.Metadata.ImagePath == ""
	}), false).Return().Once()

	require.NoError(t, svc.Process(context.Background(), ev))

	images.AssertNotCalled(t, "Stage", mock.Anything, mock.Anything)
	deps.dispatcher.AssertExpectations(t)
}

func TestRenderText(t *testing.T) {
	ev := &domain.Event{
		ID:         42,
		Time:       time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC),
		TotalValue: 30_000_000_000,
		Attackers:  []domain.Attacker{{}, {}},
	}

	text := RenderText(ev, []string{"[big]", "value: 30,000,000,000 ISK"})

	assert.Equal(t,
		"[big] | value: 30,000,000,000 ISK\n"+
			"Kill #42 at 2025-03-01 08:30:00 | 30,000,000,000 ISK | 2 attackers\n"+
			"https://zkillboard.com/kill/42/",
		text)
}
