package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
)

func subscriptionRowColumns() []string {
	return []string{"id", "platform", "bot_id", "session_id", "session_type", "name", "description",
		"is_enabled", "min_value", "max_age_days", "condition_groups"}
}

func newTestRepository(t *testing.T) (*SubscriptionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSubscriptionRepository(db, zap.NewNop()), mock
}

func TestSubscriptionRepository_ListEnabled(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryListEnabled)).
		WillReturnRows(sqlmock.NewRows(subscriptionRowColumns()).
			AddRow(int64(1), "OneBot V11", "10001", "555", "group", "goons", "", true, 1e9, nil,
				[]byte(`{"logic":"and","conditions":[{"type":"entity","entity_type":"alliance","entity_id":1354830081,"role":"victim"}]}`)).
			AddRow(int64(2), "OneBot V11", "10001", "555", "group", "broken", "", true, 0.0, nil,
				[]byte(`{"logic":"XOR","conditions":[]}`)).
			AddRow(int64(3), "Telegram", "bot", "42", "private", "all", "desc", true, 0.0, int64(3),
				[]byte(`null`)))

	subs, err := repo.ListEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2, "row with invalid conditions is skipped")

	assert.Equal(t, int64(1), subs[0].ID)
	assert.Equal(t, domain.DestinationKey{Platform: "OneBot V11", BotID: "10001", SessionID: "555", SessionKind: "group"}, subs[0].Destination)
	assert.Equal(t, domain.LogicAnd, subs[0].Conditions.Logic)
	require.Len(t, subs[0].Conditions.Conditions, 1)
	assert.Equal(t, domain.RoleVictim, subs[0].Conditions.Conditions[0].Entity.Role)
	assert.Nil(t, subs[0].MaxAgeDays)

	assert.Equal(t, int64(3), subs[1].ID)
	require.NotNil(t, subs[1].MaxAgeDays)
	assert.Equal(t, 3, *subs[1].MaxAgeDays)
	assert.True(t, subs[1].Conditions.Empty())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepository_ListEnabled_QueryError(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectQuery(regexp.QuoteMeta(queryListEnabled)).WillReturnError(errors.New("connection reset"))

	_, err := repo.ListEnabled(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query subscriptions")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepository_ListByDestination(t *testing.T) {
	repo, mock := newTestRepository(t)
	dest := domain.DestinationKey{Platform: "OneBot V11", BotID: "10001", SessionID: "555", SessionKind: "group"}

	mock.ExpectQuery(regexp.QuoteMeta(queryListByDestination)).
		WithArgs("OneBot V11", "10001", "555", "group").
		WillReturnRows(sqlmock.NewRows(subscriptionRowColumns()).
			AddRow(int64(9), "OneBot V11", "10001", "555", "group", "paused", "", false, 0.0, nil, []byte(`{}`)))

	subs, err := repo.ListByDestination(context.Background(), dest)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.False(t, subs[0].Enabled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepository_Create(t *testing.T) {
	repo, mock := newTestRepository(t)
	days := 2
	sub := &domain.Subscription{
		Name:        "high value kill",
		Destination: domain.DestinationKey{Platform: "OneBot V11", BotID: "1", SessionID: "2", SessionKind: "group"},
		Enabled:     true,
		MinValue:    1.5e9,
		MaxAgeDays:  &days,
	}

	mock.ExpectQuery(regexp.QuoteMeta(queryCreateSubscription)).
		WithArgs("OneBot V11", "1", "2", "group", "high value kill", "", true, 1.5e9, int64(2),
			[]byte(`{"logic":"AND","conditions":[]}`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(77)))

	id, err := repo.Create(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
	assert.Equal(t, int64(77), sub.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepository_CreateRejectsInvalidTree(t *testing.T) {
	repo, mock := newTestRepository(t)
	sub := &domain.Subscription{Conditions: domain.ConditionTree{Logic: "XOR"}}

	_, err := repo.Create(context.Background(), sub)
	require.ErrorIs(t, err, domain.ErrInvalidCondition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepository_LegacyTables(t *testing.T) {
	repo, mock := newTestRepository(t)
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryTableExists)).
		WithArgs("killmail_high_value_subscription").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(queryLegacyHighValue)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "platform", "bot_id", "session_id", "session_type", "is_enabled", "min_value", "created_at", "updated_at"}).
			AddRow(int64(1), "OneBot V11", "1", "2", "group", true, 1.5e9, created, created))

	mock.ExpectQuery(regexp.QuoteMeta(queryTableExists)).
		WithArgs("killmail_condition_subscription").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	hv, err := repo.ListLegacyHighValue(context.Background())
	require.NoError(t, err)
	require.Len(t, hv, 1)
	assert.Equal(t, 1.5e9, hv[0].MinValue)
	assert.Equal(t, "group", hv[0].Destination.SessionKind)

	cond, err := repo.ListLegacyCondition(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cond)

	require.NoError(t, mock.ExpectationsWereMet())
}
