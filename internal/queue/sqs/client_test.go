package sqs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	envConfig "github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/queue"
)

// MockPublisher is a mock implementation of queue.MessagePublisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.SendMessageOutput), args.Error(1)
}

var testDest = domain.DestinationKey{Platform: "OneBot V11", BotID: "10001", SessionID: "555", SessionKind: "group"}

func newTestClient(publisher *MockPublisher) *Client {
	return NewWithPublisher(publisher, envConfig.SQS{
		QueueURL:       "http://localhost:9324/queue/outbound",
		Region:         "us-east-1",
		MergePlatforms: []string{"OneBot V11"},
	}, zap.NewNop())
}

func decodeBody(t *testing.T, input *sqs.SendMessageInput) queue.OutboundMessage {
	t.Helper()
	var body queue.OutboundMessage
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(input.MessageBody)), &body))
	return body
}

func TestClient_SupportsMerge(t *testing.T) {
	c := newTestClient(new(MockPublisher))

	assert.True(t, c.SupportsMerge("OneBot V11"))
	assert.False(t, c.SupportsMerge("Telegram"))
}

func TestClient_Send(t *testing.T) {
	publisher := new(MockPublisher)
	c := newTestClient(publisher)

	var captured *sqs.SendMessageInput
	publisher.On("SendMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).(*sqs.SendMessageInput) }).
		Return(&sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil)

	id, err := c.Send(context.Background(), testDest, domain.QueuedMessage{
		Content:  domain.Content{Text: "hello"},
		Metadata: domain.Metadata{URL: "https://zkillboard.com/kill/1/", KillID: 1},
	})

	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	assert.Equal(t, "http://localhost:9324/queue/outbound", aws.ToString(captured.QueueUrl))
	assert.Equal(t, "OneBot V11", aws.ToString(captured.MessageAttributes["Platform"].StringValue))
	assert.Equal(t, "group", aws.ToString(captured.MessageAttributes["SessionKind"].StringValue))

	body := decodeBody(t, captured)
	assert.False(t, body.Merged)
	assert.Equal(t, "555", body.SessionID)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "hello", body.Items[0].Text)
	assert.Equal(t, "https://zkillboard.com/kill/1/", body.Items[0].URL)
	assert.Empty(t, body.Items[0].Image)
}

func TestClient_SendMergedInlinesImages(t *testing.T) {
	publisher := new(MockPublisher)
	c := newTestClient(publisher)

	path := filepath.Join(t.TempDir(), "km_2_1.img")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0o644))

	var captured *sqs.SendMessageInput
	publisher.On("SendMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).(*sqs.SendMessageInput) }).
		Return(&sqs.SendMessageOutput{MessageId: aws.String("fwd-1")}, nil)

	id, err := c.SendMerged(context.Background(), testDest, []domain.QueuedMessage{
		{Content: domain.Content{Text: "a"}, Metadata: domain.Metadata{URL: "u1"}},
		{Content: domain.Content{Text: "b"}, Metadata: domain.Metadata{URL: "u2", ImagePath: path}},
		{Content: domain.Content{Text: "c"}, Metadata: domain.Metadata{URL: "u3", ImagePath: "/missing/file.img"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "fwd-1", id)

	body := decodeBody(t, captured)
	assert.True(t, body.Merged)
	require.Len(t, body.Items, 3)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), body.Items[1].Image)
	assert.Empty(t, body.Items[2].Image)
}

func TestClient_SendError(t *testing.T) {
	publisher := new(MockPublisher)
	c := newTestClient(publisher)
	publisher.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	_, err := c.Send(context.Background(), testDest, domain.QueuedMessage{})

	assert.ErrorContains(t, err, "failed to send message to SQS")
}
