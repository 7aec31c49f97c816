package sqs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	envConfig "github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/queue"
)

// Client publishes outbound chat messages to SQS
type Client struct {
	client queue.MessagePublisher
	config envConfig.SQS
	merge  map[string]bool
	log    *zap.Logger
}

// NewClient creates a new SQS client
func NewClient(ctx context.Context, SQSConfig envConfig.SQS, log *zap.Logger) (*Client, error) {
	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(SQSConfig.Region),
	}

	var clientOpts []func(*sqs.Options)

	// Configure for local development with ElasticMQ
	if SQSConfig.Endpoint != "" {
		log.Info("Configuring SQS for local development",
			zap.String("endpoint", SQSConfig.Endpoint))
		configOpts = append(configOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))

		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(SQSConfig.Endpoint)
		})
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.Info("SQS client created",
		zap.String("region", SQSConfig.Region),
		zap.String("queue_url", SQSConfig.QueueURL),
		zap.Strings("merge_platforms", SQSConfig.MergePlatforms))

	return NewWithPublisher(sqs.NewFromConfig(cfg, clientOpts...), SQSConfig, log), nil
}

// NewWithPublisher wraps an existing publisher
func NewWithPublisher(publisher queue.MessagePublisher, SQSConfig envConfig.SQS, log *zap.Logger) *Client {
	merge := make(map[string]bool, len(SQSConfig.MergePlatforms))
	for _, p := range SQSConfig.MergePlatforms {
		merge[p] = true
	}
	return &Client{
		client: publisher,
		config: SQSConfig,
		merge:  merge,
		log:    log,
	}
}

// QueueURL returns the configured queue URL
func (c *Client) QueueURL() string {
	return c.config.QueueURL
}

// SupportsMerge reports whether the platform can display merged forwards
func (c *Client) SupportsMerge(platform string) bool {
	return c.merge[platform]
}

// Send publishes a single message
func (c *Client) Send(ctx context.Context, dest domain.DestinationKey, msg domain.QueuedMessage) (string, error) {
	return c.publish(ctx, dest, false, []domain.QueuedMessage{msg})
}

// SendMerged publishes msgs as one forwarded message
func (c *Client) SendMerged(ctx context.Context, dest domain.DestinationKey, msgs []domain.QueuedMessage) (string, error) {
	return c.publish(ctx, dest, true, msgs)
}

func (c *Client) publish(ctx context.Context, dest domain.DestinationKey, merged bool, msgs []domain.QueuedMessage) (string, error) {
	body := queue.OutboundMessage{
		Platform:    dest.Platform,
		BotID:       dest.BotID,
		SessionID:   dest.SessionID,
		SessionKind: dest.SessionKind,
		Merged:      merged,
		Items:       make([]queue.OutboundItem, 0, len(msgs)),
	}
	for _, msg := range msgs {
		body.Items = append(body.Items, queue.OutboundItem{
			Text:  msg.Content.Text,
			Image: c.encodeImage(msg.Metadata.ImagePath),
			URL:   msg.Metadata.URL,
		})
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal outbound message: %w", err)
	}

	out, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.config.QueueURL),
		MessageBody: aws.String(string(bodyJSON)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Platform": {
				DataType:    aws.String("String"),
				StringValue: aws.String(dest.Platform),
			},
			"SessionKind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(dest.SessionKind),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message to SQS: %w", err)
	}

	id := aws.ToString(out.MessageId)
	c.log.Debug("Outbound message published",
		zap.String("destination", dest.String()),
		zap.Bool("merged", merged),
		zap.Int("items", len(msgs)),
		zap.String("message_id", id))

	return id, nil
}

// encodeImage inlines a staged image. A missing file degrades to text only.
func (c *Client) encodeImage(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Warn("Failed to read staged image", zap.String("path", path), zap.Error(err))
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}
