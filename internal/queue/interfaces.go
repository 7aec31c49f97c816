// Package queue holds the outbound message queue contracts shared by the
// chat delivery senders.
package queue

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// MessagePublisher is the subset of the SQS API used to publish outbound
// chat messages
type MessagePublisher interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// OutboundItem is one rendered kill message inside an outbound payload
type OutboundItem struct {
	Text string `json:"text"`
	// Image is the staged image encoded as standard base64
	Image string `json:"image,omitempty"`
	URL   string `json:"url"`
}

// OutboundMessage is the JSON body consumed by the chat bots
type OutboundMessage struct {
	Platform    string         `json:"platform"`
	BotID       string         `json:"bot_id"`
	SessionID   string         `json:"session_id"`
	SessionKind string         `json:"session_kind"`
	Merged      bool           `json:"merged"`
	Items       []OutboundItem `json:"items"`
}
