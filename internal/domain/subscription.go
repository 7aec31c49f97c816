package domain

import (
	"fmt"
	"strings"
	"time"
)

// DestinationKey identifies one chat session on one bot of one platform
type DestinationKey struct {
	Platform    string `json:"platform"`
	BotID       string `json:"bot_id"`
	SessionID   string `json:"session_id"`
	SessionKind string `json:"session_kind"`
}

func (k DestinationKey) String() string {
	return strings.Join([]string{k.Platform, k.BotID, k.SessionID, k.SessionKind}, ":")
}

// Subscription is a user-owned matching rule bound to a destination
type Subscription struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Destination DestinationKey `json:"destination"`
	Enabled     bool           `json:"enabled"`
	MinValue    float64        `json:"min_value"`
	MaxAgeDays  *int           `json:"max_age_days,omitempty"`
	Conditions  ConditionTree  `json:"conditions"`
}

// MaxAge returns the age limit, or zero when unset
func (s *Subscription) MaxAge() time.Duration {
	if s.MaxAgeDays == nil || *s.MaxAgeDays <= 0 {
		return 0
	}
	return time.Duration(*s.MaxAgeDays) * 24 * time.Hour
}

// MatchResult is the outcome of evaluating one subscription against one event
type MatchResult struct {
	Matched bool     `json:"matched"`
	Reasons []string `json:"reasons,omitempty"`
}

// Content is the rendered payload of an outbound message
type Content struct {
	Text      string `json:"text"`
	ImagePath string `json:"image_path,omitempty"`
}

// Metadata links an outbound message back to its source event
type Metadata struct {
	URL       string `json:"url"`
	KillID    int64  `json:"kill_id"`
	ImagePath string `json:"image_path,omitempty"`
}

// QueuedMessage is a rendered message waiting in a delivery buffer
type QueuedMessage struct {
	Content    Content   `json:"content"`
	Metadata   Metadata  `json:"metadata"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// PushRecord is the audit row written for every admitted message
type PushRecord struct {
	Destination DestinationKey `ch:"-"`
	KillID      int64          `ch:"killmail_id"`
	PushedAt    time.Time      `ch:"pushed_at"`
}

func (r PushRecord) String() string {
	return fmt.Sprintf("%s#%d", r.Destination, r.KillID)
}
