package store

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Dedup records which event ids have already been processed
type Dedup struct {
	store Store
	ttl   time.Duration
}

func NewDedup(s Store, ttl time.Duration) *Dedup {
	return &Dedup{store: s, ttl: ttl}
}

func dedupKey(id int64) string {
	return "dedup:killmail:" + strconv.FormatInt(id, 10)
}

// Seen reports whether id was marked within the retention window
func (d *Dedup) Seen(ctx context.Context, id int64) (bool, error) {
	return d.store.Exists(ctx, dedupKey(id))
}

// Mark records id as processed for the retention window
func (d *Dedup) Mark(ctx context.Context, id int64) error {
	return d.store.Set(ctx, dedupKey(id), []byte("1"), d.ttl)
}

// Checkpoint persists the cursor of a cursor-paged feed
type Checkpoint struct {
	store Store
	key   string
	now   func() time.Time
}

type checkpointValue struct {
	Sequence  int64     `json:"sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewCheckpoint(s Store, name string) *Checkpoint {
	return &Checkpoint{store: s, key: "checkpoint:" + name, now: time.Now}
}

// Load returns the saved sequence; ok is false when none was saved
func (c *Checkpoint) Load(ctx context.Context) (seq int64, ok bool, err error) {
	var v checkpointValue
	ok, err = GetJSON(ctx, c.store, c.key, &v)
	if err != nil || !ok {
		return 0, false, err
	}
	return v.Sequence, true, nil
}

// Save persists seq without expiry
func (c *Checkpoint) Save(ctx context.Context, seq int64) error {
	return SetJSON(ctx, c.store, c.key, checkpointValue{Sequence: seq, UpdatedAt: c.now().UTC()}, 0)
}

// MessageRefs maps outbound chat message ids back to the kill they describe.
// The chat-side "show more detail" command reads them.
type MessageRefs struct {
	store Store
	ttl   time.Duration
}

func NewMessageRefs(s Store, ttl time.Duration) *MessageRefs {
	return &MessageRefs{store: s, ttl: ttl}
}

func messageRefKey(platform, messageID string) string {
	return fmt.Sprintf("msgref:%s:%s", platform, messageID)
}

// Save records that messageID on platform points to url
func (r *MessageRefs) Save(ctx context.Context, platform, messageID, url string) error {
	if messageID == "" || url == "" {
		return nil
	}
	return r.store.Set(ctx, messageRefKey(platform, messageID), []byte(url), r.ttl)
}

// Lookup returns the url for messageID, or "" when unknown
func (r *MessageRefs) Lookup(ctx context.Context, platform, messageID string) (string, error) {
	val, err := r.store.Get(ctx, messageRefKey(platform, messageID))
	if err != nil {
		return "", err
	}
	return string(val), nil
}
