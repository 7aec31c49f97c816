// Package service ties subscriptions, matching and delivery together for
// each admitted kill event.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/matcher"
)

// KillmailConfig holds the global filters applied before any subscription work
type KillmailConfig struct {
	GlobalMinValue float64
	GlobalMaxAge   time.Duration
	ImmediateValue float64
}

// KillmailService is the worker pool handler for kill events
type KillmailService struct {
	subscriptions SubscriptionLister
	matcher       EventMatcher
	dispatcher    Dispatcher
	renderer      Renderer
	images        ImageStager
	config        KillmailConfig
	now           func() time.Time
	log           *zap.Logger
}

// NewKillmailService creates a new killmail service. renderer and images may
// be nil, in which case messages carry text only.
func NewKillmailService(subs SubscriptionLister, m EventMatcher, d Dispatcher, renderer Renderer, images ImageStager, config KillmailConfig, log *zap.Logger) *KillmailService {
	return &KillmailService{
		subscriptions: subs,
		matcher:       m,
		dispatcher:    d,
		renderer:      renderer,
		images:        images,
		config:        config,
		now:           time.Now,
		log:           log,
	}
}

// Process matches ev against every enabled subscription and hands one
// message per matching destination to the dispatcher.
func (s *KillmailService) Process(ctx context.Context, ev *domain.Event) error {
	if skip, reason := s.belowFloor(ev); skip {
		s.log.Debug("Skipping killmail", zap.Int64("kill_id", ev.ID), zap.String("reason", reason))
		return nil
	}

	subs, err := s.subscriptions.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	grouped := matcher.GroupByDestination(s.matcher.MatchAll(ctx, ev, subs))
	if len(grouped) == 0 {
		return nil
	}

	s.log.Info("Killmail matched",
		zap.Int64("kill_id", ev.ID),
		zap.Int("destinations", len(grouped)))

	image := s.render(ctx, ev)
	immediate := ev.TotalValue >= s.config.ImmediateValue

	for _, dm := range grouped {
		msg := domain.QueuedMessage{
			Content:    domain.Content{Text: RenderText(ev, dm.Result.Reasons)},
			Metadata:   domain.Metadata{URL: ev.URL(), KillID: ev.ID},
			EnqueuedAt: s.now(),
		}
		if len(image) > 0 && s.images != nil {
			path, err := s.images.Stage(ev.ID, image)
			if err != nil {
				s.log.Warn("Failed to stage image, sending text only",
					zap.Int64("kill_id", ev.ID),
					zap.Error(err))
			} else {
				msg.Content.ImagePath = path
				msg.Metadata.ImagePath = path
			}
		}

		s.dispatcher.Add(ctx, dm.Destination, msg, immediate)
	}
	return nil
}

func (s *KillmailService) belowFloor(ev *domain.Event) (bool, string) {
	if ev.TotalValue < s.config.GlobalMinValue {
		return true, "below global minimum value"
	}
	if s.config.GlobalMaxAge > 0 && !ev.Time.IsZero() && s.now().Sub(ev.Time) > s.config.GlobalMaxAge {
		return true, "older than global max age"
	}
	return false, ""
}

func (s *KillmailService) render(ctx context.Context, ev *domain.Event) []byte {
	if s.renderer == nil {
		return nil
	}
	data, err := s.renderer.Render(ctx, ev)
	if err != nil {
		s.log.Warn("Failed to render killmail image", zap.Int64("kill_id", ev.ID), zap.Error(err))
		return nil
	}
	return data
}

// RenderText builds the message body: the joined reasons, a summary line
// and the kill url.
func RenderText(ev *domain.Event, reasons []string) string {
	var b strings.Builder
	b.WriteString(strings.Join(reasons, " | "))
	b.WriteString("\n")

	b.WriteString(fmt.Sprintf("Kill #%d", ev.ID))
	if !ev.Time.IsZero() {
		b.WriteString(" at ")
		b.WriteString(ev.Time.UTC().Format("2006-01-02 15:04:05"))
	}
	b.WriteString(" | ")
	b.WriteString(matcher.FormatISK(ev.TotalValue))
	if n := len(ev.Attackers); n > 0 {
		b.WriteString(fmt.Sprintf(" | %d attackers", n))
	}
	b.WriteString("\n")

	b.WriteString(ev.URL())
	return b.String()
}
