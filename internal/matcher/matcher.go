// Package matcher evaluates subscription condition trees against kill events.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/metrics"
	"github.com/zifox666/xiaobawang/internal/universe"
)

var errNoResolver = errors.New("no universe resolver configured")

var printer = message.NewPrinter(language.English)

// FormatISK renders a value with digit grouping, e.g. "30,000,000,000 ISK"
func FormatISK(v float64) string {
	return printer.Sprintf("%d ISK", int64(math.Round(v)))
}

// Matched pairs a subscription with its successful result
type Matched struct {
	Subscription *domain.Subscription
	Result       domain.MatchResult
}

type Config struct {
	// Concurrency caps how many subscriptions are evaluated at once per event
	Concurrency int
}

type Matcher struct {
	resolver    universe.Resolver
	concurrency int
	metrics     *metrics.Metrics
	now         func() time.Time
	log         *zap.Logger
}

func New(resolver universe.Resolver, cfg Config, m *metrics.Metrics, log *zap.Logger) *Matcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 100
	}
	return &Matcher{
		resolver:    resolver,
		concurrency: cfg.Concurrency,
		metrics:     m,
		now:         time.Now,
		log:         log.Named("matcher"),
	}
}

// evaluation holds per-event state shared by every subscription
type evaluation struct {
	ev     *domain.Event
	now    time.Time
	locate func() (domain.Location, error)
}

func (m *Matcher) newEvaluation(ctx context.Context, ev *domain.Event) *evaluation {
	return &evaluation{
		ev:  ev,
		now: m.now(),
		locate: sync.OnceValues(func() (domain.Location, error) {
			if m.resolver == nil {
				return domain.Location{}, errNoResolver
			}
			return m.resolver.Locate(ctx, ev.SolarSystemID)
		}),
	}
}

// Match evaluates a single subscription. Evaluation never mutates ev or sub.
func (m *Matcher) Match(ctx context.Context, ev *domain.Event, sub *domain.Subscription) (domain.MatchResult, error) {
	return m.newEvaluation(ctx, ev).subscription(sub)
}

// MatchAll evaluates subs against ev with bounded concurrency and returns the
// matching ones in input order. A failing subscription counts as no match.
func (m *Matcher) MatchAll(ctx context.Context, ev *domain.Event, subs []domain.Subscription) []Matched {
	e := m.newEvaluation(ctx, ev)
	results := make([]*domain.MatchResult, len(subs))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i := range subs {
		g.Go(func() error {
			res, err := e.safeSubscription(&subs[i])
			if err != nil {
				m.metrics.MatchErrors.Inc()
				m.log.Warn("Subscription evaluation failed",
					zap.Int64("subscription_id", subs[i].ID),
					zap.Int64("killmail_id", ev.ID),
					zap.Error(err))
				return nil
			}
			if res.Matched {
				results[i] = &res
			}
			return nil
		})
	}
	_ = g.Wait()

	var matched []Matched
	for i, res := range results {
		if res != nil {
			matched = append(matched, Matched{Subscription: &subs[i], Result: *res})
		}
	}
	m.metrics.Matches.Add(float64(len(matched)))
	return matched
}

func (e *evaluation) safeSubscription(sub *domain.Subscription) (res domain.MatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic evaluating subscription: %v", r)
		}
	}()
	return e.subscription(sub)
}

func (e *evaluation) subscription(sub *domain.Subscription) (domain.MatchResult, error) {
	if !sub.Enabled {
		return domain.MatchResult{}, nil
	}
	if e.ev.TotalValue < sub.MinValue {
		return domain.MatchResult{}, nil
	}
	if maxAge := sub.MaxAge(); maxAge > 0 && !e.ev.Time.IsZero() && e.now.Sub(e.ev.Time) > maxAge {
		return domain.MatchResult{}, nil
	}

	ok, reasons, err := e.tree(&sub.Conditions)
	if err != nil || !ok {
		return domain.MatchResult{}, err
	}
	return domain.MatchResult{Matched: true, Reasons: reasons}, nil
}

// tree evaluates a group. Reasons are returned only when the group matched.
func (e *evaluation) tree(t *domain.ConditionTree) (bool, []string, error) {
	if t.Empty() {
		return true, nil, nil
	}

	var reasons []string
	matchedAny := false

	for i := range t.Conditions {
		ok, reason, err := e.leaf(&t.Conditions[i])
		if err != nil {
			return false, nil, err
		}
		if ok {
			matchedAny = true
			if reason != "" {
				reasons = append(reasons, reason)
			}
		} else if t.Logic != domain.LogicOr {
			return false, nil, nil
		}
	}

	for i := range t.Groups {
		ok, sub, err := e.tree(&t.Groups[i])
		if err != nil {
			return false, nil, err
		}
		if ok {
			matchedAny = true
			reasons = append(reasons, sub...)
		} else if t.Logic != domain.LogicOr {
			return false, nil, nil
		}
	}

	if t.Logic == domain.LogicOr && !matchedAny {
		return false, nil, nil
	}
	return true, reasons, nil
}

func (e *evaluation) leaf(l *domain.ConditionLeaf) (bool, string, error) {
	switch l.Kind {
	case domain.LeafEntity:
		return e.entity(l.Entity)
	case domain.LeafLabel:
		ok, reason := e.label(l.Label)
		return ok, reason, nil
	case domain.LeafValue:
		ok, reason := e.value(l.Value)
		return ok, reason, nil
	default:
		return false, "", fmt.Errorf("unknown leaf kind %q", l.Kind)
	}
}

func displayName(c *domain.EntityCondition) string {
	if c.EntityName != "" {
		return c.EntityName
	}
	return strconv.FormatInt(c.EntityID, 10)
}

func (e *evaluation) entity(c *domain.EntityCondition) (bool, string, error) {
	name := displayName(c)

	switch c.EntityType {
	case domain.EntitySystem:
		if e.ev.SolarSystemID == c.EntityID {
			return true, "system: " + name, nil
		}
		return false, "", nil

	case domain.EntityConstellation, domain.EntityRegion:
		loc, err := e.locate()
		if err != nil {
			return false, "", fmt.Errorf("locate system %d: %w", e.ev.SolarSystemID, err)
		}
		target := loc.RegionID
		if c.EntityType == domain.EntityConstellation {
			target = loc.ConstellationID
		}
		if target == c.EntityID {
			return true, string(c.EntityType) + ": " + name, nil
		}
		return false, "", nil

	case domain.EntityShip:
		if c.ShipRole == domain.ShipRoleFinalBlow {
			if fb := e.ev.FinalBlow(); fb != nil && fb.ShipTypeID == c.EntityID {
				return true, "final blow ship: " + name, nil
			}
			return false, "", nil
		}
		if e.ev.Victim.ShipTypeID == c.EntityID {
			return true, "victim ship: " + name, nil
		}
		return false, "", nil

	case domain.EntityCharacter, domain.EntityCorporation, domain.EntityAlliance:
		prefix := "[" + string(c.EntityType) + "] "
		switch c.Role {
		case domain.RoleVictim:
			if identity(e.ev.Victim, c.EntityType) == c.EntityID {
				return true, prefix + "loss: " + name, nil
			}
		case domain.RoleFinalBlow:
			if fb := e.ev.FinalBlow(); fb != nil && identity(fb.Participant, c.EntityType) == c.EntityID {
				return true, prefix + "final blow: " + name, nil
			}
		case domain.RoleAnyAttacker:
			for _, a := range e.ev.Attackers {
				if identity(a.Participant, c.EntityType) == c.EntityID {
					return true, prefix + "involved: " + name, nil
				}
			}
		}
		return false, "", nil

	default:
		return false, "", fmt.Errorf("unknown entity type %q", c.EntityType)
	}
}

func identity(p domain.Participant, t domain.EntityType) int64 {
	switch t {
	case domain.EntityCharacter:
		return p.CharacterID
	case domain.EntityCorporation:
		return p.CorporationID
	case domain.EntityAlliance:
		return p.AllianceID
	}
	return 0
}

func (e *evaluation) label(c *domain.LabelCondition) (bool, string) {
	for _, l := range c.Excluded {
		if e.ev.HasLabel(l) {
			return false, ""
		}
	}

	if len(c.Required) > 0 {
		var present []string
		for _, l := range c.Required {
			if e.ev.HasLabel(l) {
				present = append(present, l)
			}
		}
		if len(present) == 0 {
			return false, ""
		}
		return true, "labels: " + strings.Join(present, ", ")
	}

	if len(c.Excluded) > 0 {
		return true, "labels matched"
	}
	return true, ""
}

func (e *evaluation) value(c *domain.ValueCondition) (bool, string) {
	v := e.ev.TotalValue
	if c.Min != nil && v < *c.Min {
		return false, ""
	}
	if c.Max != nil && v > *c.Max {
		return false, ""
	}
	return true, "value: " + FormatISK(v)
}
