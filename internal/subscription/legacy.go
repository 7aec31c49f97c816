package subscription

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/repository"
)

// ConvertHighValue turns a value-only legacy row into a subscription with an
// empty condition tree.
func ConvertHighValue(row repository.LegacyHighValue) domain.Subscription {
	return domain.Subscription{
		Name:        "high value kill",
		Description: "migrated high value subscription",
		Destination: row.Destination,
		Enabled:     row.Enabled,
		MinValue:    row.MinValue,
		Conditions:  domain.ConditionTree{Logic: domain.LogicAnd, Conditions: []domain.ConditionLeaf{}},
	}
}

// legacyRole maps the legacy victim/final-blow flags to a role. Both flags
// set maps to any_attacker, which drops the victim side; existing
// subscriptions depend on that, so it is kept.
func legacyRole(isVictim, isFinalBlow bool) domain.Role {
	switch {
	case isVictim && !isFinalBlow:
		return domain.RoleVictim
	case isFinalBlow && !isVictim:
		return domain.RoleFinalBlow
	default:
		return domain.RoleAnyAttacker
	}
}

// ConvertCondition turns a single-target legacy row into a subscription
// with one entity leaf.
func ConvertCondition(row repository.LegacyCondition) (domain.Subscription, error) {
	role := legacyRole(row.IsVictim, row.IsFinalBlow)
	cond := &domain.EntityCondition{
		EntityID:   row.TargetID,
		EntityName: row.TargetName,
	}

	switch t := strings.ToLower(row.TargetType); t {
	case "character", "corporation", "alliance":
		cond.EntityType = domain.EntityType(t)
		cond.Role = role
	case "system", "constellation", "region":
		cond.EntityType = domain.EntityType(t)
	case "inventory_type", "ship":
		cond.EntityType = domain.EntityShip
		switch role {
		case domain.RoleVictim:
			cond.ShipRole = domain.ShipRoleVictim
		case domain.RoleFinalBlow:
			cond.ShipRole = domain.ShipRoleFinalBlow
		default:
			return domain.Subscription{}, fmt.Errorf("%w: ship target %d has no single ship role", domain.ErrInvalidCondition, row.TargetID)
		}
	default:
		return domain.Subscription{}, fmt.Errorf("%w: unsupported legacy target type %q", domain.ErrInvalidCondition, row.TargetType)
	}

	tree := domain.ConditionTree{
		Logic:      domain.LogicAnd,
		Conditions: []domain.ConditionLeaf{{Kind: domain.LeafEntity, Entity: cond}},
	}
	if err := tree.Validate(); err != nil {
		return domain.Subscription{}, err
	}

	return domain.Subscription{
		Name:        row.TargetName + " subscription",
		Description: fmt.Sprintf("migrated %s subscription", row.TargetType),
		Destination: row.Destination,
		Enabled:     row.Enabled,
		MinValue:    row.MinValue,
		Conditions:  tree,
	}, nil
}

// Creator persists a new subscription
type Creator interface {
	Create(ctx context.Context, sub *domain.Subscription) (int64, error)
}

// MigrationCount tallies one legacy table
type MigrationCount struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// MigrationReport summarizes a legacy migration run
type MigrationReport struct {
	HighValue MigrationCount `json:"high_value"`
	Condition MigrationCount `json:"condition"`
}

// MigrateLegacy copies every legacy row into the unified table. Rows that
// fail to convert or insert are counted and skipped.
func MigrateLegacy(ctx context.Context, legacy repository.LegacyRepository, dst Creator, log *zap.Logger) (MigrationReport, error) {
	var report MigrationReport

	highValue, err := legacy.ListLegacyHighValue(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read legacy high value subscriptions: %w", err)
	}
	log.Info("Migrating legacy high value subscriptions", zap.Int("count", len(highValue)))

	for _, row := range highValue {
		sub := ConvertHighValue(row)
		if _, err := dst.Create(ctx, &sub); err != nil {
			report.HighValue.Failed++
			log.Error("Failed to migrate high value subscription", zap.Int64("legacy_id", row.ID), zap.Error(err))
			continue
		}
		report.HighValue.Success++
	}

	conditions, err := legacy.ListLegacyCondition(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read legacy condition subscriptions: %w", err)
	}
	log.Info("Migrating legacy condition subscriptions", zap.Int("count", len(conditions)))

	for _, row := range conditions {
		sub, err := ConvertCondition(row)
		if err == nil {
			_, err = dst.Create(ctx, &sub)
		}
		if err != nil {
			report.Condition.Failed++
			log.Error("Failed to migrate condition subscription",
				zap.Int64("legacy_id", row.ID),
				zap.String("target_type", row.TargetType),
				zap.Error(err))
			continue
		}
		report.Condition.Success++
	}

	log.Info("Legacy migration finished",
		zap.Int("high_value_success", report.HighValue.Success),
		zap.Int("high_value_failed", report.HighValue.Failed),
		zap.Int("condition_success", report.Condition.Success),
		zap.Int("condition_failed", report.Condition.Failed))
	return report, nil
}
