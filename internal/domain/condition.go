package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCondition is returned when a condition tree fails validation
var ErrInvalidCondition = errors.New("invalid condition")

// maxTreeDepth bounds nesting of condition groups
const maxTreeDepth = 16

type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

type LeafKind string

const (
	LeafEntity LeafKind = "entity"
	LeafLabel  LeafKind = "label"
	LeafValue  LeafKind = "value"
)

type EntityType string

const (
	EntityCharacter     EntityType = "character"
	EntityCorporation   EntityType = "corporation"
	EntityAlliance      EntityType = "alliance"
	EntityShip          EntityType = "ship"
	EntitySystem        EntityType = "system"
	EntityConstellation EntityType = "constellation"
	EntityRegion        EntityType = "region"
)

// Identity reports whether the entity type identifies a participant and
// therefore needs a Role.
func (t EntityType) Identity() bool {
	return t == EntityCharacter || t == EntityCorporation || t == EntityAlliance
}

// Positional reports whether the entity type refers to a place
func (t EntityType) Positional() bool {
	return t == EntitySystem || t == EntityConstellation || t == EntityRegion
}

type Role string

const (
	RoleVictim      Role = "victim"
	RoleFinalBlow   Role = "final_blow"
	RoleAnyAttacker Role = "any_attacker"
)

type ShipRole string

const (
	ShipRoleVictim    ShipRole = "victim_ship"
	ShipRoleFinalBlow ShipRole = "final_blow_ship"
)

// EntityCondition matches a specific entity in a role
type EntityCondition struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   int64      `json:"entity_id"`
	EntityName string     `json:"entity_name"`
	Role       Role       `json:"role,omitempty"`
	ShipRole   ShipRole   `json:"ship_role,omitempty"`
}

// LabelCondition matches event labels. Any excluded label rejects; when
// Required is non-empty at least one of them must be present.
type LabelCondition struct {
	Required []string `json:"required_labels,omitempty"`
	Excluded []string `json:"excluded_labels,omitempty"`
}

// ValueCondition bounds the total value inclusively. A nil bound is open.
type ValueCondition struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// ConditionLeaf is a tagged union over the three leaf kinds. Exactly one of
// Entity, Label, Value is set and matches Kind.
type ConditionLeaf struct {
	Kind   LeafKind
	Entity *EntityCondition
	Label  *LabelCondition
	Value  *ValueCondition
}

// ConditionTree combines leaves and nested groups with one logic operator.
// An empty tree matches everything.
type ConditionTree struct {
	Logic      Logic           `json:"logic"`
	Conditions []ConditionLeaf `json:"conditions"`
	Groups     []ConditionTree `json:"groups,omitempty"`
}

// Empty reports whether the tree has no leaves and no groups
func (t ConditionTree) Empty() bool {
	return len(t.Conditions) == 0 && len(t.Groups) == 0
}

// ParseConditionTree decodes and validates a stored condition tree.
// Empty input, "null" and "{}" produce an empty tree.
func ParseConditionTree(raw []byte) (ConditionTree, error) {
	var tree ConditionTree
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		tree.Logic = LogicAnd
		return tree, nil
	}
	if err := json.Unmarshal(trimmed, &tree); err != nil {
		return ConditionTree{}, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	if err := tree.Validate(); err != nil {
		return ConditionTree{}, err
	}
	return tree, nil
}

// Validate checks the whole tree and normalizes defaults in place
func (t *ConditionTree) Validate() error {
	return t.validate(1)
}

func (t *ConditionTree) validate(depth int) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("%w: groups nested deeper than %d", ErrInvalidCondition, maxTreeDepth)
	}

	t.Logic = Logic(strings.ToUpper(string(t.Logic)))
	switch t.Logic {
	case "":
		t.Logic = LogicAnd
	case LogicAnd, LogicOr:
	default:
		return fmt.Errorf("%w: unknown logic %q", ErrInvalidCondition, t.Logic)
	}

	for i := range t.Conditions {
		if err := t.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	for i := range t.Groups {
		if err := t.Groups[i].validate(depth + 1); err != nil {
			return fmt.Errorf("group %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks a single leaf and normalizes casing and defaults
func (l *ConditionLeaf) Validate() error {
	switch l.Kind {
	case LeafEntity:
		if l.Entity == nil {
			return fmt.Errorf("%w: entity leaf without body", ErrInvalidCondition)
		}
		return l.Entity.validate()
	case LeafLabel:
		if l.Label == nil {
			l.Label = &LabelCondition{}
		}
		return nil
	case LeafValue:
		if l.Value == nil {
			l.Value = &ValueCondition{}
		}
		if l.Value.Min != nil && l.Value.Max != nil && *l.Value.Min > *l.Value.Max {
			return fmt.Errorf("%w: min %.0f above max %.0f", ErrInvalidCondition, *l.Value.Min, *l.Value.Max)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown leaf type %q", ErrInvalidCondition, l.Kind)
	}
}

func (c *EntityCondition) validate() error {
	c.EntityType = EntityType(strings.ToLower(string(c.EntityType)))
	c.Role = Role(strings.ToLower(string(c.Role)))
	c.ShipRole = ShipRole(strings.ToLower(string(c.ShipRole)))

	if c.EntityID == 0 {
		return fmt.Errorf("%w: entity_id is required", ErrInvalidCondition)
	}

	switch {
	case c.EntityType.Identity():
		switch c.Role {
		case RoleVictim, RoleFinalBlow, RoleAnyAttacker:
		case "":
			return fmt.Errorf("%w: %s condition requires a role", ErrInvalidCondition, c.EntityType)
		default:
			return fmt.Errorf("%w: unknown role %q", ErrInvalidCondition, c.Role)
		}
	case c.EntityType == EntityShip:
		switch c.ShipRole {
		case "":
			c.ShipRole = ShipRoleVictim
		case ShipRoleVictim, ShipRoleFinalBlow:
		default:
			return fmt.Errorf("%w: unknown ship_role %q", ErrInvalidCondition, c.ShipRole)
		}
	case c.EntityType.Positional():
	default:
		return fmt.Errorf("%w: unknown entity_type %q", ErrInvalidCondition, c.EntityType)
	}
	return nil
}

type leafHeader struct {
	Type LeafKind `json:"type"`
}

// UnmarshalJSON decodes the flat stored form {"type": "...", ...fields}
func (l *ConditionLeaf) UnmarshalJSON(data []byte) error {
	var h leafHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	l.Kind = LeafKind(strings.ToLower(string(h.Type)))

	switch l.Kind {
	case LeafEntity:
		l.Entity = &EntityCondition{}
		return json.Unmarshal(data, l.Entity)
	case LeafLabel:
		l.Label = &LabelCondition{}
		return json.Unmarshal(data, l.Label)
	case LeafValue:
		l.Value = &ValueCondition{}
		return json.Unmarshal(data, l.Value)
	default:
		return fmt.Errorf("unknown leaf type %q", h.Type)
	}
}

// MarshalJSON encodes the leaf in the same flat form it is stored in
func (l ConditionLeaf) MarshalJSON() ([]byte, error) {
	var body any
	switch l.Kind {
	case LeafEntity:
		body = l.Entity
	case LeafLabel:
		body = l.Label
	case LeafValue:
		body = l.Value
	default:
		return nil, fmt.Errorf("unknown leaf type %q", l.Kind)
	}

	fields := map[string]any{}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	fields["type"] = l.Kind
	return json.Marshal(fields)
}
