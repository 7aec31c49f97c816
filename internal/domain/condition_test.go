package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConditionTree_Empty(t *testing.T) {
	for _, raw := range []string{"", "null", "{}", "  "} {
		tree, err := ParseConditionTree([]byte(raw))
		require.NoError(t, err, raw)
		assert.True(t, tree.Empty())
		assert.Equal(t, LogicAnd, tree.Logic)
	}
}

func TestParseConditionTree_Nested(t *testing.T) {
	raw := `{
		"logic": "or",
		"conditions": [
			{"type": "Entity", "entity_type": "ALLIANCE", "entity_id": 99000001, "entity_name": "Test Alliance", "role": "Victim"},
			{"type": "value", "min": 1000000000}
		],
		"groups": [
			{"conditions": [{"type": "label", "required_labels": ["solo"], "excluded_labels": ["npc"]}]},
			{"logic": "AND", "conditions": [{"type": "entity", "entity_type": "ship", "entity_id": 587, "entity_name": "Rifter"}]}
		]
	}`

	tree, err := ParseConditionTree([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, LogicOr, tree.Logic)
	require.Len(t, tree.Conditions, 2)
	assert.Equal(t, LeafEntity, tree.Conditions[0].Kind)
	assert.Equal(t, EntityAlliance, tree.Conditions[0].Entity.EntityType)
	assert.Equal(t, RoleVictim, tree.Conditions[0].Entity.Role)
	assert.Equal(t, LeafValue, tree.Conditions[1].Kind)
	require.NotNil(t, tree.Conditions[1].Value.Min)
	assert.Nil(t, tree.Conditions[1].Value.Max)

	require.Len(t, tree.Groups, 2)
	assert.Equal(t, LogicAnd, tree.Groups[0].Logic)
	assert.Equal(t, []string{"solo"}, tree.Groups[0].Conditions[0].Label.Required)
	assert.Equal(t, ShipRoleVictim, tree.Groups[1].Conditions[0].Entity.ShipRole)
}

func TestParseConditionTree_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{"logic": `},
		{"unknown logic", `{"logic": "XOR"}`},
		{"unknown leaf", `{"conditions": [{"type": "score"}]}`},
		{"identity without role", `{"conditions": [{"type": "entity", "entity_type": "character", "entity_id": 1}]}`},
		{"unknown role", `{"conditions": [{"type": "entity", "entity_type": "character", "entity_id": 1, "role": "witness"}]}`},
		{"missing id", `{"conditions": [{"type": "entity", "entity_type": "system", "entity_id": 0}]}`},
		{"unknown entity type", `{"conditions": [{"type": "entity", "entity_type": "planet", "entity_id": 1}]}`},
		{"inverted value range", `{"conditions": [{"type": "value", "min": 10, "max": 5}]}`},
		{"bad ship role", `{"conditions": [{"type": "entity", "entity_type": "ship", "entity_id": 1, "ship_role": "cargo"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConditionTree([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCondition)
		})
	}
}

func TestParseConditionTree_DepthLimit(t *testing.T) {
	raw := `{"conditions": []}`
	for i := 0; i < maxTreeDepth+1; i++ {
		raw = `{"groups": [` + raw + `]}`
	}

	_, err := ParseConditionTree([]byte(raw))
	assert.ErrorIs(t, err, ErrInvalidCondition)
}

func TestConditionLeaf_MarshalRoundTrip(t *testing.T) {
	minValue := 5e8
	tree := ConditionTree{
		Logic: LogicAnd,
		Conditions: []ConditionLeaf{
			{Kind: LeafValue, Value: &ValueCondition{Min: &minValue}},
			{Kind: LeafEntity, Entity: &EntityCondition{EntityType: EntityRegion, EntityID: 10000002, EntityName: "The Forge"}},
		},
	}

	raw, err := json.Marshal(tree)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"value"`)

	parsed, err := ParseConditionTree(raw)
	require.NoError(t, err)
	assert.Equal(t, tree, parsed)
}

func TestEvent_FinalBlow(t *testing.T) {
	ev := &Event{Attackers: []Attacker{
		{Participant: Participant{CharacterID: 1}},
		{Participant: Participant{CharacterID: 2}, FinalBlow: true},
	}}
	assert.Equal(t, int64(2), ev.FinalBlow().CharacterID)

	ev.Attackers[1].FinalBlow = false
	assert.Equal(t, int64(1), ev.FinalBlow().CharacterID)

	assert.Nil(t, (&Event{}).FinalBlow())
}
