package domain

import (
	"fmt"
	"time"
)

// Participant identifies one side of a kill. Zero ids mean "absent".
type Participant struct {
	CharacterID   int64 `json:"character_id,omitempty"`
	CorporationID int64 `json:"corporation_id,omitempty"`
	AllianceID    int64 `json:"alliance_id,omitempty"`
	ShipTypeID    int64 `json:"ship_type_id,omitempty"`
}

// Attacker is a participant on the attacking side
type Attacker struct {
	Participant
	FinalBlow bool `json:"final_blow"`
}

// Event is an immutable kill event as received from an upstream feed
type Event struct {
	ID            int64       `json:"killmail_id"`
	Hash          string      `json:"hash,omitempty"`
	Time          time.Time   `json:"killmail_time"`
	SolarSystemID int64       `json:"solar_system_id"`
	Victim        Participant `json:"victim"`
	Attackers     []Attacker  `json:"attackers"`
	TotalValue    float64     `json:"total_value"`
	Labels        []string    `json:"labels,omitempty"`
}

// URL returns the canonical public page of the kill
func (e *Event) URL() string {
	return fmt.Sprintf("https://zkillboard.com/kill/%d/", e.ID)
}

// FinalBlow returns the attacker flagged with the final blow, falling back
// to the first attacker. It returns nil when there are no attackers.
func (e *Event) FinalBlow() *Attacker {
	if len(e.Attackers) == 0 {
		return nil
	}
	for i := range e.Attackers {
		if e.Attackers[i].FinalBlow {
			return &e.Attackers[i]
		}
	}
	return &e.Attackers[0]
}

// HasLabel reports whether the event carries the given label
func (e *Event) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Location is the resolved position of a solar system in the universe
type Location struct {
	SystemID        int64 `json:"system_id"`
	ConstellationID int64 `json:"constellation_id"`
	RegionID        int64 `json:"region_id"`
}
