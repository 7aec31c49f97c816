package source

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zifox666/xiaobawang/internal/domain"
)

type participantPayload struct {
	CharacterID   int64 `json:"character_id"`
	CorporationID int64 `json:"corporation_id"`
	AllianceID    int64 `json:"alliance_id"`
	ShipTypeID    int64 `json:"ship_type_id"`
}

type attackerPayload struct {
	participantPayload
	FinalBlow bool `json:"final_blow"`
}

// killmailPayload is the game-API killmail body
type killmailPayload struct {
	KillmailID    int64              `json:"killmail_id"`
	KillmailTime  string             `json:"killmail_time"`
	SolarSystemID int64              `json:"solar_system_id"`
	Victim        participantPayload `json:"victim"`
	Attackers     []attackerPayload  `json:"attackers"`
}

type zkbPayload struct {
	LocationID int64    `json:"locationID"`
	Hash       string   `json:"hash"`
	TotalValue float64  `json:"totalValue"`
	Labels     []string `json:"labels"`
}

// streamPayload is the push-stream form: a killmail with zkb merged in
type streamPayload struct {
	killmailPayload
	ZKB zkbPayload `json:"zkb"`
}

type redisQPayload struct {
	Package *struct {
		KillID   int64           `json:"killID"`
		Killmail killmailPayload `json:"killmail"`
		ZKB      zkbPayload      `json:"zkb"`
	} `json:"package"`
}

type r2z2Payload struct {
	KillmailID int64           `json:"killmail_id"`
	Hash       string          `json:"hash"`
	ESI        killmailPayload `json:"esi"`
	ZKB        zkbPayload      `json:"zkb"`
}

// ParseStream decodes one push-stream message
func ParseStream(data []byte) (*domain.Event, error) {
	var p streamPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return buildEvent(p.KillmailID, p.killmailPayload, p.ZKB)
}

// ParseRedisQ decodes one short-poll response. An empty package yields nil, nil.
func ParseRedisQ(data []byte) (*domain.Event, error) {
	var p redisQPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Package == nil {
		return nil, nil
	}
	id := p.Package.Killmail.KillmailID
	if id == 0 {
		id = p.Package.KillID
	}
	return buildEvent(id, p.Package.Killmail, p.Package.ZKB)
}

// ParseR2Z2 decodes one cursor-paged record
func ParseR2Z2(data []byte) (*domain.Event, error) {
	var p r2z2Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id := p.KillmailID
	if id == 0 {
		id = p.ESI.KillmailID
	}
	if p.ZKB.Hash == "" {
		p.ZKB.Hash = p.Hash
	}
	return buildEvent(id, p.ESI, p.ZKB)
}

func buildEvent(id int64, km killmailPayload, zkb zkbPayload) (*domain.Event, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: missing killmail id", ErrMalformed)
	}

	var ts time.Time
	if km.KillmailTime != "" {
		parsed, err := time.Parse(time.RFC3339, km.KillmailTime)
		if err != nil {
			return nil, fmt.Errorf("%w: killmail_time %q: %v", ErrMalformed, km.KillmailTime, err)
		}
		ts = parsed.UTC()
	}

	ev := &domain.Event{
		ID:            id,
		Hash:          zkb.Hash,
		Time:          ts,
		SolarSystemID: km.SolarSystemID,
		Victim:        domain.Participant(km.Victim),
		Attackers:     make([]domain.Attacker, 0, len(km.Attackers)),
		TotalValue:    zkb.TotalValue,
		Labels:        zkb.Labels,
	}
	for _, a := range km.Attackers {
		ev.Attackers = append(ev.Attackers, domain.Attacker{
			Participant: domain.Participant(a.participantPayload),
			FinalBlow:   a.FinalBlow,
		})
	}
	return ev, nil
}
