// Package pdu models the event graph that state resolution operates on:
// immutable events keyed by ID, with all edges stored as ID references.
package pdu

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// StateThirdPartyInvite is the state event type for third-party invite tokens.
// It participates in auth event selection, but mautrix doesn't define it.
var StateThirdPartyInvite = event.Type{Type: "m.room.third_party_invite", Class: event.StateEventType}

// PDU is a single event in a room's event graph. Events arrive already
// parsed and signature-checked; this package never re-verifies hashes or
// signatures, it only models graph structure and content access.
type PDU struct {
	ID             id.EventID    `json:"event_id"`
	RoomID         id.RoomID     `json:"room_id"`
	Sender         id.UserID     `json:"sender"`
	Type           event.Type    `json:"type"`
	StateKey       *string       `json:"state_key,omitempty"`
	Content        event.Content `json:"content"`
	AuthEvents     []id.EventID  `json:"auth_events"`
	PrevEvents     []id.EventID  `json:"prev_events"`
	Depth          int64         `json:"depth"`
	OriginServerTS int64         `json:"origin_server_ts"`
}

// GetStateKey returns the state key, or an empty string for non-state events.
func (p *PDU) GetStateKey() string {
	if p.StateKey != nil {
		return *p.StateKey
	}
	return ""
}

// IsState reports whether the event carries a state key at all.
func (p *PDU) IsState() bool {
	return p.StateKey != nil
}

// StateSlot returns the (type, state key) slot this event occupies.
// Only meaningful for state events.
func (p *PDU) StateSlot() StateKey {
	return StateKey{Type: p.Type, StateKey: p.GetStateKey()}
}

// Normalize fixes up fields that JSON decoding cannot infer, currently the
// event type class. Stores should call this once per decoded event so that
// type and state slot comparisons work across decode paths.
func (p *PDU) Normalize() *PDU {
	if p.StateKey != nil {
		p.Type.Class = event.StateEventType
	} else {
		p.Type.Class = event.MessageEventType
	}
	return p
}

// RawContent returns the content as raw JSON. Falls back to marshaling the
// parsed content when the event was built in memory rather than decoded.
func (p *PDU) RawContent() json.RawMessage {
	if len(p.Content.VeryRaw) > 0 {
		return json.RawMessage(p.Content.VeryRaw)
	}
	raw, err := json.Marshal(&p.Content)
	if err != nil {
		return nil
	}
	return raw
}

// Membership returns the membership field of an m.room.member event.
// A missing or non-string membership is an error: the caller treats it as
// a rejection, never as a default.
func (p *PDU) Membership() (event.Membership, error) {
	res := gjson.GetBytes(p.RawContent(), "membership")
	if res.Type != gjson.String || res.Str == "" {
		return "", fmt.Errorf("missing or invalid membership field in %s", p.ID)
	}
	return event.Membership(res.Str), nil
}

// JoinAuthorisedVia returns the join_authorised_via_users_server field of an
// m.room.member join event, or an empty user ID if absent.
func (p *PDU) JoinAuthorisedVia() id.UserID {
	return id.UserID(gjson.GetBytes(p.RawContent(), "join_authorised_via_users_server").Str)
}

// ThirdPartyInviteToken returns the third_party_invite.signed.token field of
// an m.room.member invite event, or an empty string if absent.
func (p *PDU) ThirdPartyInviteToken() string {
	return gjson.GetBytes(p.RawContent(), "third_party_invite.signed.token").Str
}

// ThirdPartyInviteMXID returns the third_party_invite.signed.mxid field of an
// m.room.member invite event, or an empty user ID if absent.
func (p *PDU) ThirdPartyInviteMXID() id.UserID {
	return id.UserID(gjson.GetBytes(p.RawContent(), "third_party_invite.signed.mxid").Str)
}

// PowerLevels parses the content of an m.room.power_levels event.
func (p *PDU) PowerLevels() (*event.PowerLevelsEventContent, error) {
	var pl event.PowerLevelsEventContent
	if err := json.Unmarshal(p.RawContent(), &pl); err != nil {
		return nil, fmt.Errorf("invalid power levels content in %s: %w", p.ID, err)
	}
	return &pl, nil
}

// JoinRule returns the join_rule field of an m.room.join_rules event.
func (p *PDU) JoinRule() (event.JoinRule, error) {
	res := gjson.GetBytes(p.RawContent(), "join_rule")
	if res.Type != gjson.String || res.Str == "" {
		return "", fmt.Errorf("missing or invalid join_rule field in %s", p.ID)
	}
	return event.JoinRule(res.Str), nil
}

// Creator returns the creator of the room described by an m.room.create
// event: the content's creator field if present, else the event sender.
func (p *PDU) Creator() id.UserID {
	if res := gjson.GetBytes(p.RawContent(), "creator"); res.Type == gjson.String && res.Str != "" {
		return id.UserID(res.Str)
	}
	return p.Sender
}

// Federate returns the m.federate flag of an m.room.create event.
// Defaults to true when absent.
func (p *PDU) Federate() bool {
	res := gjson.GetBytes(p.RawContent(), "m\\.federate")
	if !res.Exists() {
		return true
	}
	return res.Bool()
}

// IsPowerEvent reports whether the event can alter who may author future
// events: room creation, power levels, join rules, or a membership event
// that removes someone other than its sender from the room (kick or ban).
// A user leaving on their own is not a power event.
func IsPowerEvent(p *PDU) bool {
	switch p.Type {
	case event.StateCreate, event.StatePowerLevels, event.StateJoinRules:
		return p.GetStateKey() == ""
	case event.StateMember:
		membership, err := p.Membership()
		if err != nil {
			return false
		}
		if membership == event.MembershipLeave || membership == event.MembershipBan {
			return p.GetStateKey() != string(p.Sender)
		}
	}
	return false
}
