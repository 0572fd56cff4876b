package pdu_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomstate/pdu"
)

func makeEvent(evtType event.Type, sender id.UserID, stateKey string, content string) *pdu.PDU {
	return &pdu.PDU{
		ID:       "$event:example.com",
		RoomID:   "!room:example.com",
		Sender:   sender,
		Type:     evtType,
		StateKey: ptr.Ptr(stateKey),
		Content:  event.Content{VeryRaw: json.RawMessage(content)},
	}
}

func TestPDU_Membership(t *testing.T) {
	evt := makeEvent(event.StateMember, "@alice:example.com", "@alice:example.com", `{"membership": "join"}`)
	membership, err := evt.Membership()
	require.NoError(t, err)
	assert.Equal(t, event.MembershipJoin, membership)

	evt = makeEvent(event.StateMember, "@alice:example.com", "@alice:example.com", `{}`)
	_, err = evt.Membership()
	assert.Error(t, err)

	evt = makeEvent(event.StateMember, "@alice:example.com", "@alice:example.com", `{"membership": 5}`)
	_, err = evt.Membership()
	assert.Error(t, err)
}

func TestPDU_Federate(t *testing.T) {
	evt := makeEvent(event.StateCreate, "@alice:example.com", "", `{"creator": "@alice:example.com"}`)
	assert.True(t, evt.Federate(), "m.federate should default to true")

	evt = makeEvent(event.StateCreate, "@alice:example.com", "", `{"m.federate": false}`)
	assert.False(t, evt.Federate())
}

func TestPDU_Creator(t *testing.T) {
	evt := makeEvent(event.StateCreate, "@alice:example.com", "", `{"creator": "@bob:example.com"}`)
	assert.Equal(t, id.UserID("@bob:example.com"), evt.Creator())

	evt = makeEvent(event.StateCreate, "@alice:example.com", "", `{}`)
	assert.Equal(t, id.UserID("@alice:example.com"), evt.Creator(), "creator should fall back to the sender")
}

func TestPDU_Normalize(t *testing.T) {
	var evt pdu.PDU
	err := json.Unmarshal([]byte(`{
		"event_id": "$a:example.com",
		"room_id": "!room:example.com",
		"sender": "@alice:example.com",
		"type": "m.room.topic",
		"state_key": "",
		"content": {"topic": "hello"}
	}`), &evt)
	require.NoError(t, err)
	evt.Normalize()
	assert.Equal(t, event.StateTopic, evt.Type)
	assert.Equal(t, pdu.StateKey{Type: event.StateTopic, StateKey: ""}, evt.StateSlot())
}

func TestIsPowerEvent(t *testing.T) {
	alice := id.UserID("@alice:example.com")
	bob := id.UserID("@bob:example.com")

	assert.True(t, pdu.IsPowerEvent(makeEvent(event.StateCreate, alice, "", `{}`)))
	assert.True(t, pdu.IsPowerEvent(makeEvent(event.StatePowerLevels, alice, "", `{}`)))
	assert.True(t, pdu.IsPowerEvent(makeEvent(event.StateJoinRules, alice, "", `{"join_rule": "public"}`)))
	assert.False(t, pdu.IsPowerEvent(makeEvent(event.StateTopic, alice, "", `{}`)))

	// Kicks and bans are power events, voluntary leaves and joins are not.
	assert.True(t, pdu.IsPowerEvent(makeEvent(event.StateMember, alice, string(bob), `{"membership": "ban"}`)))
	assert.True(t, pdu.IsPowerEvent(makeEvent(event.StateMember, alice, string(bob), `{"membership": "leave"}`)))
	assert.False(t, pdu.IsPowerEvent(makeEvent(event.StateMember, alice, string(alice), `{"membership": "leave"}`)))
	assert.False(t, pdu.IsPowerEvent(makeEvent(event.StateMember, alice, string(alice), `{"membership": "join"}`)))
	assert.False(t, pdu.IsPowerEvent(makeEvent(event.StateMember, alice, string(bob), `{"membership": "invite"}`)))
}

func TestStateEvents_Membership(t *testing.T) {
	alice := id.UserID("@alice:example.com")
	state := pdu.StateEvents{
		{Type: event.StateMember, StateKey: string(alice)}: makeEvent(event.StateMember, alice, string(alice), `{"membership": "join"}`),
	}
	assert.Equal(t, event.MembershipJoin, state.Membership(alice))
	assert.Equal(t, event.MembershipLeave, state.Membership("@nobody:example.com"))
}
