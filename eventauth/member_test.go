package eventauth_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomstate/eventauth"
	"go.mau.fi/roomstate/pdu"
)

func setMembership(state pdu.StateEvents, sender, target id.UserID, membership event.Membership) {
	evt := member(sender, target, membership)
	state[evt.StateSlot()] = evt
}

func TestCheckMembership_Join(t *testing.T) {
	state := baseRoomState(event.JoinRulePublic)
	assert.NoError(t, eventauth.Check(member(zara, zara, event.MembershipJoin), state))

	// Nobody can join on someone else's behalf.
	forced := member(alice, zara, event.MembershipJoin)
	assert.ErrorIs(t, eventauth.Check(forced, state), eventauth.ErrNotAllowed)

	// Banned users stay out even of public rooms.
	setMembership(state, alice, zara, event.MembershipBan)
	assert.ErrorIs(t, eventauth.Check(member(zara, zara, event.MembershipJoin), state), eventauth.ErrNotAllowed)
}

func TestCheckMembership_JoinInviteOnly(t *testing.T) {
	state := baseRoomState(event.JoinRuleInvite)
	rejoin := member(zara, zara, event.MembershipJoin)
	assert.ErrorIs(t, eventauth.Check(rejoin, state), eventauth.ErrNotAllowed)

	setMembership(state, alice, zara, event.MembershipInvite)
	assert.NoError(t, eventauth.Check(member(zara, zara, event.MembershipJoin), state))
}

func TestCheckMembership_CreatorFirstJoin(t *testing.T) {
	create := ev(alice, event.StateCreate, "", fmt.Sprintf(`{"creator": %q}`, alice))
	state := authState(create)
	firstJoin := member(alice, alice, event.MembershipJoin)
	firstJoin.PrevEvents = []id.EventID{create.ID}
	assert.NoError(t, eventauth.Check(firstJoin, state))

	// The shortcut only applies to the creator riding on the creation event.
	otherJoin := member(bob, bob, event.MembershipJoin)
	otherJoin.PrevEvents = []id.EventID{create.ID}
	assert.ErrorIs(t, eventauth.Check(otherJoin, state), eventauth.ErrNotAllowed)
}

func TestCheckMembership_RestrictedJoin(t *testing.T) {
	state := baseRoomState(event.JoinRuleRestricted)

	plain := member(zara, zara, event.MembershipJoin)
	assert.ErrorIs(t, eventauth.Check(plain, state), eventauth.ErrNotAllowed)

	authorised := ev(zara, event.StateMember, string(zara),
		fmt.Sprintf(`{"membership": "join", "join_authorised_via_users_server": %q}`, alice))
	assert.NoError(t, eventauth.Check(authorised, state))

	viaStranger := ev(zara, event.StateMember, string(zara),
		`{"membership": "join", "join_authorised_via_users_server": "@nobody:example.com"}`)
	assert.ErrorIs(t, eventauth.Check(viaStranger, state), eventauth.ErrNotAllowed)

	// An existing invite works without delegated authorisation.
	setMembership(state, alice, zara, event.MembershipInvite)
	assert.NoError(t, eventauth.Check(plain, state))
}

func TestCheckMembership_Invite(t *testing.T) {
	state := baseRoomState(event.JoinRuleInvite)
	assert.NoError(t, eventauth.Check(member(alice, zara, event.MembershipInvite), state))

	// Inviter must be in the room.
	assert.ErrorIs(t, eventauth.Check(member(zara, bob, event.MembershipInvite), state), eventauth.ErrNotAllowed)

	// Already joined or banned targets cannot be invited.
	assert.ErrorIs(t, eventauth.Check(member(alice, bob, event.MembershipInvite), state), eventauth.ErrNotAllowed)
	setMembership(state, alice, zara, event.MembershipBan)
	assert.ErrorIs(t, eventauth.Check(member(alice, zara, event.MembershipInvite), state), eventauth.ErrNotAllowed)
}

func TestCheckMembership_InviteLevel(t *testing.T) {
	state := baseRoomState(event.JoinRuleInvite)
	state[pdu.StateKey{Type: event.StatePowerLevels, StateKey: ""}] = ev(
		alice, event.StatePowerLevels, "",
		fmt.Sprintf(`{"users": {%q: 100, %q: 50}, "invite": 50}`, alice, bob),
	)
	assert.NoError(t, eventauth.Check(member(bob, zara, event.MembershipInvite), state))
	assert.ErrorIs(t, eventauth.Check(member(charlie, zara, event.MembershipInvite), state), eventauth.ErrNotAllowed)
}

func TestCheckMembership_Leave(t *testing.T) {
	state := baseRoomState(event.JoinRulePublic)

	// Voluntary leave, and rejecting an invite.
	assert.NoError(t, eventauth.Check(member(charlie, charlie, event.MembershipLeave), state))
	setMembership(state, alice, zara, event.MembershipInvite)
	assert.NoError(t, eventauth.Check(member(zara, zara, event.MembershipLeave), state))

	// Leaving a room you're not in makes no sense.
	stranger := id.UserID("@stranger:example.com")
	assert.ErrorIs(t, eventauth.Check(member(stranger, stranger, event.MembershipLeave), state), eventauth.ErrNotAllowed)
}

func TestCheckMembership_Kick(t *testing.T) {
	state := baseRoomState(event.JoinRulePublic)

	assert.NoError(t, eventauth.Check(member(alice, charlie, event.MembershipLeave), state))
	assert.NoError(t, eventauth.Check(member(bob, charlie, event.MembershipLeave), state))

	// Kicking up or sideways is not allowed.
	assert.ErrorIs(t, eventauth.Check(member(bob, alice, event.MembershipLeave), state), eventauth.ErrNotAllowed)
	assert.ErrorIs(t, eventauth.Check(member(charlie, bob, event.MembershipLeave), state), eventauth.ErrNotAllowed)

	// Kicker must be in the room.
	assert.ErrorIs(t, eventauth.Check(member(zara, charlie, event.MembershipLeave), state), eventauth.ErrNotAllowed)
}

func TestCheckMembership_Ban(t *testing.T) {
	state := baseRoomState(event.JoinRulePublic)

	assert.NoError(t, eventauth.Check(member(alice, charlie, event.MembershipBan), state))
	assert.NoError(t, eventauth.Check(member(bob, charlie, event.MembershipBan), state))
	assert.ErrorIs(t, eventauth.Check(member(bob, alice, event.MembershipBan), state), eventauth.ErrNotAllowed)
	assert.ErrorIs(t, eventauth.Check(member(charlie, bob, event.MembershipBan), state), eventauth.ErrNotAllowed)
}

func TestCheckMembership_Unban(t *testing.T) {
	state := baseRoomState(event.JoinRulePublic)
	setMembership(state, alice, zara, event.MembershipBan)

	// Unbanning needs the ban level, not just the kick level.
	state[pdu.StateKey{Type: event.StatePowerLevels, StateKey: ""}] = ev(
		alice, event.StatePowerLevels, "",
		fmt.Sprintf(`{"users": {%q: 100, %q: 50}, "kick": 25, "ban": 75}`, alice, bob),
	)
	assert.ErrorIs(t, eventauth.Check(member(bob, zara, event.MembershipLeave), state), eventauth.ErrNotAllowed)
	assert.NoError(t, eventauth.Check(member(alice, zara, event.MembershipLeave), state))
}

func TestCheckMembership_Knock(t *testing.T) {
	public := baseRoomState(event.JoinRulePublic)
	assert.ErrorIs(t, eventauth.Check(member(zara, zara, event.MembershipKnock), public), eventauth.ErrNotAllowed)

	knockable := baseRoomState(event.JoinRuleKnock)
	assert.NoError(t, eventauth.Check(member(zara, zara, event.MembershipKnock), knockable))

	// Knocking for someone else, or while already in the room, is rejected.
	assert.ErrorIs(t, eventauth.Check(member(alice, zara, event.MembershipKnock), knockable), eventauth.ErrNotAllowed)
	assert.ErrorIs(t, eventauth.Check(member(bob, bob, event.MembershipKnock), knockable), eventauth.ErrNotAllowed)
}

func TestCheckMembership_ThirdPartyInvite(t *testing.T) {
	state := baseRoomState(event.JoinRuleInvite)
	tokenEvent := ev(alice, pdu.StateThirdPartyInvite, "telltale", `{"display_name": "z...@example.com"}`)
	state[tokenEvent.StateSlot()] = tokenEvent

	invite := ev(alice, event.StateMember, string(zara),
		fmt.Sprintf(`{"membership": "invite", "third_party_invite": {"signed": {"token": "telltale", "mxid": %q}}}`, zara))
	assert.NoError(t, eventauth.Check(invite, state))

	wrongMXID := ev(alice, event.StateMember, string(zara),
		`{"membership": "invite", "third_party_invite": {"signed": {"token": "telltale", "mxid": "@someone:example.com"}}}`)
	assert.ErrorIs(t, eventauth.Check(wrongMXID, state), eventauth.ErrNotAllowed)

	unknownToken := ev(alice, event.StateMember, string(zara),
		fmt.Sprintf(`{"membership": "invite", "third_party_invite": {"signed": {"token": "other", "mxid": %q}}}`, zara))
	assert.ErrorIs(t, eventauth.Check(unknownToken, state), eventauth.ErrNotAllowed)

	// Token redeemed by a different sender than the one who published it.
	wrongSender := ev(bob, event.StateMember, string(zara),
		fmt.Sprintf(`{"membership": "invite", "third_party_invite": {"signed": {"token": "telltale", "mxid": %q}}}`, zara))
	assert.ErrorIs(t, eventauth.Check(wrongSender, state), eventauth.ErrNotAllowed)
}

func TestValidMembershipChange(t *testing.T) {
	state := baseRoomState(event.JoinRulePublic)
	err := eventauth.ValidMembershipChange(&eventauth.Requester{
		Sender:   zara,
		StateKey: string(zara),
		RoomID:   testRoom,
		Content:  json.RawMessage(`{"membership": "join"}`),
	}, state)
	assert.NoError(t, err)

	err = eventauth.ValidMembershipChange(&eventauth.Requester{
		Sender:   charlie,
		StateKey: string(alice),
		RoomID:   testRoom,
		Content:  json.RawMessage(`{"membership": "ban"}`),
	}, state)
	assert.ErrorIs(t, err, eventauth.ErrNotAllowed)
}
