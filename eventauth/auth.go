// Package eventauth implements the event authorization rules: pure
// predicates that decide whether a state event was allowed given the state
// it claims to build on. Rejections are ordinary errors carrying the
// reason; they are an expected outcome, not a failure of the caller.
package eventauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"

	"go.mau.fi/roomstate/pdu"
)

// ErrNotAllowed wraps every rejection reason returned by this package, so
// callers can tell rejections apart from store failures with errors.Is.
var ErrNotAllowed = errors.New("event not allowed")

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotAllowed, fmt.Sprintf(format, args...))
}

// AuthTypes returns the state slots whose events are needed to authorize
// the given event: the auth event selection algorithm. Returns an error if
// the event content is too malformed to even select slots for.
func AuthTypes(evt *pdu.PDU) ([]pdu.StateKey, error) {
	if evt.Type == event.StateCreate {
		return nil, nil
	}

	authTypes := []pdu.StateKey{
		{Type: event.StatePowerLevels, StateKey: ""},
		{Type: event.StateMember, StateKey: string(evt.Sender)},
		{Type: event.StateCreate, StateKey: ""},
	}
	appendSlot := func(slot pdu.StateKey) {
		for _, existing := range authTypes {
			if existing == slot {
				return
			}
		}
		authTypes = append(authTypes, slot)
	}

	if evt.Type == event.StateMember {
		if !evt.IsState() {
			return nil, fmt.Errorf("membership event %s has no state key", evt.ID)
		}
		membership, err := evt.Membership()
		if err != nil {
			return nil, err
		}
		appendSlot(pdu.StateKey{Type: event.StateMember, StateKey: evt.GetStateKey()})
		switch membership {
		case event.MembershipJoin, event.MembershipInvite, event.MembershipKnock:
			appendSlot(pdu.StateKey{Type: event.StateJoinRules, StateKey: ""})
		}
		if membership == event.MembershipInvite {
			if token := evt.ThirdPartyInviteToken(); token != "" {
				appendSlot(pdu.StateKey{Type: pdu.StateThirdPartyInvite, StateKey: token})
			}
		}
		if membership == event.MembershipJoin {
			if authorisedVia := evt.JoinAuthorisedVia(); authorisedVia != "" {
				appendSlot(pdu.StateKey{Type: event.StateMember, StateKey: string(authorisedVia)})
			}
		}
	}

	return authTypes, nil
}

// VerifyAuthEvents performs the state-independent checks on an event's
// auth_events references: every referenced event must exist, be from the
// same room, occupy a distinct slot allowed by the selection algorithm, and
// the room creation event must be among them. This only needs to run once,
// when an event is first received.
func VerifyAuthEvents(ctx context.Context, store pdu.Store, evt *pdu.PDU) error {
	if evt.Type == event.StateCreate {
		if len(evt.AuthEvents) > 0 {
			return rejectf("m.room.create event cannot have auth events")
		}
		return checkCreate(evt)
	}

	expectedSlots, err := AuthTypes(evt)
	if err != nil {
		return rejectf("failed to select auth slots for %s: %v", evt.ID, err)
	}
	expected := make(map[pdu.StateKey]struct{}, len(expectedSlots))
	for _, slot := range expectedSlots {
		expected[slot] = struct{}{}
	}

	seen := make(map[pdu.StateKey]struct{}, len(evt.AuthEvents))
	hasCreate := false
	for _, authEventID := range evt.AuthEvents {
		authEvent, err := store.GetEvent(ctx, evt.RoomID, authEventID)
		if err != nil {
			return fmt.Errorf("failed to get auth event %s: %w", authEventID, err)
		}
		if authEvent.RoomID != evt.RoomID {
			return rejectf("auth event %s is not in the same room", authEventID)
		}
		if !authEvent.IsState() {
			return rejectf("auth event %s has no state key", authEventID)
		}
		slot := authEvent.StateSlot()
		if _, duplicate := seen[slot]; duplicate {
			return rejectf("duplicate auth event %s for (%s, %q)", authEventID, slot.Type.Type, slot.StateKey)
		}
		if _, ok := expected[slot]; !ok {
			return rejectf("unexpected auth event %s with (%s, %q)", authEventID, slot.Type.Type, slot.StateKey)
		}
		if slot.Type == event.StateCreate {
			hasCreate = true
		}
		seen[slot] = struct{}{}
	}
	if !hasCreate {
		return rejectf("no m.room.create event in auth events")
	}
	return nil
}

// Check decides whether the given event is allowed by the given auth state.
// A nil return means allowed; any other return carries the rejection
// reason and wraps ErrNotAllowed. The check is pure: it never touches the
// event store and never mutates its inputs.
func Check(evt *pdu.PDU, authState pdu.StateEvents) error {
	for _, authEvent := range authState {
		if authEvent.RoomID != evt.RoomID {
			return rejectf("auth event %s is from another room", authEvent.ID)
		}
	}

	if evt.Type == event.StateCreate {
		return checkCreate(evt)
	}

	createEvent := authState.CreateEvent()
	if createEvent == nil {
		return rejectf("no m.room.create event in auth state")
	}

	if !createEvent.Federate() && createEvent.Sender.Homeserver() != evt.Sender.Homeserver() {
		return rejectf("room is not federated and sender is from another server")
	}

	if evt.Type == event.StateMember {
		return checkMembership(evt, authState)
	}

	if authState.Membership(evt.Sender) != event.MembershipJoin {
		return rejectf("sender %s is not in the room", evt.Sender)
	}

	levels, err := resolvePowerLevels(authState)
	if err != nil {
		return rejectf("invalid power levels in auth state: %v", err)
	}
	senderLevel := levels.userLevel(evt.Sender)

	if evt.Type == pdu.StateThirdPartyInvite {
		if senderLevel < levels.pl.Invite() {
			return rejectf("sender does not have enough power to send invites")
		}
		return nil
	}

	if senderLevel < levels.sendLevel(evt) {
		return rejectf("sender does not have enough power to send %s events", evt.Type.Type)
	}

	if evt.Type == event.EventRedaction && senderLevel < levels.pl.Redact() {
		return rejectf("sender does not have enough power to redact")
	}

	if stateKey := evt.GetStateKey(); strings.HasPrefix(stateKey, "@") && stateKey != string(evt.Sender) {
		return rejectf("sender cannot set state with another user's ID as state key")
	}

	if evt.Type == event.StatePowerLevels {
		if err = checkPowerLevelsChange(evt, authState, int64(senderLevel)); err != nil {
			return rejectf("%v", err)
		}
		return nil
	}

	return nil
}

// checkCreate checks the rules specific to room creation events. The room
// must not reference any prior events and its ID must be issued by the
// creator's server.
func checkCreate(evt *pdu.PDU) error {
	if len(evt.PrevEvents) > 0 {
		return rejectf("m.room.create event cannot have previous events")
	}
	if roomServer := serverName(string(evt.RoomID)); roomServer == "" || roomServer != string(evt.Sender.Homeserver()) {
		return rejectf("room ID server does not match creation event sender")
	}
	return nil
}

func serverName(entityID string) string {
	_, server, _ := strings.Cut(entityID, ":")
	return server
}
