package pdu

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// StateKey identifies one slot of room state: a (event type, state key) pair.
type StateKey struct {
	Type     event.Type
	StateKey string
}

// StateMap is a room state snapshot mapping each state slot to the event
// that last set it. Key uniqueness is the core invariant: there is never
// more than one event per slot.
type StateMap map[StateKey]id.EventID

// StateEvents maps state slots to full events. It is used as the auth state
// input to authorization checks, where content access is needed.
type StateEvents map[StateKey]*PDU

// Clone returns a shallow copy of the state map.
func (sm StateMap) Clone() StateMap {
	out := make(StateMap, len(sm))
	for key, evtID := range sm {
		out[key] = evtID
	}
	return out
}

// Get looks up a slot by type and state key.
func (se StateEvents) Get(evtType event.Type, stateKey string) *PDU {
	return se[StateKey{Type: evtType, StateKey: stateKey}]
}

// CreateEvent returns the room creation event from the state, if present.
func (se StateEvents) CreateEvent() *PDU {
	return se.Get(event.StateCreate, "")
}

// MemberEvent returns the membership event for the given user, if present.
func (se StateEvents) MemberEvent(userID id.UserID) *PDU {
	return se.Get(event.StateMember, string(userID))
}

// Membership returns the current membership of the given user in the state.
// A user with no membership event, or a malformed one, counts as leave.
func (se StateEvents) Membership(userID id.UserID) event.Membership {
	evt := se.MemberEvent(userID)
	if evt == nil {
		return event.MembershipLeave
	}
	membership, err := evt.Membership()
	if err != nil {
		return event.MembershipLeave
	}
	return membership
}
