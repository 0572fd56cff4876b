package eventauth

import (
	"encoding/json"

	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomstate/pdu"
)

// Requester bundles the parts of a candidate membership event needed for a
// standalone transition check, e.g. when accepting a single new event
// outside of a full resolution. It is never persisted.
type Requester struct {
	Sender       id.UserID
	StateKey     string
	RoomID       id.RoomID
	Content      json.RawMessage
	PrevEventIDs []id.EventID
}

// ValidMembershipChange checks a membership transition described by a
// Requester against the given auth state. Equivalent to Check on a full
// m.room.member event.
func ValidMembershipChange(requester *Requester, authState pdu.StateEvents) error {
	return checkMembership(&pdu.PDU{
		RoomID:     requester.RoomID,
		Sender:     requester.Sender,
		Type:       event.StateMember,
		StateKey:   ptr.Ptr(requester.StateKey),
		Content:    event.Content{VeryRaw: requester.Content},
		PrevEvents: requester.PrevEventIDs,
	}, authState)
}

// checkMembership implements the membership transition table. Any
// combination of current membership, requested membership, sender, power
// and join rule not explicitly allowed here is rejected.
func checkMembership(evt *pdu.PDU, authState pdu.StateEvents) error {
	if !evt.IsState() || evt.GetStateKey() == "" {
		return rejectf("membership event %s has no state key", evt.ID)
	}
	target := id.UserID(evt.GetStateKey())
	membership, err := evt.Membership()
	if err != nil {
		return rejectf("%v", err)
	}

	levels, err := resolvePowerLevels(authState)
	if err != nil {
		return rejectf("invalid power levels in auth state: %v", err)
	}
	senderMembership := authState.Membership(evt.Sender)
	targetMembership := authState.Membership(target)
	senderLevel := levels.userLevel(evt.Sender)
	targetLevel := levels.userLevel(target)

	switch membership {
	case event.MembershipJoin:
		return checkJoin(evt, target, targetMembership, authState)
	case event.MembershipInvite:
		if token := evt.ThirdPartyInviteToken(); token != "" {
			return checkThirdPartyInvite(evt, target, targetMembership, authState, token)
		}
		if senderMembership != event.MembershipJoin {
			return rejectf("sender %s cannot invite without being in the room", evt.Sender)
		}
		if targetMembership == event.MembershipJoin || targetMembership == event.MembershipBan {
			return rejectf("cannot invite %s: user is already joined or banned", target)
		}
		if senderLevel < levels.pl.Invite() {
			return rejectf("sender %s does not have enough power to invite", evt.Sender)
		}
		return nil
	case event.MembershipLeave:
		if evt.Sender == target {
			switch senderMembership {
			case event.MembershipJoin, event.MembershipInvite, event.MembershipKnock:
				return nil
			}
			return rejectf("%s cannot leave a room they are not in", target)
		}
		if senderMembership != event.MembershipJoin {
			return rejectf("sender %s cannot kick without being in the room", evt.Sender)
		}
		if targetMembership == event.MembershipBan && senderLevel < levels.pl.Ban() {
			return rejectf("sender %s does not have enough power to unban", evt.Sender)
		}
		if senderLevel < levels.pl.Kick() || targetLevel >= senderLevel {
			return rejectf("sender %s does not have enough power to kick %s", evt.Sender, target)
		}
		return nil
	case event.MembershipBan:
		if senderMembership != event.MembershipJoin {
			return rejectf("sender %s cannot ban without being in the room", evt.Sender)
		}
		if senderLevel < levels.pl.Ban() || targetLevel >= senderLevel {
			return rejectf("sender %s does not have enough power to ban %s", evt.Sender, target)
		}
		return nil
	case event.MembershipKnock:
		joinRule := currentJoinRule(authState)
		if joinRule != event.JoinRuleKnock && joinRule != event.JoinRuleKnockRestricted {
			return rejectf("room does not allow knocking")
		}
		if evt.Sender != target {
			return rejectf("cannot knock on behalf of another user")
		}
		switch senderMembership {
		case event.MembershipBan, event.MembershipInvite, event.MembershipJoin:
			return rejectf("%s cannot knock while %s", target, senderMembership)
		}
		return nil
	default:
		return rejectf("unknown membership %q", membership)
	}
}

func checkJoin(evt *pdu.PDU, target id.UserID, targetMembership event.Membership, authState pdu.StateEvents) error {
	// The creator's first join rides directly on the creation event.
	if createEvent := authState.CreateEvent(); createEvent != nil &&
		len(evt.PrevEvents) == 1 && evt.PrevEvents[0] == createEvent.ID &&
		target == createEvent.Creator() {
		return nil
	}

	if evt.Sender != target {
		return rejectf("cannot force another user to join")
	}
	if targetMembership == event.MembershipBan {
		return rejectf("%s cannot join while banned", target)
	}

	joinRule := currentJoinRule(authState)

	if joinRule == event.JoinRulePublic {
		return nil
	}
	if joinRule == event.JoinRuleInvite || joinRule == event.JoinRuleKnock {
		if targetMembership == event.MembershipInvite || targetMembership == event.MembershipJoin {
			return nil
		}
		return rejectf("%s has not been invited to this room", target)
	}
	if joinRule == event.JoinRuleRestricted || joinRule == event.JoinRuleKnockRestricted {
		if targetMembership == event.MembershipInvite || targetMembership == event.MembershipJoin {
			return nil
		}
		return checkRestrictedJoin(evt, authState)
	}
	return rejectf("room join rule %q does not allow %s to join", joinRule, target)
}

// checkRestrictedJoin validates the delegated authorization of a join into
// a restricted room: the event must name an authorising user who is joined
// and holds invite power. The signature of the authorising server was
// already verified upstream.
func checkRestrictedJoin(evt *pdu.PDU, authState pdu.StateEvents) error {
	authorisedVia := evt.JoinAuthorisedVia()
	if authorisedVia == "" {
		return rejectf("cannot join restricted room without authorisation or invite")
	}
	if authState.Membership(authorisedVia) != event.MembershipJoin {
		return rejectf("authorising user %s is not in the room", authorisedVia)
	}
	levels, err := resolvePowerLevels(authState)
	if err != nil {
		return rejectf("invalid power levels in auth state: %v", err)
	}
	if levels.userLevel(authorisedVia) < levels.pl.Invite() {
		return rejectf("authorising user %s does not have enough power to invite", authorisedVia)
	}
	return nil
}

// checkThirdPartyInvite validates an invite that redeems a third-party
// invite token. Signature verification of the signed object is out of
// scope here; only the structural and state rules are checked.
func checkThirdPartyInvite(evt *pdu.PDU, target id.UserID, targetMembership event.Membership, authState pdu.StateEvents, token string) error {
	if targetMembership == event.MembershipBan {
		return rejectf("cannot invite %s: user is banned", target)
	}
	if mxid := evt.ThirdPartyInviteMXID(); mxid != target {
		return rejectf("third-party invite mxid %s does not match target %s", mxid, target)
	}
	tokenEvent := authState.Get(pdu.StateThirdPartyInvite, token)
	if tokenEvent == nil {
		return rejectf("no third-party invite in room state matches token %q", token)
	}
	if tokenEvent.Sender != evt.Sender {
		return rejectf("third-party invite sender does not match membership event sender")
	}
	return nil
}

// currentJoinRule reads the join rule from the auth state, defaulting to
// invite when there is no join rules event or its content is malformed.
func currentJoinRule(authState pdu.StateEvents) event.JoinRule {
	joinRulesEvent := authState.Get(event.StateJoinRules, "")
	if joinRulesEvent == nil {
		return event.JoinRuleInvite
	}
	joinRule, err := joinRulesEvent.JoinRule()
	if err != nil {
		return event.JoinRuleInvite
	}
	return joinRule
}
