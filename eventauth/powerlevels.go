package eventauth

import (
	"fmt"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomstate/pdu"
)

// powerLevelView is the effective power level table at a point in the
// graph: the parsed m.room.power_levels content if one exists, plus the
// creator fallback (creator 100, everyone else 0) used before the first
// power levels event.
type powerLevelView struct {
	pl       *event.PowerLevelsEventContent
	hasEvent bool
	creator  id.UserID
}

func resolvePowerLevels(authState pdu.StateEvents) (*powerLevelView, error) {
	view := &powerLevelView{pl: &event.PowerLevelsEventContent{}}
	if createEvent := authState.CreateEvent(); createEvent != nil {
		view.creator = createEvent.Creator()
	}
	plEvent := authState.Get(event.StatePowerLevels, "")
	if plEvent == nil {
		return view, nil
	}
	pl, err := plEvent.PowerLevels()
	if err != nil {
		return nil, err
	}
	view.pl = pl
	view.hasEvent = true
	return view, nil
}

func (v *powerLevelView) userLevel(userID id.UserID) int {
	if v.hasEvent {
		return v.pl.GetUserLevel(userID)
	}
	if v.creator != "" && userID == v.creator {
		return 100
	}
	return 0
}

// sendLevel returns the power level required to send the given event.
// Without a power levels event there are no restrictions beyond membership.
func (v *powerLevelView) sendLevel(evt *pdu.PDU) int {
	if !v.hasEvent {
		return 0
	}
	return v.pl.GetEventLevel(evt.Type)
}

// UserPowerLevel evaluates the power level of a user against an auth state,
// applying the creator fallback when the state has no power levels event.
func UserPowerLevel(authState pdu.StateEvents, userID id.UserID) int {
	view, err := resolvePowerLevels(authState)
	if err != nil {
		return 0
	}
	return view.userLevel(userID)
}

// The named integer fields of power levels content and their defaults when
// the field is absent from the event.
var powerLevelIntFields = map[string]int64{
	"users_default":  0,
	"events_default": 0,
	"state_default":  50,
	"ban":            50,
	"kick":           50,
	"redact":         50,
	"invite":         0,
}

func intField(raw []byte, name string) (int64, bool) {
	res := gjson.GetBytes(raw, name)
	if !res.Exists() {
		return 0, false
	}
	return res.Int(), true
}

// intMapField extracts an object field whose values must all be integers.
// Returns an error for any other shape, so a malformed power levels event
// is rejected instead of silently reinterpreted.
func intMapField(raw []byte, name string) (map[string]int64, error) {
	res := gjson.GetBytes(raw, name)
	if !res.Exists() {
		return nil, nil
	}
	if !res.IsObject() {
		return nil, fmt.Errorf("%s field in power levels content is not an object", name)
	}
	out := make(map[string]int64)
	var badKey string
	res.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.Number {
			badKey = key.Str
			return false
		}
		out[key.Str] = value.Int()
		return true
	})
	if badKey != "" {
		return nil, fmt.Errorf("non-integer value for %q in %s field of power levels content", badKey, name)
	}
	return out, nil
}

// checkPowerLevelsChange applies the self-escalation rules to a new
// m.room.power_levels event: the sender may only alter levels that are not
// above their own, may not assign levels above their own, and may only
// change their own entry among users at exactly their level.
func checkPowerLevelsChange(evt *pdu.PDU, authState pdu.StateEvents, senderLevel int64) error {
	newRaw := evt.RawContent()

	// Validate the maps up front so a malformed event is rejected even if
	// there is no previous power levels event.
	newUsers, err := intMapField(newRaw, "users")
	if err != nil {
		return err
	}
	newEvents, err := intMapField(newRaw, "events")
	if err != nil {
		return err
	}
	newNotifications, err := intMapField(newRaw, "notifications")
	if err != nil {
		return err
	}

	currentEvent := authState.Get(event.StatePowerLevels, "")
	if currentEvent == nil {
		// The first power levels event of a room is always allowed.
		return nil
	}
	currentRaw := currentEvent.RawContent()

	for field, fieldDefault := range powerLevelIntFields {
		currentLevel, hasCurrent := intField(currentRaw, field)
		newLevel, hasNew := intField(newRaw, field)
		if hasCurrent == hasNew && currentLevel == newLevel {
			continue
		}
		if !hasCurrent {
			currentLevel = fieldDefault
		}
		if !hasNew {
			newLevel = fieldDefault
		}
		if currentLevel > senderLevel || newLevel > senderLevel {
			return fmt.Errorf("sender does not have enough power to change the %s level", field)
		}
	}

	currentUsers, err := intMapField(currentRaw, "users")
	if err != nil {
		return err
	}
	for user := range union(currentUsers, newUsers) {
		currentLevel, hasCurrent := currentUsers[user]
		newLevel, hasNew := newUsers[user]
		if hasCurrent == hasNew && currentLevel == newLevel {
			continue
		}
		if hasCurrent && currentLevel == senderLevel && user != string(evt.Sender) {
			return fmt.Errorf("sender cannot change the level of another user at their own level")
		}
		if (hasCurrent && currentLevel > senderLevel) || (hasNew && newLevel > senderLevel) {
			return fmt.Errorf("sender does not have enough power to change the level of %s", user)
		}
	}

	currentEvents, err := intMapField(currentRaw, "events")
	if err != nil {
		return err
	}
	for evtType := range union(currentEvents, newEvents) {
		currentLevel, hasCurrent := currentEvents[evtType]
		newLevel, hasNew := newEvents[evtType]
		if hasCurrent == hasNew && currentLevel == newLevel {
			continue
		}
		if (hasCurrent && currentLevel > senderLevel) || (hasNew && newLevel > senderLevel) {
			return fmt.Errorf("sender does not have enough power to change the send level of %s", evtType)
		}
	}

	currentNotifications, err := intMapField(currentRaw, "notifications")
	if err != nil {
		return err
	}
	for key := range union(currentNotifications, newNotifications) {
		currentLevel, hasCurrent := currentNotifications[key]
		newLevel, hasNew := newNotifications[key]
		if hasCurrent == hasNew && currentLevel == newLevel {
			continue
		}
		if (hasCurrent && currentLevel > senderLevel) || (hasNew && newLevel > senderLevel) {
			return fmt.Errorf("sender does not have enough power to change the %s notification level", key)
		}
	}

	return nil
}

func union(a, b map[string]int64) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for key := range a {
		keys[key] = struct{}{}
	}
	for key := range b {
		keys[key] = struct{}{}
	}
	return keys
}
