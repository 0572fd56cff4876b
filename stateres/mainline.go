package stateres

import (
	"context"
	"sort"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomstate/pdu"
)

// mainlineSort orders the remaining conflicted events relative to the
// mainline: the chain of power levels events linked through their auth
// events back to room creation. Events are sorted by the mainline position
// their auth chain hangs off of, then origin_server_ts, then event ID.
// Events that never reach the mainline get position zero, so anything
// anchored to the mainline applies after them.
func (r *resolver) mainlineSort(ctx context.Context, eventIDs []id.EventID, powerLevelsID id.EventID) ([]id.EventID, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	var mainline []id.EventID
	for powerLevelsID != "" {
		mainline = append(mainline, powerLevelsID)
		evt, err := r.GetEvent(ctx, r.roomID, powerLevelsID)
		if err != nil {
			return nil, err
		}
		powerLevelsID = ""
		for _, authEventID := range evt.AuthEvents {
			authEvent, err := r.GetEvent(ctx, r.roomID, authEventID)
			if err != nil {
				return nil, err
			}
			if authEvent.Type == event.StatePowerLevels && authEvent.GetStateKey() == "" {
				powerLevelsID = authEventID
				break
			}
		}
	}

	// The mainline was walked newest to oldest; positions count from the
	// creation end so that larger means more recent.
	mainlinePositions := make(map[id.EventID]int, len(mainline))
	for i, eventID := range mainline {
		mainlinePositions[eventID] = len(mainline) - 1 - i
	}

	type mainlineKey struct {
		eventID        id.EventID
		position       int
		originServerTS int64
	}
	keys := make([]mainlineKey, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		evt, err := r.GetEvent(ctx, r.roomID, eventID)
		if err != nil {
			return nil, err
		}
		position, err := r.mainlinePosition(ctx, evt, mainlinePositions)
		if err != nil {
			return nil, err
		}
		keys = append(keys, mainlineKey{
			eventID:        eventID,
			position:       position,
			originServerTS: evt.OriginServerTS,
		})
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].position != keys[j].position {
			return keys[i].position < keys[j].position
		}
		if keys[i].originServerTS != keys[j].originServerTS {
			return keys[i].originServerTS < keys[j].originServerTS
		}
		return keys[i].eventID < keys[j].eventID
	})

	sorted := make([]id.EventID, len(keys))
	for i, key := range keys {
		sorted[i] = key.eventID
	}
	return sorted, nil
}

// mainlinePosition walks the power levels events in an event's auth chain
// until one on the mainline is found. Zero if the walk ends without
// reaching the mainline.
func (r *resolver) mainlinePosition(ctx context.Context, evt *pdu.PDU, mainlinePositions map[id.EventID]int) (int, error) {
	for evt != nil {
		if position, onMainline := mainlinePositions[evt.ID]; onMainline {
			return position, nil
		}
		next := id.EventID("")
		for _, authEventID := range evt.AuthEvents {
			authEvent, err := r.GetEvent(ctx, r.roomID, authEventID)
			if err != nil {
				return 0, err
			}
			if authEvent.Type == event.StatePowerLevels && authEvent.GetStateKey() == "" {
				next = authEventID
				break
			}
		}
		if next == "" {
			break
		}
		nextEvent, err := r.GetEvent(ctx, r.roomID, next)
		if err != nil {
			return 0, err
		}
		evt = nextEvent
	}
	return 0, nil
}
