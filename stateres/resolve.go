// Package stateres implements the state resolution algorithm: given several
// divergent candidate states for a room, it deterministically folds them
// into one canonical state. Every server resolving the same inputs against
// the same event store arrives at a byte-identical result.
package stateres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomstate/eventauth"
	"go.mau.fi/roomstate/pdu"
)

// resolver carries the per-run state of one resolution: the store, the
// room, and a memo of every event fetched so far. Two lookups of the same
// event ID within a run always observe the same value.
type resolver struct {
	store  pdu.Store
	roomID id.RoomID

	lock sync.Mutex
	memo map[id.EventID]*pdu.PDU
}

var _ pdu.Store = (*resolver)(nil)

func (r *resolver) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*pdu.PDU, error) {
	r.lock.Lock()
	evt, ok := r.memo[eventID]
	r.lock.Unlock()
	if ok {
		return evt, nil
	}
	evt, err := r.store.GetEvent(ctx, roomID, eventID)
	if err != nil {
		return nil, err
	}
	r.lock.Lock()
	r.memo[eventID] = evt
	r.lock.Unlock()
	return evt, nil
}

// Resolve computes the canonical state of a room from the given candidate
// state maps. Unconflicted entries pass through unchanged; conflicted
// slots are decided by replaying the conflicting events and their auth
// difference through the authorization rules in power order, then mainline
// order. The result is a pure function of the inputs and the store
// contents: resolving the same inputs twice yields the same map.
//
// A store miss for any referenced event is a hard failure of the whole
// run; the caller should backfill the event and resolve again.
func Resolve(ctx context.Context, roomID id.RoomID, stateSets []pdu.StateMap, store pdu.Store) (pdu.StateMap, error) {
	log := zerolog.Ctx(ctx).With().
		Str("resolution_run", uuid.NewString()).
		Stringer("room_id", roomID).
		Logger()
	ctx = log.WithContext(ctx)
	start := time.Now()

	resolved, err := resolve(ctx, roomID, stateSets, store)
	resolutionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		resolutionCount.WithLabelValues("error").Inc()
		log.Err(err).Msg("State resolution failed")
		return nil, err
	}
	resolutionCount.WithLabelValues("ok").Inc()
	log.Debug().
		Int("resolved_entries", len(resolved)).
		Dur("duration", time.Since(start)).
		Msg("State resolution finished")
	return resolved, nil
}

func resolve(ctx context.Context, roomID id.RoomID, stateSets []pdu.StateMap, store pdu.Store) (pdu.StateMap, error) {
	log := zerolog.Ctx(ctx)
	unconflicted, conflicted := splitStateSets(stateSets)
	if len(conflicted) == 0 {
		log.Debug().Int("entries", len(unconflicted)).Msg("No conflicted state found")
		return unconflicted, nil
	}
	log.Debug().
		Int("unconflicted_entries", len(unconflicted)).
		Int("conflicted_slots", len(conflicted)).
		Msg("Resolving conflicted state")

	r := &resolver{
		store:  store,
		roomID: roomID,
		memo:   make(map[id.EventID]*pdu.PDU),
	}

	// The full conflicted set is the union of the conflicted slot values
	// and the auth difference of the candidate states.
	fullConflicted := make(map[id.EventID]struct{})
	for _, eventIDs := range conflicted {
		for _, eventID := range eventIDs {
			fullConflicted[eventID] = struct{}{}
		}
	}
	authDiff, err := r.authDifference(ctx, stateSets)
	if err != nil {
		return nil, err
	}
	for eventID := range authDiff {
		fullConflicted[eventID] = struct{}{}
	}

	var powerEvents, otherEvents []id.EventID
	for eventID := range fullConflicted {
		evt, err := r.GetEvent(ctx, roomID, eventID)
		if err != nil {
			return nil, fmt.Errorf("failed to get conflicted event %s: %w", eventID, err)
		}
		if pdu.IsPowerEvent(evt) {
			powerEvents = append(powerEvents, eventID)
		} else {
			otherEvents = append(otherEvents, eventID)
		}
	}
	log.Trace().
		Int("full_conflicted_set", len(fullConflicted)).
		Int("power_events", len(powerEvents)).
		Msg("Computed full conflicted set")

	sortedPower, err := r.sortPowerEvents(ctx, powerEvents, fullConflicted)
	if err != nil {
		return nil, err
	}

	partialState, err := r.iterativeAuthChecks(ctx, sortedPower, unconflicted.Clone())
	if err != nil {
		return nil, err
	}

	// Some of otherEvents may have been pulled into the power sort through
	// their auth chains; only the rest goes through mainline ordering.
	sortedPowerSet := make(map[id.EventID]struct{}, len(sortedPower))
	for _, eventID := range sortedPower {
		sortedPowerSet[eventID] = struct{}{}
	}
	remaining := make([]id.EventID, 0, len(otherEvents))
	for _, eventID := range otherEvents {
		if _, sorted := sortedPowerSet[eventID]; !sorted {
			remaining = append(remaining, eventID)
		}
	}

	powerLevelsID := partialState[pdu.StateKey{Type: event.StatePowerLevels, StateKey: ""}]
	sortedRemaining, err := r.mainlineSort(ctx, remaining, powerLevelsID)
	if err != nil {
		return nil, err
	}

	resolved, err := r.iterativeAuthChecks(ctx, sortedRemaining, partialState)
	if err != nil {
		return nil, err
	}

	// Unconflicted state always wins over anything the replay produced.
	for slot, eventID := range unconflicted {
		resolved[slot] = eventID
	}
	return resolved, nil
}

// splitStateSets partitions the union of the candidate state maps: a slot
// whose value appears in every candidate is unconflicted, everything else
// lands in the conflicted set.
func splitStateSets(stateSets []pdu.StateMap) (pdu.StateMap, map[pdu.StateKey][]id.EventID) {
	unconflicted := make(pdu.StateMap)
	conflicted := make(map[pdu.StateKey][]id.EventID)

	occurrences := make(map[pdu.StateKey]map[id.EventID]int)
	for _, stateSet := range stateSets {
		for slot, eventID := range stateSet {
			values, ok := occurrences[slot]
			if !ok {
				values = make(map[id.EventID]int)
				occurrences[slot] = values
			}
			values[eventID]++
		}
	}

	for slot, values := range occurrences {
		for eventID, count := range values {
			if count == len(stateSets) {
				unconflicted[slot] = eventID
			} else {
				conflicted[slot] = append(conflicted[slot], eventID)
			}
		}
	}
	return unconflicted, conflicted
}

// authDifference computes the union minus the intersection of the full
// auth chains of the candidate states.
func (r *resolver) authDifference(ctx context.Context, stateSets []pdu.StateMap) (map[id.EventID]struct{}, error) {
	chainCounts := make(map[id.EventID]int)
	for _, stateSet := range stateSets {
		starts := make([]id.EventID, 0, len(stateSet))
		for _, eventID := range stateSet {
			starts = append(starts, eventID)
		}
		chain, err := pdu.AuthChain(ctx, r, r.roomID, starts)
		if err != nil {
			return nil, err
		}
		for eventID := range chain {
			chainCounts[eventID]++
		}
	}

	difference := make(map[id.EventID]struct{})
	for eventID, count := range chainCounts {
		if count < len(stateSets) {
			difference[eventID] = struct{}{}
		}
	}
	return difference, nil
}

// sortPowerEvents enlarges the conflicted power events with the parts of
// their auth chains that are also conflicted, then orders the whole set
// with the reverse topological power ordering.
func (r *resolver) sortPowerEvents(ctx context.Context, powerEvents []id.EventID, fullConflicted map[id.EventID]struct{}) ([]id.EventID, error) {
	graph := make(map[id.EventID]map[id.EventID]struct{})
	for _, eventID := range powerEvents {
		if err := r.addToGraph(ctx, graph, eventID, fullConflicted); err != nil {
			return nil, err
		}
	}

	senderLevels := make(map[id.EventID]int, len(graph))
	for eventID := range graph {
		level, err := r.powerLevelForSender(ctx, eventID)
		if err != nil {
			return nil, err
		}
		senderLevels[eventID] = level
	}

	return reverseTopologicalPowerSort(graph, func(eventID id.EventID) (eventDetails, error) {
		evt, err := r.GetEvent(ctx, r.roomID, eventID)
		if err != nil {
			return eventDetails{}, err
		}
		return eventDetails{
			eventID:        eventID,
			powerLevel:     senderLevels[eventID],
			originServerTS: evt.OriginServerTS,
		}, nil
	})
}

// addToGraph adds the event and every event in its auth chain that is part
// of the full conflicted set, with edges pointing at auth dependencies.
func (r *resolver) addToGraph(ctx context.Context, graph map[id.EventID]map[id.EventID]struct{}, eventID id.EventID, fullConflicted map[id.EventID]struct{}) error {
	stack := []id.EventID{eventID}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := graph[current]; !ok {
			graph[current] = make(map[id.EventID]struct{})
		}
		evt, err := r.GetEvent(ctx, r.roomID, current)
		if err != nil {
			return fmt.Errorf("failed to get power event %s: %w", current, err)
		}
		for _, authEventID := range evt.AuthEvents {
			if _, conflicted := fullConflicted[authEventID]; !conflicted {
				continue
			}
			if _, known := graph[authEventID]; !known {
				stack = append(stack, authEventID)
			}
			graph[current][authEventID] = struct{}{}
		}
	}
	return nil
}

// powerLevelForSender finds the sender's power level at the time of the
// event by looking for power levels and creation events in its auth
// events. Used only for sort tie-breaking.
func (r *resolver) powerLevelForSender(ctx context.Context, eventID id.EventID) (int, error) {
	evt, err := r.GetEvent(ctx, r.roomID, eventID)
	if err != nil {
		return 0, err
	}
	var powerLevelsEvent, createEvent *pdu.PDU
	if evt.Type == event.StateCreate {
		createEvent = evt
	}
	for _, authEventID := range evt.AuthEvents {
		authEvent, err := r.GetEvent(ctx, r.roomID, authEventID)
		if err != nil {
			return 0, fmt.Errorf("failed to get auth event %s: %w", authEventID, err)
		}
		switch {
		case authEvent.Type == event.StatePowerLevels && authEvent.GetStateKey() == "":
			powerLevelsEvent = authEvent
		case authEvent.Type == event.StateCreate && authEvent.GetStateKey() == "":
			createEvent = authEvent
		}
	}

	if powerLevelsEvent == nil {
		if createEvent != nil && createEvent.Creator() == evt.Sender {
			return 100, nil
		}
		return 0, nil
	}
	pl, err := powerLevelsEvent.PowerLevels()
	if err != nil {
		// A malformed power levels event in the auth chain only degrades
		// the tie-break, it doesn't halt resolution.
		zerolog.Ctx(ctx).Warn().Err(err).
			Stringer("event_id", powerLevelsEvent.ID).
			Msg("Malformed power levels event in auth chain")
		return 0, nil
	}
	return pl.GetUserLevel(evt.Sender), nil
}

// iterativeAuthChecks replays the sorted events on top of the given state,
// folding in each event that the authorization rules allow and silently
// dropping the rest. The auth state for each check is the event's own auth
// events overridden by whatever the accumulating state already resolved
// for the relevant slots.
func (r *resolver) iterativeAuthChecks(ctx context.Context, eventIDs []id.EventID, state pdu.StateMap) (pdu.StateMap, error) {
	log := zerolog.Ctx(ctx)
	for _, eventID := range eventIDs {
		evt, err := r.GetEvent(ctx, r.roomID, eventID)
		if err != nil {
			return nil, fmt.Errorf("failed to get candidate event %s: %w", eventID, err)
		}
		if !evt.IsState() {
			log.Warn().Stringer("event_id", eventID).Msg("Dropping candidate event without state key")
			rejectedEventCount.Inc()
			continue
		}

		authState, err := pdu.ResolveAuthEvents(ctx, r, evt)
		if err != nil {
			if errors.Is(err, pdu.ErrDuplicateAuthSlot) {
				log.Warn().Err(err).Stringer("event_id", eventID).Msg("Dropping candidate event with duplicate auth slots")
				rejectedEventCount.Inc()
				continue
			}
			return nil, err
		}

		authTypes, err := eventauth.AuthTypes(evt)
		if err != nil {
			log.Warn().Err(err).Stringer("event_id", eventID).Msg("Dropping malformed candidate event")
			rejectedEventCount.Inc()
			continue
		}
		for _, slot := range authTypes {
			resolvedID, ok := state[slot]
			if !ok {
				continue
			}
			resolvedEvent, err := r.GetEvent(ctx, r.roomID, resolvedID)
			if err != nil {
				return nil, fmt.Errorf("failed to get resolved auth event %s: %w", resolvedID, err)
			}
			authState[slot] = resolvedEvent
		}

		if err = eventauth.Check(evt, authState); err != nil {
			log.Debug().Err(err).Stringer("event_id", eventID).Msg("Candidate event failed auth check")
			rejectedEventCount.Inc()
			continue
		}
		state[evt.StateSlot()] = eventID
	}
	return state, nil
}
