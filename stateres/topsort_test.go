package stateres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func sortWithDetails(t *testing.T, graph map[id.EventID]map[id.EventID]struct{}, details map[id.EventID]eventDetails) []id.EventID {
	t.Helper()
	sorted, err := reverseTopologicalPowerSort(graph, func(eventID id.EventID) (eventDetails, error) {
		item, ok := details[eventID]
		require.True(t, ok, "no details for %s", eventID)
		return item, nil
	})
	require.NoError(t, err)
	return sorted
}

func TestReverseTopologicalPowerSort(t *testing.T) {
	// d depends on b and c, which both depend on a.
	graph := map[id.EventID]map[id.EventID]struct{}{
		"$a": {},
		"$b": {"$a": {}},
		"$c": {"$a": {}},
		"$d": {"$b": {}, "$c": {}},
	}
	details := map[id.EventID]eventDetails{
		"$a": {eventID: "$a", powerLevel: 100, originServerTS: 1},
		"$b": {eventID: "$b", powerLevel: 50, originServerTS: 2},
		"$c": {eventID: "$c", powerLevel: 100, originServerTS: 3},
		"$d": {eventID: "$d", powerLevel: 0, originServerTS: 4},
	}
	// Dependencies always come first; among b and c the higher sender
	// power wins the tie even though b has the earlier timestamp.
	assert.Equal(t, []id.EventID{"$a", "$c", "$b", "$d"}, sortWithDetails(t, graph, details))
}

func TestReverseTopologicalPowerSort_TieBreaks(t *testing.T) {
	graph := map[id.EventID]map[id.EventID]struct{}{
		"$x": {}, "$y": {}, "$z": {},
	}
	details := map[id.EventID]eventDetails{
		"$x": {eventID: "$x", powerLevel: 50, originServerTS: 10},
		"$y": {eventID: "$y", powerLevel: 50, originServerTS: 5},
		"$z": {eventID: "$z", powerLevel: 50, originServerTS: 5},
	}
	// Equal power: earlier timestamp first, then smaller event ID.
	assert.Equal(t, []id.EventID{"$y", "$z", "$x"}, sortWithDetails(t, graph, details))
}

func TestReverseTopologicalPowerSort_Cycle(t *testing.T) {
	graph := map[id.EventID]map[id.EventID]struct{}{
		"$a": {"$b": {}},
		"$b": {"$a": {}},
	}
	_, err := reverseTopologicalPowerSort(graph, func(eventID id.EventID) (eventDetails, error) {
		return eventDetails{eventID: eventID}, nil
	})
	assert.Error(t, err)
}
