package stateres

import (
	"container/heap"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// eventDetails are the tie-break keys for the reverse topological power
// ordering of two events with no remaining dependency edges.
type eventDetails struct {
	eventID        id.EventID
	powerLevel     int
	originServerTS int64
}

// detailsHeap pops the event that must come earliest: highest sender power
// first, then earliest origin_server_ts, then smallest event ID. The chain
// leaves no ambiguity, which is what makes the ordering reproducible on
// every server.
type detailsHeap []eventDetails

func (h detailsHeap) Len() int { return len(h) }

func (h detailsHeap) Less(i, j int) bool {
	if h[i].powerLevel != h[j].powerLevel {
		return h[i].powerLevel > h[j].powerLevel
	}
	if h[i].originServerTS != h[j].originServerTS {
		return h[i].originServerTS < h[j].originServerTS
	}
	return h[i].eventID < h[j].eventID
}

func (h detailsHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *detailsHeap) Push(x any) { *h = append(*h, x.(eventDetails)) }

func (h *detailsHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// reverseTopologicalPowerSort orders the given auth dependency graph from
// earliest to latest using Kahn's algorithm, breaking ties among ready
// events with the power ordering above. The graph maps each event to the
// events in its auth chain that are part of the sort; an event sorts after
// everything it depends on.
func reverseTopologicalPowerSort(graph map[id.EventID]map[id.EventID]struct{}, details func(id.EventID) (eventDetails, error)) ([]id.EventID, error) {
	outgoing := make(map[id.EventID]map[id.EventID]struct{}, len(graph))
	incoming := make(map[id.EventID]map[id.EventID]struct{}, len(graph))
	ready := &detailsHeap{}

	for eventID, deps := range graph {
		edges := make(map[id.EventID]struct{}, len(deps))
		for dep := range deps {
			edges[dep] = struct{}{}
		}
		outgoing[eventID] = edges
		if len(edges) == 0 {
			item, err := details(eventID)
			if err != nil {
				return nil, err
			}
			*ready = append(*ready, item)
		}
		if _, ok := incoming[eventID]; !ok {
			incoming[eventID] = make(map[id.EventID]struct{})
		}
		for dep := range deps {
			if _, ok := incoming[dep]; !ok {
				incoming[dep] = make(map[id.EventID]struct{})
			}
			incoming[dep][eventID] = struct{}{}
		}
	}
	heap.Init(ready)

	sorted := make([]id.EventID, 0, len(graph))
	for ready.Len() > 0 {
		item := heap.Pop(ready).(eventDetails)
		for parent := range incoming[item.eventID] {
			edges := outgoing[parent]
			delete(edges, item.eventID)
			if len(edges) == 0 {
				parentItem, err := details(parent)
				if err != nil {
					return nil, err
				}
				heap.Push(ready, parentItem)
			}
		}
		sorted = append(sorted, item.eventID)
	}

	// Hash-linked auth references can't form a cycle, so this only fires
	// on forged input.
	if len(sorted) != len(graph) {
		return nil, fmt.Errorf("auth event graph contains a cycle (%d of %d events sorted)", len(sorted), len(graph))
	}
	return sorted, nil
}
