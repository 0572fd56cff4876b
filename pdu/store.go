package pdu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.mau.fi/util/exsync"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"
)

// ErrEventNotFound is returned by stores when a referenced event ID cannot
// be fetched. Resolution treats it as a hard input-data error, not a
// transient condition: the caller must backfill the event and retry.
var ErrEventNotFound = errors.New("event not found")

// ErrDuplicateAuthSlot is returned when an event's auth_events resolve to
// more than one event for the same state slot.
var ErrDuplicateAuthSlot = errors.New("duplicate auth event slot")

// Store is the read-only event lookup that resolution runs against.
// Implementations must return events consistently within a resolution run.
type Store interface {
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*PDU, error)
}

// MemoryStore is a map-backed Store. It is safe for concurrent reads after
// all events have been added.
type MemoryStore struct {
	lock   sync.RWMutex
	events map[id.EventID]*PDU
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[id.EventID]*PDU)}
}

func (ms *MemoryStore) Put(evt *PDU) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.events[evt.ID] = evt
}

func (ms *MemoryStore) GetEvent(_ context.Context, _ id.RoomID, eventID id.EventID) (*PDU, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	evt, ok := ms.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return evt, nil
}

// CachedStore wraps another Store with an LRU cache. Events are immutable
// once accepted, so cached entries never need invalidation. This gives an
// embedding server cheap memoization across resolution runs; within a
// single run the resolver additionally memoizes on its own.
type CachedStore struct {
	inner Store
	cache *lru.Cache[id.EventID, *PDU]
}

func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	cache, err := lru.New[id.EventID, *PDU](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

func (cs *CachedStore) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*PDU, error) {
	if evt, ok := cs.cache.Get(eventID); ok {
		return evt, nil
	}
	evt, err := cs.inner.GetEvent(ctx, roomID, eventID)
	if err != nil {
		return nil, err
	}
	cs.cache.Add(eventID, evt)
	return evt, nil
}

// ResolveAuthEvents fetches the events referenced by evt's auth_events and
// arranges them into a state map keyed by auth slot. A missing event
// propagates ErrEventNotFound; two auth events occupying the same slot is
// ErrDuplicateAuthSlot.
func ResolveAuthEvents(ctx context.Context, store Store, evt *PDU) (StateEvents, error) {
	authState := make(StateEvents, len(evt.AuthEvents))
	for _, authEventID := range evt.AuthEvents {
		authEvent, err := store.GetEvent(ctx, evt.RoomID, authEventID)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth event %s: %w", authEventID, err)
		}
		if !authEvent.IsState() {
			return nil, fmt.Errorf("auth event %s has no state key", authEventID)
		}
		slot := authEvent.StateSlot()
		if _, alreadySet := authState[slot]; alreadySet {
			return nil, fmt.Errorf("%w: %s for (%s, %q)", ErrDuplicateAuthSlot, authEventID, slot.Type.Type, slot.StateKey)
		}
		authState[slot] = authEvent
	}
	return authState, nil
}

const authChainFetchConcurrency = 8

// AuthChain computes the full recursive auth chain of the given events: the
// set of every event ID reachable through auth_events references, including
// the starting IDs themselves. Events within one wave of the walk are
// fetched concurrently; a missing event fails the whole walk.
func AuthChain(ctx context.Context, store Store, roomID id.RoomID, eventIDs []id.EventID) (map[id.EventID]struct{}, error) {
	seen := exsync.NewSet[id.EventID]()
	frontier := make([]id.EventID, 0, len(eventIDs))
	for _, evtID := range eventIDs {
		if seen.Add(evtID) {
			frontier = append(frontier, evtID)
		}
	}

	for len(frontier) > 0 {
		var lock sync.Mutex
		var next []id.EventID
		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(authChainFetchConcurrency)
		for _, evtID := range frontier {
			group.Go(func() error {
				evt, err := store.GetEvent(gctx, roomID, evtID)
				if err != nil {
					return fmt.Errorf("failed to get auth chain event %s: %w", evtID, err)
				}
				lock.Lock()
				defer lock.Unlock()
				for _, authEventID := range evt.AuthEvents {
					if seen.Add(authEventID) {
						next = append(next, authEventID)
					}
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		frontier = next
	}

	seenList := seen.AsList()
	chain := make(map[id.EventID]struct{}, len(seenList))
	for _, evtID := range seenList {
		chain[evtID] = struct{}{}
	}
	return chain, nil
}
