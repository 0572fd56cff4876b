// Package sqlstore reads room events out of a Synapse database for use as
// a resolution event store. The database is only ever read, never written.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomstate/pdu"
)

type EventStore struct {
	DB *dbutil.Database
}

const PreferredVersion = 86

const (
	getEventJSONQuery = `
		SELECT ej.json FROM event_json ej
		INNER JOIN events e ON e.event_id = ej.event_id
		WHERE ej.event_id = $1 AND e.room_id = $2
	`
	getForwardExtremitiesQuery = `
		SELECT event_id FROM event_forward_extremities WHERE room_id = $1
	`
	getStateGroupQuery = `
		SELECT state_group FROM event_to_state_groups WHERE event_id = $1
	`
	// State groups are stored as delta chains. The recursive walk collects
	// the whole chain and the DISTINCT ON picks the newest delta per slot.
	getStateGroupStateQuery = `
		WITH RECURSIVE sgs(state_group) AS (
			VALUES ($1::bigint)
			UNION ALL
			SELECT prev_state_group FROM state_group_edges e, sgs s
			WHERE s.state_group = e.state_group
		)
		SELECT DISTINCT ON (type, state_key) type, state_key, event_id
		FROM state_groups_state
		WHERE state_group IN (SELECT state_group FROM sgs)
		ORDER BY type, state_key, state_group DESC
	`
)

func (s *EventStore) CheckVersion(ctx context.Context) error {
	var current, compat int
	err := s.DB.QueryRow(ctx, "SELECT version FROM schema_version").Scan(&current)
	if err != nil {
		return err
	}
	err = s.DB.QueryRow(ctx, "SELECT compat_version FROM schema_compat_version").Scan(&compat)
	if err != nil {
		return err
	}
	if current < PreferredVersion {
		zerolog.Ctx(ctx).Warn().
			Int("preferred_version", PreferredVersion).
			Int("current_version", current).
			Int("current_compat_version", compat).
			Msg("Synapse database schema is older than expected")
	} else if compat > PreferredVersion {
		zerolog.Ctx(ctx).Warn().
			Int("preferred_version", PreferredVersion).
			Int("current_version", current).
			Int("current_compat_version", compat).
			Msg("Synapse database schema is newer than expected")
	}
	return nil
}

var _ pdu.Store = (*EventStore)(nil)

// GetEvent loads a single event by ID. The stored federation-format JSON
// doesn't contain the event ID, so it's filled in from the lookup key.
func (s *EventStore) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*pdu.PDU, error) {
	var rawJSON []byte
	err := s.DB.QueryRow(ctx, getEventJSONQuery, eventID, roomID).Scan(&rawJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pdu.ErrEventNotFound, eventID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to query event %s: %w", eventID, err)
	}
	var evt pdu.PDU
	err = json.Unmarshal(rawJSON, &evt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse event %s: %w", eventID, err)
	}
	evt.ID = eventID
	evt.RoomID = roomID
	evt.Normalize()
	return &evt, nil
}

var eventIDScanner = dbutil.ConvertRowFn[id.EventID](dbutil.ScanSingleColumn[id.EventID])

// GetForwardExtremities returns the event IDs of the room's current
// forward extremities, i.e. the heads of the event graph whose states are
// the natural inputs to a resolution.
func (s *EventStore) GetForwardExtremities(ctx context.Context, roomID id.RoomID) ([]id.EventID, error) {
	return eventIDScanner.NewRowIter(s.DB.Query(ctx, getForwardExtremitiesQuery, roomID)).AsList()
}

// GetStateAt returns the room state after the given event, as recorded in
// Synapse's state group tables. Only works on Postgres.
func (s *EventStore) GetStateAt(ctx context.Context, eventID id.EventID) (pdu.StateMap, error) {
	var stateGroup int64
	err := s.DB.QueryRow(ctx, getStateGroupQuery, eventID).Scan(&stateGroup)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no state group found for %s", eventID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to query state group for %s: %w", eventID, err)
	}
	rows, err := s.DB.Query(ctx, getStateGroupStateQuery, stateGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to query state group %d: %w", stateGroup, err)
	}
	defer rows.Close()
	state := make(pdu.StateMap)
	for rows.Next() {
		var evtType, stateKey string
		var stateEventID id.EventID
		err = rows.Scan(&evtType, &stateKey, &stateEventID)
		if err != nil {
			return nil, err
		}
		slot := pdu.StateKey{
			Type:     event.Type{Type: evtType, Class: event.StateEventType},
			StateKey: stateKey,
		}
		state[slot] = stateEventID
	}
	return state, rows.Err()
}

func (s *EventStore) Close() error {
	return s.DB.Close()
}
