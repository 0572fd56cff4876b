package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomstate/config"
	"go.mau.fi/roomstate/pdu"
	"go.mau.fi/roomstate/sqlstore"
	"go.mau.fi/roomstate/stateres"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var noSaveConfig = flag.MakeFull("n", "no-update", "Don't update the config file", "false").Bool()
var roomIDFlag = flag.MakeFull("r", "room", "The room to resolve state for", "").String()
var dumpPath = flag.MakeFull("d", "dump", "Resolve from a JSON event dump instead of the Synapse database", "").String()
var stateSetsPath = flag.MakeFull("s", "state-sets", "JSON file with state sets as lists of event IDs (defaults to the states at the room's forward extremities)", "").String()
var version = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func loadConfig(path string, noSave bool) *config.Config {
	configData, _, err := up.Do(path, !noSave, config.Upgrader)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to upgrade config:", err)
		os.Exit(10)
	}
	var cfg config.Config
	err = yaml.Unmarshal(configData, &cfg)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to parse config:", err)
		os.Exit(10)
	}
	return &cfg
}

// eventDump is the JSON format accepted by --dump: the full event graph
// plus the candidate states as lists of state event IDs.
type eventDump struct {
	RoomID    id.RoomID      `json:"room_id"`
	Events    []*pdu.PDU     `json:"events"`
	StateSets [][]id.EventID `json:"state_sets"`
}

func loadDump(ctx context.Context, path string) (id.RoomID, *pdu.MemoryStore, []pdu.StateMap) {
	log := zerolog.Ctx(ctx)
	data, err := os.ReadFile(path)
	if err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to read event dump")
		os.Exit(13)
	}
	var dump eventDump
	err = json.Unmarshal(data, &dump)
	if err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to parse event dump")
		os.Exit(13)
	}
	store := pdu.NewMemoryStore()
	for _, evt := range dump.Events {
		store.Put(evt.Normalize())
	}
	stateSets := make([]pdu.StateMap, len(dump.StateSets))
	for i, eventIDs := range dump.StateSets {
		stateSets[i] = make(pdu.StateMap, len(eventIDs))
		for _, eventID := range eventIDs {
			evt, err := store.GetEvent(ctx, dump.RoomID, eventID)
			if err != nil {
				log.WithLevel(zerolog.FatalLevel).Err(err).Int("state_set", i).Msg("State set references an event not in the dump")
				os.Exit(13)
			}
			if !evt.IsState() {
				log.WithLevel(zerolog.FatalLevel).Stringer("event_id", eventID).Int("state_set", i).Msg("State set references a non-state event")
				os.Exit(13)
			}
			stateSets[i][evt.StateSlot()] = eventID
		}
	}
	return dump.RoomID, store, stateSets
}

func loadFromDatabase(ctx context.Context, cfg *config.Config, roomID id.RoomID) (pdu.Store, []pdu.StateMap, func() error) {
	log := zerolog.Ctx(ctx)
	db, err := dbutil.NewFromConfig("", cfg.SynapseDB, dbutil.ZeroLogger(log.With().Str("db_section", "synapse").Logger()))
	if err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to connect to Synapse database")
		os.Exit(12)
	}
	eventStore := &sqlstore.EventStore{DB: db}
	err = eventStore.CheckVersion(ctx)
	if err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to check Synapse database schema version")
		os.Exit(12)
	}

	var stateSets []pdu.StateMap
	if *stateSetsPath != "" {
		data, err := os.ReadFile(*stateSetsPath)
		if err != nil {
			log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to read state sets file")
			os.Exit(13)
		}
		var eventIDSets [][]id.EventID
		err = json.Unmarshal(data, &eventIDSets)
		if err != nil {
			log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to parse state sets file")
			os.Exit(13)
		}
		stateSets = make([]pdu.StateMap, len(eventIDSets))
		for i, eventIDs := range eventIDSets {
			stateSets[i] = make(pdu.StateMap, len(eventIDs))
			for _, eventID := range eventIDs {
				evt, err := eventStore.GetEvent(ctx, roomID, eventID)
				if err != nil {
					log.WithLevel(zerolog.FatalLevel).Err(err).Int("state_set", i).Msg("Failed to get state set event")
					os.Exit(13)
				}
				stateSets[i][evt.StateSlot()] = eventID
			}
		}
	} else {
		extremities, err := eventStore.GetForwardExtremities(ctx, roomID)
		if err != nil {
			log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to get forward extremities")
			os.Exit(12)
		} else if len(extremities) == 0 {
			log.WithLevel(zerolog.FatalLevel).Msg("Room has no forward extremities")
			os.Exit(13)
		}
		log.Info().
			Int("extremity_count", len(extremities)).
			Msg("Resolving states at forward extremities")
		stateSets = make([]pdu.StateMap, len(extremities))
		for i, eventID := range extremities {
			stateSets[i], err = eventStore.GetStateAt(ctx, eventID)
			if err != nil {
				log.WithLevel(zerolog.FatalLevel).Err(err).Stringer("event_id", eventID).Msg("Failed to get state at forward extremity")
				os.Exit(12)
			}
		}
	}

	store, err := pdu.NewCachedStore(eventStore, cfg.Resolution.EventCacheSize)
	if err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to create event cache")
		os.Exit(12)
	}
	return store, stateSets, eventStore.Close
}

type resolvedEntry struct {
	Type     string     `json:"type"`
	StateKey string     `json:"state_key"`
	EventID  id.EventID `json:"event_id"`
}

func main() {
	initVersion()
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Println(VersionDescription)
		os.Exit(0)
	}

	cfg := loadConfig(*configPath, *noSaveConfig)
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to configure logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)
	ctx := log.WithContext(context.Background())

	var roomID id.RoomID
	var store pdu.Store
	var stateSets []pdu.StateMap
	if *dumpPath != "" {
		roomID, store, stateSets = loadDump(ctx, *dumpPath)
	} else {
		roomID = id.RoomID(*roomIDFlag)
		if roomID == "" {
			log.WithLevel(zerolog.FatalLevel).Msg("Either --room or --dump is required")
			os.Exit(1)
		}
		var closeStore func() error
		store, stateSets, closeStore = loadFromDatabase(ctx, cfg, roomID)
		defer func() {
			err := closeStore()
			if err != nil {
				log.Err(err).Msg("Failed to close Synapse database")
			}
		}()
	}

	resolved, err := stateres.Resolve(ctx, roomID, stateSets, store)
	if err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("State resolution failed")
		os.Exit(20)
	}

	entries := make([]resolvedEntry, 0, len(resolved))
	for slot, eventID := range resolved {
		entries = append(entries, resolvedEntry{
			Type:     slot.Type.Type,
			StateKey: slot.StateKey,
			EventID:  eventID,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].StateKey < entries[j].StateKey
	})
	output, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to marshal resolved state")
		os.Exit(20)
	}
	fmt.Println(string(output))
}
