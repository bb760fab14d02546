package autorelease

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hamba/avro/v2"
)

const (
	// LegacyVersion is the handle-based format: entries name objects by Handle.
	LegacyVersion = 0
	// CurrentVersion is the format Save writes: entries name objects by Reference.
	CurrentVersion = 1
)

var (
	// ErrUnsupportedVersion is returned by Load for a schema version it does not know.
	// The data cannot be interpreted and the queue is left untouched.
	ErrUnsupportedVersion = errors.New("autorelease: unsupported state version")

	// ErrDanglingReference is returned by Load when a current-format entry
	// references an object the ReferenceTable does not know.
	ErrDanglingReference = errors.New("autorelease: dangling object reference")

	// ErrNoRegistry is returned by Load for legacy data when the queue was
	// created without a Registry.
	ErrNoRegistry = errors.New("autorelease: legacy state requires a registry")
)

// Reference is the stable token the enclosing persistence framework uses for an object.
type Reference uint64

// ReferenceTable maps objects to and from the tokens of the enclosing
// persistence framework.
type ReferenceTable interface {
	Reference(obj Object) Reference
	Dereference(ref Reference) (Object, bool)
}

const currentSchemaJSON = `{
	"type": "record",
	"name": "Queue",
	"namespace": "jiansoft.autorelease.v1",
	"fields": [
		{"name": "tick_counter", "type": "long"},
		{"name": "entries", "type": {"type": "array", "items": {
			"type": "record",
			"name": "Entry",
			"fields": [
				{"name": "reference", "type": "long"},
				{"name": "pushed", "type": "long"}
			]
		}}}
	]
}`

const legacySchemaJSON = `{
	"type": "record",
	"name": "Queue",
	"namespace": "jiansoft.autorelease.v0",
	"fields": [
		{"name": "tick_counter", "type": "long"},
		{"name": "entries", "type": {"type": "array", "items": {
			"type": "record",
			"name": "Entry",
			"fields": [
				{"name": "handle", "type": "long"},
				{"name": "pushed", "type": "long"}
			]
		}}}
	]
}`

var (
	currentSchema = avro.MustParse(currentSchemaJSON)
	legacySchema  = avro.MustParse(legacySchemaJSON)
)

type (
	currentRecord struct {
		TickCounter uint32         `avro:"tick_counter"`
		Entries     []currentEntry `avro:"entries"`
	}

	currentEntry struct {
		// Reference 以 bit 原樣轉成 int64 存放，avro long 沒有無號型別
		Reference int64  `avro:"reference"`
		Pushed    uint32 `avro:"pushed"`
	}

	legacyRecord struct {
		TickCounter uint32        `avro:"tick_counter"`
		Entries     []legacyEntry `avro:"entries"`
	}

	legacyEntry struct {
		Handle int64  `avro:"handle"`
		Pushed uint32 `avro:"pushed"`
	}

	// snapshot is decoded state with every object resolved.
	snapshot struct {
		tick    TimePoint
		entries []snapshotEntry
		// dropped legacy entries whose handle did not resolve
		dropped int
	}

	snapshotEntry struct {
		obj    Object
		pushed TimePoint
	}
)

// encodeSnapshot writes snap in the current format.
func encodeSnapshot(snap snapshot, refs ReferenceTable) ([]byte, error) {
	rec := currentRecord{
		TickCounter: uint32(snap.tick),
		Entries:     make([]currentEntry, 0, len(snap.entries)),
	}

	if refs == nil && len(snap.entries) > 0 {
		return nil, errors.New("autorelease: saving entries requires a reference table")
	}

	for _, se := range snap.entries {
		rec.Entries = append(rec.Entries, currentEntry{
			Reference: int64(refs.Reference(se.obj)),
			Pushed:    uint32(se.pushed),
		})
	}

	data, err := avro.Marshal(currentSchema, rec)
	if err != nil {
		return nil, fmt.Errorf("encoding v%d state: %w", CurrentVersion, err)
	}

	return data, nil
}

// decodeSnapshot reads data written in the given schema version and resolves
// every entry to a live object. It has no side effects on any queue.
func decodeSnapshot(version int, data []byte, refs ReferenceTable, registry Registry) (snapshot, error) {
	switch version {
	case CurrentVersion:
		var rec currentRecord
		if err := avro.Unmarshal(currentSchema, data, &rec); err != nil {
			return snapshot{}, fmt.Errorf("decoding v%d state: %w", version, err)
		}
		return resolveCurrent(rec, refs)

	case LegacyVersion:
		if registry == nil {
			return snapshot{}, ErrNoRegistry
		}
		var rec legacyRecord
		if err := avro.Unmarshal(legacySchema, data, &rec); err != nil {
			return snapshot{}, fmt.Errorf("decoding v%d state: %w", version, err)
		}
		return migrateLegacy(rec, registry), nil

	default:
		return snapshot{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

// resolveCurrent dereferences every entry of a current-format record.
func resolveCurrent(rec currentRecord, refs ReferenceTable) (snapshot, error) {
	snap := snapshot{
		tick:    TimePoint(rec.TickCounter),
		entries: make([]snapshotEntry, 0, len(rec.Entries)),
	}

	for i, e := range rec.Entries {
		var (
			obj Object
			ok  bool
		)
		if refs != nil {
			obj, ok = refs.Dereference(Reference(e.Reference))
		}
		if !ok || obj == nil {
			return snapshot{}, fmt.Errorf("%w: entry %d reference %d", ErrDanglingReference, i, uint64(e.Reference))
		}
		snap.entries = append(snap.entries, snapshotEntry{obj: obj, pushed: TimePoint(e.Pushed)})
	}

	return snap, nil
}

// migrateLegacy converts a handle-based record to resolved state.
// Handles the registry no longer knows are dropped: their objects are gone.
func migrateLegacy(rec legacyRecord, registry Registry) snapshot {
	snap := snapshot{
		tick:    TimePoint(rec.TickCounter),
		entries: make([]snapshotEntry, 0, len(rec.Entries)),
	}

	for _, e := range rec.Entries {
		obj, ok := registry.Resolve(Handle(e.Handle))
		if !ok || obj == nil {
			snap.dropped++
			continue
		}
		snap.entries = append(snap.entries, snapshotEntry{obj: obj, pushed: TimePoint(e.Pushed)})
	}

	return snap
}

// Save encodes the tick counter and the entries in CurrentVersion format.
// Entries given up by Nullify are not saved.
//
// Save does not overlap a sweep; it should still not race with Clear or Load.
func (q *Queue) Save(refs ReferenceTable) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	q.ticker.exclusive(func() {
		tick, entries := q.queue.snapshot()
		snap := snapshot{tick: tick, entries: make([]snapshotEntry, 0, len(entries))}
		for _, e := range entries {
			if obj := e.ref.object(); obj != nil {
				snap.entries = append(snap.entries, snapshotEntry{obj: obj, pushed: e.pushed})
			}
		}
		data, err = encodeSnapshot(snap, refs)
	})

	return data, err
}

// Load replaces the queue contents with state saved in the given schema
// version.
//
// LegacyVersion data is migrated through the Registry given to New; entries
// whose handle no longer resolves are dropped. Any error leaves the queue as
// it was. On success the previous entries are released and the background
// sweep is restarted.
func (q *Queue) Load(version int, data []byte, refs ReferenceTable) error {
	snap, err := decodeSnapshot(version, data, refs, q.registry)
	if err != nil {
		q.logger.Error("aqueue: load failed", "version", version, "error", err)
		return err
	}

	entries := make([]entry, 0, len(snap.entries))
	for _, se := range snap.entries {
		entries = append(entries, entry{ref: newOwnedRef(se.obj, q.policy), pushed: se.pushed})
	}

	q.ticker.stop()
	previous := q.queue.install(snap.tick, entries)
	released := releaseEntries(previous)
	atomic.AddInt64(&q.stats.released, int64(released))
	q.ticker.start()

	q.logger.Info("aqueue loaded",
		"version", version,
		"entries", len(entries),
		"dropped", snap.dropped,
		"tick", snap.tick)
	q.metrics.RecordMigrationDropped(snap.dropped)
	q.metrics.RecordReset(released, len(entries), snap.tick)

	return nil
}
