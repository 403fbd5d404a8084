// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"sort"

	"github.com/MaximeRivest/mrmd-monitor/lib/codec"
)

// Action classifies a map change for observers.
type Action int

const (
	// ActionAdd is a write to a key that had no value.
	ActionAdd Action = iota
	// ActionUpdate is a write to a key that already had a value.
	ActionUpdate
	// ActionDelete is a deletion of an existing key.
	ActionDelete
)

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}

// Change describes one observed map mutation.
type Change struct {
	Action Action

	// Value is the key's value after the change. Nil for deletes.
	Value any
}

// MapObserver receives keyed change notifications. Callbacks run
// outside the document lock and may freely read or write the map.
type MapObserver func(key string, change Change)

// Map is a string-keyed last-writer-wins map of JSON-like values
// (decoded forms: map[string]any, []any, string, float64/int64, bool,
// nil). Values are treated as immutable snapshots — replace the whole
// value rather than mutating the returned one.
type Map struct {
	doc       *Doc
	name      string
	entries   map[string]mapEntry
	observers []MapObserver
}

type mapEntry struct {
	value   any
	stamp   Stamp
	present bool
}

// Set writes value under key, replacing any existing value. The write
// carries a fresh (lamport, client) stamp; on every replica the
// stamp-greatest write for a key wins.
func (m *Map) Set(key string, value any) {
	encoded, err := codec.Marshal(value)
	if err != nil {
		panic("crdt: map value not encodable: " + err.Error())
	}

	d := m.doc
	d.mu.Lock()
	stamp := d.nextStampLocked()
	setOp := &mapSetOp{Name: m.name, Key: key, Value: encoded, Stamp: stamp}
	notes := m.storeLocked(key, value, stamp, true)
	frame, notes, sinks := d.commitLocked(op{MapSet: setOp}, notes)
	d.mu.Unlock()

	d.deliver(frame, notes, sinks)
}

// Delete removes key. A concurrent Set with a greater stamp revives
// the key on convergence.
func (m *Map) Delete(key string) {
	d := m.doc
	d.mu.Lock()
	stamp := d.nextStampLocked()
	deleteOp := &mapDeleteOp{Name: m.name, Key: key, Stamp: stamp}
	notes := m.storeLocked(key, nil, stamp, false)
	frame, notes, sinks := d.commitLocked(op{MapDelete: deleteOp}, notes)
	d.mu.Unlock()

	d.deliver(frame, notes, sinks)
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || !entry.present {
		return nil, false
	}
	return entry.value, true
}

// Len returns the number of present keys.
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	count := 0
	for _, entry := range m.entries {
		if entry.present {
			count++
		}
	}
	return count
}

// Keys returns the present keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for key, entry := range m.entries {
		if entry.present {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Observe registers an observer for keyed changes. Observers fire for
// local mutations, applied remote frames, and snapshot merges.
func (m *Map) Observe(observer MapObserver) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	m.observers = append(m.observers, observer)
}

// storeLocked applies a stamped write (or delete, present=false) under
// LWW and returns the observer notifications to deliver. Stale and
// duplicate stamps produce no change and no notifications. Callers
// hold doc.mu.
func (m *Map) storeLocked(key string, value any, stamp Stamp, present bool) []notification {
	existing, exists := m.entries[key]
	if exists && !stamp.greater(existing.stamp) {
		return nil
	}
	m.entries[key] = mapEntry{value: value, stamp: stamp, present: present}

	wasPresent := exists && existing.present
	var action Action
	switch {
	case present && !wasPresent:
		action = ActionAdd
	case present && wasPresent:
		action = ActionUpdate
	case !present && wasPresent:
		action = ActionDelete
	default:
		// Delete of an absent key: stamp recorded, nothing observable.
		return nil
	}

	observers := m.observers
	change := Change{Action: action, Value: value}
	if len(observers) == 0 {
		return nil
	}
	return []notification{{deliver: func() {
		for _, observer := range observers {
			observer(key, change)
		}
	}}}
}

// applySetLocked integrates a remote set operation.
func (m *Map) applySetLocked(setOp *mapSetOp) []notification {
	var value any
	if err := codec.Unmarshal(setOp.Value, &value); err != nil {
		// A peer sent a value this replica cannot decode; skip the op
		// rather than poison the document.
		return nil
	}
	return m.storeLocked(setOp.Key, value, setOp.Stamp, true)
}

// applyDeleteLocked integrates a remote delete operation.
func (m *Map) applyDeleteLocked(deleteOp *mapDeleteOp) []notification {
	return m.storeLocked(deleteOp.Key, nil, deleteOp.Stamp, false)
}

// snapshotEntry is the persisted form of one map entry.
type snapshotEntry struct {
	Value   codec.RawMessage `cbor:"v"`
	Stamp   Stamp            `cbor:"s"`
	Present bool             `cbor:"p"`
}

func (m *Map) snapshotLocked() map[string]snapshotEntry {
	out := make(map[string]snapshotEntry, len(m.entries))
	for key, entry := range m.entries {
		encoded, err := codec.Marshal(entry.value)
		if err != nil {
			continue
		}
		out[key] = snapshotEntry{Value: encoded, Stamp: entry.stamp, Present: entry.present}
	}
	return out
}

func (m *Map) mergeSnapshotLocked(entries map[string]snapshotEntry) []notification {
	var notes []notification
	for key, entry := range entries {
		var value any
		if entry.Present {
			if err := codec.Unmarshal(entry.Value, &value); err != nil {
				continue
			}
		}
		notes = append(notes, m.storeLocked(key, value, entry.Stamp, entry.Present)...)
	}
	return notes
}
