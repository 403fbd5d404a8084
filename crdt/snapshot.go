// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"

	"github.com/MaximeRivest/mrmd-monitor/lib/codec"
)

// docSnapshot is the persisted form of a full replica: every map
// entry with its stamp and every text item including tombstones.
type docSnapshot struct {
	Clock uint64                              `cbor:"k"`
	Maps  map[string]map[string]snapshotEntry `cbor:"m,omitempty"`
	Texts map[string]textSnapshot             `cbor:"t,omitempty"`
}

// Snapshot encodes the replica's full state. Apply it to an empty (or
// stale) replica with ApplySnapshot to catch it up without replaying
// individual frames.
func (d *Doc) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := docSnapshot{Clock: d.clock}
	if len(d.maps) > 0 {
		snapshot.Maps = make(map[string]map[string]snapshotEntry, len(d.maps))
		for name, m := range d.maps {
			snapshot.Maps[name] = m.snapshotLocked()
		}
	}
	if len(d.texts) > 0 {
		snapshot.Texts = make(map[string]textSnapshot, len(d.texts))
		for name, t := range d.texts {
			snapshot.Texts[name] = t.snapshotLocked()
		}
	}

	data, err := codec.Marshal(snapshot)
	if err != nil {
		panic("crdt: encoding snapshot: " + err.Error())
	}
	return data
}

// ApplySnapshot merges a remote snapshot into this replica. Entries
// the replica already has converge by the same LWW and RGA rules as
// frame application; observers fire for keys whose value changed.
func (d *Doc) ApplySnapshot(data []byte) error {
	var snapshot docSnapshot
	if err := codec.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("crdt: decoding snapshot: %w", err)
	}

	d.mu.Lock()
	d.witnessLocked(snapshot.Clock)
	var notes []notification
	for name, entries := range snapshot.Maps {
		notes = append(notes, d.mapLocked(name).mergeSnapshotLocked(entries)...)
	}
	for name, textSnap := range snapshot.Texts {
		d.textLocked(name).mergeSnapshotLocked(textSnap)
	}
	notes = append(notes, d.flushTextNotesLocked()...)
	d.mu.Unlock()

	for _, note := range notes {
		note.deliver()
	}
	return nil
}
