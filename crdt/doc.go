// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

// Package crdt implements the replicated document the monitor shares
// with browser peers: named last-writer-wins maps, collaborative text
// sequences, stable logical positions inside the text, and keyed
// change observers.
//
// Replication is operation-based. Every local mutation emits an update
// frame (a CBOR-encoded batch of operations) to the registered sinks;
// applying a remote frame replays its operations into the local
// replica. Operations are idempotent — duplicate or re-delivered
// frames converge — and map operations commute across keys, so peers
// that exchange all frames reach the same state regardless of
// interleaving.
//
// Conflict resolution:
//
//   - Map entries resolve by last-writer-wins over a (lamport, client)
//     stamp. Concurrent writes to the same key keep the stamp-greater
//     value on every replica.
//   - Text inserts use RGA ordering: each rune is an item with a
//     unique (client, clock) ID and an origin (its left neighbor at
//     insert time). Concurrent inserts at the same origin order by
//     descending ID, identically everywhere. Deletes tombstone items,
//     so positions referring to surviving items stay meaningful.
//
// A Doc and the structures derived from it are safe for concurrent
// use. Observer callbacks and update sinks are invoked outside the
// document lock, in the goroutine that performed the mutation (or
// applied the frame).
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/MaximeRivest/mrmd-monitor/lib/codec"
)

// ID uniquely identifies one inserted text item across all peers.
type ID struct {
	Client uint32 `cbor:"c"`
	Clock  uint64 `cbor:"k"`
}

// less orders IDs by (clock, client). Used only to break ties between
// concurrent same-origin inserts; any total order shared by all peers
// works.
func (id ID) less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

// Stamp orders map writes. Greater stamp wins; equal stamps are the
// same write replayed.
type Stamp struct {
	Lamport uint64 `cbor:"l"`
	Client  uint32 `cbor:"c"`
}

// greater reports whether s wins over other under last-writer-wins.
func (s Stamp) greater(other Stamp) bool {
	if s.Lamport != other.Lamport {
		return s.Lamport > other.Lamport
	}
	return s.Client > other.Client
}

// op is one replicated operation. Exactly one field is non-nil.
type op struct {
	MapSet     *mapSetOp     `cbor:"ms,omitempty"`
	MapDelete  *mapDeleteOp  `cbor:"md,omitempty"`
	TextInsert *textInsertOp `cbor:"ti,omitempty"`
	TextDelete *textDeleteOp `cbor:"td,omitempty"`
}

type mapSetOp struct {
	Name  string           `cbor:"n"`
	Key   string           `cbor:"k"`
	Value codec.RawMessage `cbor:"v"`
	Stamp Stamp            `cbor:"s"`
}

type mapDeleteOp struct {
	Name  string `cbor:"n"`
	Key   string `cbor:"k"`
	Stamp Stamp  `cbor:"s"`
}

// textInsertOp inserts the runes of Text as consecutive items. The
// first item has ID, the i-th item (ID.Client, ID.Clock+i). The first
// item's origin is Origin (nil = document start); each later item's
// origin is its predecessor in the run.
type textInsertOp struct {
	Name   string `cbor:"n"`
	ID     ID     `cbor:"i"`
	Origin *ID    `cbor:"o,omitempty"`
	Text   string `cbor:"t"`
}

type textDeleteOp struct {
	Name string `cbor:"n"`
	IDs  []ID   `cbor:"i"`
}

// updateFrame is the wire form of a batch of operations.
type updateFrame struct {
	Ops []op `cbor:"o"`
}

// UpdateSink receives encoded update frames produced by local
// mutations.
type UpdateSink func(update []byte)

// Doc is one peer's replica of the shared document.
type Doc struct {
	mu       sync.Mutex
	clientID uint32
	clock    uint64

	maps  map[string]*Map
	texts map[string]*Text

	sinks []UpdateSink

	// Transaction state: while txDepth > 0, local ops and observer
	// notifications accumulate and flush when the outermost Transact
	// returns.
	txDepth int
	txOps   []op
	txNotes []notification

	// Texts changed since the last notification flush. Text observers
	// fire once per flushed batch, not once per operation, so a
	// transaction's delete+insert pair is observed as one change.
	dirtyTexts []*Text
}

type notification struct {
	deliver func()
}

// NewDoc creates an empty replica with a random client id.
func NewDoc() *Doc {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crdt: reading random client id: " + err.Error())
	}
	return NewDocWithClient(binary.BigEndian.Uint32(b[:]))
}

// NewDocWithClient creates an empty replica with a fixed client id.
// Tests use this for deterministic tie-breaking.
func NewDocWithClient(clientID uint32) *Doc {
	return &Doc{
		clientID: clientID,
		maps:     make(map[string]*Map),
		texts:    make(map[string]*Text),
	}
}

// ClientID returns the numeric peer id of this replica.
func (d *Doc) ClientID() uint32 { return d.clientID }

// Map returns the named shared map, creating it on first use.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, entries: make(map[string]mapEntry)}
		d.maps[name] = m
	}
	return m
}

// Text returns the named shared text, creating it on first use.
func (d *Doc) Text(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.texts[name]
	if !ok {
		t = &Text{doc: d, name: name}
		d.texts[name] = t
	}
	return t
}

// OnUpdate registers a sink for update frames emitted by local
// mutations. Frames applied via ApplyUpdate are not re-emitted.
func (d *Doc) OnUpdate(sink UpdateSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Transact runs fn and flushes all local mutations it performs as a
// single update frame, with observer notifications deferred to the
// end. Concurrent remote frames still apply during fn; Transact only
// batches this replica's own writes. Nested calls join the outermost
// transaction.
func (d *Doc) Transact(fn func()) {
	d.mu.Lock()
	d.txDepth++
	d.mu.Unlock()

	fn()

	d.mu.Lock()
	d.txDepth--
	var frame []byte
	var notes []notification
	if d.txDepth == 0 {
		frame = d.encodeOpsLocked(d.txOps)
		notes = append(d.txNotes, d.flushTextNotesLocked()...)
		d.txOps = nil
		d.txNotes = nil
	}
	sinks := d.sinks
	d.mu.Unlock()

	if frame != nil {
		for _, sink := range sinks {
			sink(frame)
		}
	}
	for _, note := range notes {
		note.deliver()
	}
}

// nextStampLocked advances the lamport clock and returns a write stamp
// for this replica. Callers hold d.mu.
func (d *Doc) nextStampLocked() Stamp {
	d.clock++
	return Stamp{Lamport: d.clock, Client: d.clientID}
}

// nextIDLocked reserves n consecutive clock values for a text insert
// run and returns the first item ID. Callers hold d.mu.
func (d *Doc) nextIDLocked(n uint64) ID {
	first := d.clock + 1
	d.clock += n
	return ID{Client: d.clientID, Clock: first}
}

// witnessLocked advances the lamport clock past a remote stamp or
// item id so later local writes order after everything seen.
func (d *Doc) witnessLocked(clock uint64) {
	if clock > d.clock {
		d.clock = clock
	}
}

// commitLocked records a locally-generated op and its notifications.
// Outside a transaction it returns the encoded single-op frame and the
// notes for immediate delivery; inside one it buffers both and returns
// nils. Callers hold d.mu and must deliver after unlocking:
//
//	frame, notes, sinks := d.commitLocked(op, notes)
//	d.mu.Unlock()
//	d.deliver(frame, notes, sinks)
func (d *Doc) commitLocked(o op, notes []notification) ([]byte, []notification, []UpdateSink) {
	if d.txDepth > 0 {
		d.txOps = append(d.txOps, o)
		d.txNotes = append(d.txNotes, notes...)
		return nil, nil, nil
	}
	notes = append(notes, d.flushTextNotesLocked()...)
	return d.encodeOpsLocked([]op{o}), notes, d.sinks
}

// markTextDirtyLocked queues a text for observer notification at the
// next flush. Callers hold d.mu.
func (d *Doc) markTextDirtyLocked(t *Text) {
	for _, dirty := range d.dirtyTexts {
		if dirty == t {
			return
		}
	}
	d.dirtyTexts = append(d.dirtyTexts, t)
}

// flushTextNotesLocked drains the dirty-text queue into one
// notification per changed text. Callers hold d.mu.
func (d *Doc) flushTextNotesLocked() []notification {
	if len(d.dirtyTexts) == 0 {
		return nil
	}
	var notes []notification
	for _, t := range d.dirtyTexts {
		observers := t.observers
		if len(observers) == 0 {
			continue
		}
		notes = append(notes, notification{deliver: func() {
			for _, observer := range observers {
				observer()
			}
		}})
	}
	d.dirtyTexts = nil
	return notes
}

// deliver sends an update frame to sinks and runs observer
// notifications. Must be called without d.mu held.
func (d *Doc) deliver(frame []byte, notes []notification, sinks []UpdateSink) {
	if frame != nil {
		for _, sink := range sinks {
			sink(frame)
		}
	}
	for _, note := range notes {
		note.deliver()
	}
}

func (d *Doc) encodeOpsLocked(ops []op) []byte {
	if len(ops) == 0 {
		return nil
	}
	data, err := codec.Marshal(updateFrame{Ops: ops})
	if err != nil {
		// Ops hold only CBOR-encodable values; failure here is a
		// programming error.
		panic("crdt: encoding update frame: " + err.Error())
	}
	return data
}

// ApplyUpdate replays a remote update frame into this replica.
// Duplicate frames and duplicate operations are no-ops. The frame is
// not re-emitted to update sinks.
func (d *Doc) ApplyUpdate(update []byte) error {
	var frame updateFrame
	if err := codec.Unmarshal(update, &frame); err != nil {
		return fmt.Errorf("crdt: decoding update frame: %w", err)
	}

	d.mu.Lock()
	var notes []notification
	for _, o := range frame.Ops {
		notes = append(notes, d.applyOpLocked(o)...)
	}
	notes = append(notes, d.flushTextNotesLocked()...)
	d.mu.Unlock()

	for _, note := range notes {
		note.deliver()
	}
	return nil
}

func (d *Doc) applyOpLocked(o op) []notification {
	switch {
	case o.MapSet != nil:
		d.witnessLocked(o.MapSet.Stamp.Lamport)
		m := d.mapLocked(o.MapSet.Name)
		return m.applySetLocked(o.MapSet)
	case o.MapDelete != nil:
		d.witnessLocked(o.MapDelete.Stamp.Lamport)
		m := d.mapLocked(o.MapDelete.Name)
		return m.applyDeleteLocked(o.MapDelete)
	case o.TextInsert != nil:
		runs := uint64(len([]rune(o.TextInsert.Text)))
		if runs == 0 {
			return nil
		}
		d.witnessLocked(o.TextInsert.ID.Clock + runs - 1)
		d.textLocked(o.TextInsert.Name).applyInsertLocked(o.TextInsert)
	case o.TextDelete != nil:
		d.textLocked(o.TextDelete.Name).applyDeleteLocked(o.TextDelete)
	}
	return nil
}

// mapLocked is Map without the public locking. Callers hold d.mu.
func (d *Doc) mapLocked(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, entries: make(map[string]mapEntry)}
		d.maps[name] = m
	}
	return m
}

func (d *Doc) textLocked(name string) *Text {
	t, ok := d.texts[name]
	if !ok {
		t = &Text{doc: d, name: name}
		d.texts[name] = t
	}
	return t
}
