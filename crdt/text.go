// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"

	"github.com/MaximeRivest/mrmd-monitor/lib/codec"
)

// TextObserver is notified after the text changes, locally or
// remotely. Callbacks run outside the document lock.
type TextObserver func()

// Text is a collaborative rune sequence. Every inserted rune is an
// item with a unique ID and a reference to the item to its left at
// insert time (its origin); deletes leave tombstones. This keeps
// concurrent edits convergent and lets positions anchor to items
// instead of indices.
type Text struct {
	doc       *Doc
	name      string
	items     []textItem
	observers []TextObserver
}

type textItem struct {
	id      ID
	origin  *ID // left neighbor at insert time; nil = document start
	r       rune
	deleted bool
}

// Insert places s at the visible index. Index 0 prepends;
// index Len() appends. Out-of-range indices clamp.
func (t *Text) Insert(index int, s string) {
	runes := []rune(s)
	if len(runes) == 0 {
		return
	}

	d := t.doc
	d.mu.Lock()
	index = t.clampLocked(index)
	firstID := d.nextIDLocked(uint64(len(runes)))

	var origin *ID
	if index > 0 {
		id := t.itemAtVisibleLocked(index - 1).id
		origin = &id
	}
	insertOp := &textInsertOp{Name: t.name, ID: firstID, Origin: origin, Text: s}
	t.applyInsertLocked(insertOp)
	frame, notes, sinks := d.commitLocked(op{TextInsert: insertOp}, nil)
	d.mu.Unlock()

	d.deliver(frame, notes, sinks)
}

// Delete removes length visible runes starting at index. Ranges
// extending past the end clamp.
func (t *Text) Delete(index int, length int) {
	if length <= 0 {
		return
	}

	d := t.doc
	d.mu.Lock()
	index = t.clampLocked(index)

	var ids []ID
	seen := 0
	for i := range t.items {
		if t.items[i].deleted {
			continue
		}
		if seen >= index && seen < index+length {
			ids = append(ids, t.items[i].id)
		}
		seen++
		if seen >= index+length {
			break
		}
	}
	if len(ids) == 0 {
		d.mu.Unlock()
		return
	}
	deleteOp := &textDeleteOp{Name: t.name, IDs: ids}
	t.applyDeleteLocked(deleteOp)
	frame, notes, sinks := d.commitLocked(op{TextDelete: deleteOp}, nil)
	d.mu.Unlock()

	d.deliver(frame, notes, sinks)
}

// String returns the visible text.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	runes := make([]rune, 0, len(t.items))
	for i := range t.items {
		if !t.items[i].deleted {
			runes = append(runes, t.items[i].r)
		}
	}
	return string(runes)
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.visibleLenLocked()
}

// Observe registers an observer fired after every change to the text.
func (t *Text) Observe(observer TextObserver) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	t.observers = append(t.observers, observer)
}

// relPosition is the serialized form of a logical position. The
// position names the item currently at the index (right association):
// it stays glued to that item as content shifts around it. End marks
// the position after the last rune.
type relPosition struct {
	Anchor *ID  `cbor:"a,omitempty"`
	End    bool `cbor:"e,omitempty"`
}

// RelativePosition returns an opaque encoding of the logical position
// at the visible index, stable under concurrent edits elsewhere in the
// text. Decode with AbsolutePosition.
func (t *Text) RelativePosition(index int) []byte {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	index = t.clampLocked(index)
	var position relPosition
	if index >= t.visibleLenLocked() {
		position = relPosition{End: true}
	} else {
		id := t.itemAtVisibleLocked(index).id
		position = relPosition{Anchor: &id}
	}
	data, err := codec.Marshal(position)
	if err != nil {
		panic("crdt: encoding relative position: " + err.Error())
	}
	return data
}

// AbsolutePosition resolves an encoded logical position to the current
// visible index. Returns false when the encoding is invalid or the
// anchor item has been deleted.
func (t *Text) AbsolutePosition(encoded []byte) (int, bool) {
	var position relPosition
	if err := codec.Unmarshal(encoded, &position); err != nil {
		return 0, false
	}

	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	if position.End {
		return t.visibleLenLocked(), true
	}
	if position.Anchor == nil {
		return 0, true
	}
	visible := 0
	for i := range t.items {
		if t.items[i].id == *position.Anchor {
			if t.items[i].deleted {
				return 0, false
			}
			return visible, true
		}
		if !t.items[i].deleted {
			visible++
		}
	}
	return 0, false
}

// applyInsertLocked integrates an insert run, one rune at a time. Each
// rune after the first uses its predecessor as origin, so a run
// integrates contiguously. Already-present items (duplicate frames)
// are skipped. Callers hold doc.mu.
func (t *Text) applyInsertLocked(insertOp *textInsertOp) {
	runes := []rune(insertOp.Text)
	if len(runes) == 0 {
		return
	}

	changed := false
	origin := insertOp.Origin
	for i, r := range runes {
		id := ID{Client: insertOp.ID.Client, Clock: insertOp.ID.Clock + uint64(i)}
		if t.integrateLocked(textItem{id: id, origin: origin, r: r}) {
			changed = true
		}
		originCopy := id
		origin = &originCopy
	}
	if changed {
		t.doc.markTextDirtyLocked(t)
	}
}

// integrateLocked places one item into the sequence. Returns false if
// the item already exists.
//
// Placement is RGA: start right after the origin, then walk right.
// Items hanging off a position left of our origin end the walk (they
// belong to an enclosing context). A concurrent sibling at the same
// origin is skipped — together with everything that descends from it —
// when its ID is greater, so every replica orders same-origin siblings
// identically and runs never interleave.
func (t *Text) integrateLocked(item textItem) bool {
	if t.indexOfLocked(item.id) >= 0 {
		return false
	}

	originIndex := -1
	if item.origin != nil {
		originIndex = t.indexOfLocked(*item.origin)
		if originIndex < 0 {
			// Origin unseen: the relay delivers frames in order, so
			// this only happens for a peer's partial state. Append.
			t.items = append(t.items, item)
			return true
		}
	}

	at := originIndex + 1
	for at < len(t.items) {
		other := t.items[at]
		otherOrigin := -1
		if other.origin != nil {
			otherOrigin = t.indexOfLocked(*other.origin)
		}
		if otherOrigin < originIndex {
			break
		}
		if otherOrigin == originIndex && !item.id.less(other.id) {
			break
		}
		at++
	}

	t.items = append(t.items, textItem{})
	copy(t.items[at+1:], t.items[at:])
	t.items[at] = item
	return true
}

// applyDeleteLocked tombstones the listed items. Unknown IDs are
// ignored; duplicate deletes converge.
func (t *Text) applyDeleteLocked(deleteOp *textDeleteOp) {
	changed := false
	for _, id := range deleteOp.IDs {
		i := t.indexOfLocked(id)
		if i >= 0 && !t.items[i].deleted {
			t.items[i].deleted = true
			changed = true
		}
	}
	if changed {
		t.doc.markTextDirtyLocked(t)
	}
}

func (t *Text) indexOfLocked(id ID) int {
	for i := range t.items {
		if t.items[i].id == id {
			return i
		}
	}
	return -1
}

func (t *Text) visibleLenLocked() int {
	n := 0
	for i := range t.items {
		if !t.items[i].deleted {
			n++
		}
	}
	return n
}

// itemAtVisibleLocked returns the item at the visible index. The
// caller guarantees the index is in range.
func (t *Text) itemAtVisibleLocked(index int) *textItem {
	seen := 0
	for i := range t.items {
		if t.items[i].deleted {
			continue
		}
		if seen == index {
			return &t.items[i]
		}
		seen++
	}
	panic(fmt.Sprintf("crdt: visible index %d out of range", index))
}

func (t *Text) clampLocked(index int) int {
	if index < 0 {
		return 0
	}
	if n := t.visibleLenLocked(); index > n {
		return n
	}
	return index
}

// textSnapshot is the persisted form of the full item sequence,
// tombstones included.
type textSnapshot struct {
	Items []snapshotItem `cbor:"i"`
}

type snapshotItem struct {
	ID      ID     `cbor:"i"`
	Origin  *ID    `cbor:"o,omitempty"`
	Rune    string `cbor:"r"`
	Deleted bool   `cbor:"d,omitempty"`
}

func (t *Text) snapshotLocked() textSnapshot {
	items := make([]snapshotItem, len(t.items))
	for i := range t.items {
		items[i] = snapshotItem{
			ID:      t.items[i].id,
			Origin:  t.items[i].origin,
			Rune:    string(t.items[i].r),
			Deleted: t.items[i].deleted,
		}
	}
	return textSnapshot{Items: items}
}

func (t *Text) mergeSnapshotLocked(snapshot textSnapshot) {
	changed := false
	for _, item := range snapshot.Items {
		runes := []rune(item.Rune)
		if len(runes) == 0 {
			continue
		}
		existing := t.indexOfLocked(item.ID)
		if existing < 0 {
			if t.integrateLocked(textItem{id: item.ID, origin: item.Origin, r: runes[0], deleted: item.Deleted}) {
				changed = true
			}
			continue
		}
		if item.Deleted && !t.items[existing].deleted {
			t.items[existing].deleted = true
			changed = true
		}
	}
	if changed {
		t.doc.markTextDirtyLocked(t)
	}
}
