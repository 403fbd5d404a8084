// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

// Package document locates and edits execution output regions inside
// the shared notebook text.
//
// An output region is the fenced span
//
//	```output:<execId>
//	<content>
//	```
//
// where the opening marker sits on its own line and the closing fence
// starts a line. The browser creates and tears down the region; the
// monitor only rewrites the content between the fences.
//
// Regions are located two ways. String search on the current snapshot
// is the bootstrap path (it works before any position was published,
// and for idempotent re-reads). The authoritative mechanism is the
// serialized logical position stored in the coordination record: the
// CRDT layer keeps it valid across concurrent edits elsewhere in the
// document.
package document

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/MaximeRivest/mrmd-monitor/crdt"
)

// fence is the closing delimiter of an output region.
const fence = "```"

// Writer edits output regions in one shared text.
type Writer struct {
	doc    *crdt.Doc
	text   *crdt.Text
	logger *slog.Logger
}

// NewWriter binds a writer to the shared text. The doc is needed to
// batch replace operations into one atomic update frame.
func NewWriter(doc *crdt.Doc, text *crdt.Text, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{doc: doc, text: text, logger: logger.With("component", "document")}
}

// Block describes an output region's location in rune indices:
// MarkerStart is the opening fence's first backtick, ContentStart the
// first rune of content, ContentEnd one past the last rune of content
// (the closing fence's backtick, or the text length when the region is
// unterminated).
type Block struct {
	MarkerStart  int
	ContentStart int
	ContentEnd   int
}

// FindOutputBlock locates the region for execID by string search on
// the current snapshot. Returns false when no opening marker line
// exists for this exact id.
func (w *Writer) FindOutputBlock(execID string) (Block, bool) {
	return findBlock(w.text.String(), execID)
}

// findBlock is the pure search; indices are rune offsets into text.
func findBlock(text, execID string) (Block, bool) {
	marker := fence + "output:" + execID

	// The opening marker must occupy a whole line: start-of-text or
	// after a newline, and followed by a newline or end-of-text.
	searchFrom := 0
	markerByte := -1
	for {
		i := strings.Index(text[searchFrom:], marker)
		if i < 0 {
			return Block{}, false
		}
		i += searchFrom
		atLineStart := i == 0 || text[i-1] == '\n'
		end := i + len(marker)
		atLineEnd := end == len(text) || text[end] == '\n'
		if atLineStart && atLineEnd {
			markerByte = i
			break
		}
		searchFrom = i + len(marker)
	}

	contentByte := markerByte + len(marker)
	if contentByte < len(text) {
		contentByte++ // step over the newline that ends the marker line
	}

	endByte := closingFenceByte(text, contentByte)

	return Block{
		MarkerStart:  utf8.RuneCountInString(text[:markerByte]),
		ContentStart: utf8.RuneCountInString(text[:contentByte]),
		ContentEnd:   utf8.RuneCountInString(text[:endByte]),
	}, true
}

// closingFenceByte returns the byte offset of the first ``` at
// start-of-line at or after from, or len(text) when the region runs to
// the end of the document.
func closingFenceByte(text string, from int) int {
	for i := from; ; {
		j := strings.Index(text[i:], fence)
		if j < 0 {
			return len(text)
		}
		j += i
		if j == 0 || text[j-1] == '\n' {
			return j
		}
		i = j + len(fence)
	}
}

// HasOutputBlock reports whether the region for execID exists.
func (w *Writer) HasOutputBlock(execID string) bool {
	_, ok := w.FindOutputBlock(execID)
	return ok
}

// OutputContent returns the region's current content.
func (w *Writer) OutputContent(execID string) (string, bool) {
	text := w.text.String()
	block, ok := findBlock(text, execID)
	if !ok {
		return "", false
	}
	runes := []rune(text)
	return string(runes[block.ContentStart:block.ContentEnd]), true
}

// AppendOutput inserts content at the end of the region. Returns false
// (after logging) when the region does not exist.
func (w *Writer) AppendOutput(execID, content string) bool {
	block, ok := w.FindOutputBlock(execID)
	if !ok {
		w.logger.Warn("output block not found for append", "exec_id", execID)
		return false
	}
	w.text.Insert(block.ContentEnd, content)
	return true
}

// ReplaceOutput swaps the region's content. The delete and insert ride
// one update frame, so no peer ever observes the emptied intermediate
// state.
func (w *Writer) ReplaceOutput(execID, content string) bool {
	block, ok := w.FindOutputBlock(execID)
	if !ok {
		w.logger.Warn("output block not found for replace", "exec_id", execID)
		return false
	}
	w.doc.Transact(func() {
		if block.ContentEnd > block.ContentStart {
			w.text.Delete(block.ContentStart, block.ContentEnd-block.ContentStart)
		}
		if content != "" {
			w.text.Insert(block.ContentStart, content)
		}
	})
	return true
}

// CreateOutputPosition returns a serialized logical position anchored
// at the region's content start, stable under concurrent insertions
// elsewhere in the document.
func (w *Writer) CreateOutputPosition(execID string) ([]byte, bool) {
	block, ok := w.FindOutputBlock(execID)
	if !ok {
		w.logger.Warn("output block not found for position", "exec_id", execID)
		return nil, false
	}
	return w.text.RelativePosition(block.ContentStart), true
}

// AbsolutePosition resolves a stored logical position to a current
// rune index. Returns false when the anchor has been removed.
func (w *Writer) AbsolutePosition(encoded []byte) (int, bool) {
	return w.text.AbsolutePosition(encoded)
}
