// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

// Package term reduces a terminal byte stream to a plain-text
// projection of the visible screen.
//
// Progress bars and spinners rewrite the same screen cells over and
// over using carriage returns and cursor-motion escapes. Replaying the
// raw stream into a collaborative document would grow it without
// bound; projecting the stream first makes those workloads converge to
// a stable, small snapshot, so the document only ever sees
// bounded-size edits.
//
// The projector understands CR, LF, BS, TAB, and CSI sequences for
// cursor movement, erasure, and cursor save/restore. SGR color and
// style sequences are consumed and dropped (the projection is plain
// text). Private-mode CSI sequences and OSC sequences are consumed and
// ignored.
package term

import "strings"

// tabWidth is the fixed tab stop interval.
const tabWidth = 8

// Projector accumulates a terminal output stream and exposes the
// current screen contents as plain text. The zero value is not usable;
// call NewProjector.
//
// Projector is not safe for concurrent use. Each execution drive owns
// exactly one projector and feeds it from a single goroutine.
type Projector struct {
	lines [][]rune
	row   int
	col   int

	saved *cursor

	// Escape-sequence parser state. Sequences may arrive split across
	// Write calls, so the parser carries its progress between chunks.
	state  parseState
	params []rune
}

type cursor struct {
	row int
	col int
}

type parseState int

const (
	stateGround parseState = iota
	stateEscape             // seen ESC, awaiting introducer
	stateCSI                // inside ESC [ ... accumulating parameters
	stateCSIPrivate         // inside a ?-prefixed CSI sequence, discarding
	stateOSC                // inside ESC ] ... discarding until BEL or ST
	stateOSCEscape          // seen ESC inside an OSC sequence (possible ST)
)

// NewProjector returns a projector in its initial state: one empty
// line, cursor at row 0 column 0, no saved cursor.
func NewProjector() *Projector {
	return &Projector{lines: [][]rune{nil}}
}

// Clear resets the projector to its initial state.
func (p *Projector) Clear() {
	p.lines = [][]rune{nil}
	p.row = 0
	p.col = 0
	p.saved = nil
	p.state = stateGround
	p.params = nil
}

// Write feeds the next chunk of the stream into the projector. Chunk
// boundaries carry no meaning: writing a stream in any segmentation
// produces the same snapshot as writing it whole.
func (p *Projector) Write(chunk string) {
	for _, r := range chunk {
		p.consume(r)
	}
}

// Snapshot returns the visible screen as plain text: trailing spaces
// trimmed from each line, trailing empty lines dropped, lines joined
// with \n.
func (p *Projector) Snapshot() string {
	trimmed := make([]string, len(p.lines))
	for i, line := range p.lines {
		trimmed[i] = strings.TrimRight(string(line), " ")
	}
	end := len(trimmed)
	for end > 0 && trimmed[end-1] == "" {
		end--
	}
	return strings.Join(trimmed[:end], "\n")
}

func (p *Projector) consume(r rune) {
	switch p.state {
	case stateEscape:
		switch r {
		case '[':
			p.state = stateCSI
			p.params = p.params[:0]
		case ']':
			p.state = stateOSC
		default:
			// Two-character escape we don't interpret (ESC 7, ESC 8,
			// ESC =, ...). Drop it.
			p.state = stateGround
		}
		return

	case stateCSI:
		switch {
		case r == '?' && len(p.params) == 0:
			p.state = stateCSIPrivate
		case r >= '0' && r <= '9' || r == ';':
			p.params = append(p.params, r)
		case r >= 0x40 && r <= 0x7e:
			p.state = stateGround
			p.dispatchCSI(r)
		default:
			// Intermediate bytes we don't handle; keep consuming
			// until the final byte.
		}
		return

	case stateCSIPrivate:
		if r >= 0x40 && r <= 0x7e {
			p.state = stateGround
		}
		return

	case stateOSC:
		switch r {
		case 0x07: // BEL terminates
			p.state = stateGround
		case 0x1b:
			p.state = stateOSCEscape
		}
		return

	case stateOSCEscape:
		// ESC \ is the string terminator; anything else returns to
		// discarding the OSC body.
		if r == '\\' {
			p.state = stateGround
		} else {
			p.state = stateOSC
		}
		return
	}

	switch r {
	case 0x1b:
		p.state = stateEscape
	case '\r':
		p.col = 0
	case '\n':
		p.row++
		p.col = 0
		p.growLines()
	case '\b':
		if p.col > 0 {
			p.col--
		}
	case '\t':
		p.col = (p.col/tabWidth + 1) * tabWidth
	default:
		if r >= 32 {
			p.put(r)
		}
		// Remaining control characters are ignored.
	}
}

// put writes a printable rune at the cursor, padding the line with
// spaces when the cursor sits past its end.
func (p *Projector) put(r rune) {
	p.growLines()
	line := p.lines[p.row]
	for len(line) < p.col {
		line = append(line, ' ')
	}
	if p.col < len(line) {
		line[p.col] = r
	} else {
		line = append(line, r)
	}
	p.lines[p.row] = line
	p.col++
}

// growLines extends the line list so that p.row is a valid index.
func (p *Projector) growLines() {
	for len(p.lines) <= p.row {
		p.lines = append(p.lines, nil)
	}
}

// dispatchCSI interprets a complete CSI sequence. params holds the raw
// digit/semicolon text; final is the command byte.
func (p *Projector) dispatchCSI(final rune) {
	params := parseParams(string(p.params))
	n := paramAt(params, 0, 1)

	switch final {
	case 'A': // cursor up
		p.row = max(0, p.row-n)
	case 'B': // cursor down
		p.row += n
		p.growLines()
	case 'C': // cursor forward
		p.col += n
	case 'D': // cursor back
		p.col = max(0, p.col-n)
	case 'E': // next line
		p.row += n
		p.col = 0
		p.growLines()
	case 'F': // previous line
		p.row = max(0, p.row-n)
		p.col = 0
	case 'G': // cursor horizontal absolute (1-based)
		p.col = max(0, n-1)
	case 'H', 'f': // cursor position (1-based row;col)
		p.row = max(0, paramAt(params, 0, 1)-1)
		p.col = max(0, paramAt(params, 1, 1)-1)
		p.growLines()
	case 'J':
		p.eraseDisplay(paramAt(params, 0, 0))
	case 'K':
		p.eraseLine(paramAt(params, 0, 0))
	case 's':
		p.saved = &cursor{row: p.row, col: p.col}
	case 'u':
		if p.saved != nil {
			p.row = p.saved.row
			p.col = p.saved.col
			p.growLines()
		}
	case 'm':
		// SGR: colors and styles have no plain-text projection.
	}
}

// eraseDisplay implements CSI J. The cursor does not move.
func (p *Projector) eraseDisplay(mode int) {
	p.growLines()
	switch mode {
	case 0:
		// Cursor to end of screen: truncate the current line at the
		// cursor and drop everything below.
		p.eraseLine(0)
		p.lines = p.lines[:p.row+1]
	case 1:
		// Start of screen through the cursor: blank the lines above
		// and space-fill the current line through the cursor column so
		// later writes land at their original columns.
		for i := 0; i < p.row; i++ {
			p.lines[i] = nil
		}
		p.eraseLine(1)
	case 2, 3:
		for i := range p.lines {
			p.lines[i] = nil
		}
	}
}

// eraseLine implements CSI K on the current line.
func (p *Projector) eraseLine(mode int) {
	p.growLines()
	line := p.lines[p.row]
	switch mode {
	case 0:
		// Cursor to end of line: truncate.
		if p.col < len(line) {
			p.lines[p.row] = line[:p.col]
		}
	case 1:
		// Start of line through the cursor, inclusive, filled with
		// spaces. The tail keeps its column positions.
		limit := p.col + 1
		for len(line) < limit {
			line = append(line, ' ')
		}
		for i := 0; i < limit && i < len(line); i++ {
			line[i] = ' '
		}
		p.lines[p.row] = line
	case 2:
		p.lines[p.row] = nil
	}
}

// parseParams splits the raw parameter text into non-negative
// integers. Empty text yields an empty list; empty fields between
// semicolons yield zeros (callers apply their own defaults).
func parseParams(raw string) []int {
	if raw == "" {
		return nil
	}
	fields := strings.Split(raw, ";")
	params := make([]int, len(fields))
	for i, field := range fields {
		value := 0
		for _, d := range field {
			value = value*10 + int(d-'0')
		}
		params[i] = value
	}
	return params
}

// paramAt returns params[i], or def when the parameter is absent or
// zero. CSI parameters treat 0 and missing identically for the
// movement commands that use this helper; the erase commands pass
// def=0 so the distinction never matters there.
func paramAt(params []int, i, def int) int {
	if i >= len(params) || params[i] == 0 {
		return def
	}
	return params[i]
}
