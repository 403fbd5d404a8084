// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

// Package coord implements the execution coordination protocol: a
// typed view over the shared "executions" map through which browsers
// request code executions and monitors claim and drive them.
//
// There is no central authority. Claim arbitration rests entirely on
// the map's last-writer-wins semantics: competing claimants all write,
// one write survives convergence, and every peer confirms its claim by
// re-reading rather than trusting its own optimistic write. All status
// transitions rewrite the whole record, so concurrent writers resolve
// record-at-a-time instead of field-at-a-time.
package coord

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MaximeRivest/mrmd-monitor/crdt"
	"github.com/MaximeRivest/mrmd-monitor/lib/clock"
)

// MapName is the shared map holding execution records.
const MapName = "executions"

// DefaultSession is the runtime session used when a request names
// none.
const DefaultSession = "default"

// Request describes a new execution for RequestExecution.
type Request struct {
	Code       string
	Language   string
	RuntimeURL string
	Session    string
	CellID     *string
}

// Observer receives keyed change notifications for execution records.
// The record is the parsed post-change value; nil for deletes.
type Observer func(execID string, execution *Execution, action crdt.Action)

// Protocol is one peer's view over the executions map. Both roles
// (browser and monitor) use the same type; the spec assigns each
// operation to a role but nothing enforces it here.
type Protocol struct {
	doc    *crdt.Doc
	m      *crdt.Map
	clock  clock.Clock
	logger *slog.Logger

	// writeMu serializes this peer's read-modify-write cycles so two
	// local goroutines (say, a stdin clear racing a completion) cannot
	// interleave reads and writes and resurrect a stale record.
	// Cross-peer races remain the CRDT's last-writer-wins problem, by
	// design.
	writeMu sync.Mutex
}

// New builds a protocol view over doc's executions map.
func New(doc *crdt.Doc, clk clock.Clock, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		doc:    doc,
		m:      doc.Map(MapName),
		clock:  clk,
		logger: logger.With("component", "coord"),
	}
}

// SelfID returns this peer's client id, the value compared against
// claimedBy.
func (p *Protocol) SelfID() uint32 { return p.doc.ClientID() }

// base36 digits for the random id suffix.
const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateExecID returns a fresh execution id of the form
// exec-<millis>-<6 base36 chars>.
func (p *Protocol) GenerateExecID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("coord: reading random id bytes: " + err.Error())
	}
	suffix := make([]byte, 6)
	for i, v := range b {
		suffix[i] = base36[int(v)%len(base36)]
	}
	return fmt.Sprintf("exec-%d-%s", p.clock.Now().UnixMilli(), suffix)
}

// RequestExecution creates a record with status requested and returns
// its id. Browser role.
func (p *Protocol) RequestExecution(request Request) (string, error) {
	session := request.Session
	if session == "" {
		session = DefaultSession
	}
	now := p.clock.Now().UnixMilli()
	self := p.SelfID()
	execution := &Execution{
		ID:          p.GenerateExecID(),
		CellID:      request.CellID,
		Code:        request.Code,
		Language:    request.Language,
		RuntimeURL:  request.RuntimeURL,
		Session:     session,
		Status:      StatusRequested,
		RequestedBy: &self,
		RequestedAt: &now,
		DisplayData: []Display{},
	}
	if err := p.put(execution); err != nil {
		return "", err
	}
	return execution.ID, nil
}

// ClaimExecution attempts to claim a requested record for this peer.
// Returns false when the record is absent, no longer requested, or
// already claimed.
//
// A true return is optimistic, not definitive: a concurrent claim from
// another monitor may win last-writer-wins resolution. The claim holds
// only if a later read of the converged record still shows claimedBy
// == SelfID().
func (p *Protocol) ClaimExecution(execID string) bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	execution, ok := p.GetExecution(execID)
	if !ok {
		return false
	}
	if execution.Status != StatusRequested || execution.ClaimedBy != nil {
		return false
	}

	now := p.clock.Now().UnixMilli()
	self := p.SelfID()
	next := execution.clone()
	next.Status = StatusClaimed
	next.ClaimedBy = &self
	next.ClaimedAt = &now
	if err := p.put(next); err != nil {
		p.logger.Error("writing claim", "exec_id", execID, "error", err)
		return false
	}
	return true
}

// SetOutputBlockReady publishes the output region's logical position
// and transitions claimed → ready. Browser role.
func (p *Protocol) SetOutputBlockReady(execID string, position []byte) bool {
	return p.update(execID, func(execution *Execution) bool {
		if execution.Status != StatusClaimed {
			return false
		}
		execution.Status = StatusReady
		execution.OutputBlockReady = true
		execution.OutputPosition = position
		return true
	})
}

// SetRunning transitions ready → running and stamps startedAt.
// Monitor role.
func (p *Protocol) SetRunning(execID string) bool {
	return p.update(execID, func(execution *Execution) bool {
		if execution.Status != StatusReady {
			return false
		}
		now := p.clock.Now().UnixMilli()
		execution.Status = StatusRunning
		execution.StartedAt = &now
		return true
	})
}

// SetCompleted records a successful result and transitions to the
// completed terminal state. Monitor role.
func (p *Protocol) SetCompleted(execID string, result any, displayData []Display) bool {
	return p.update(execID, func(execution *Execution) bool {
		if execution.Status.Terminal() {
			return false
		}
		now := p.clock.Now().UnixMilli()
		execution.Status = StatusCompleted
		execution.CompletedAt = &now
		execution.Result = result
		if displayData != nil {
			execution.DisplayData = displayData
		}
		return true
	})
}

// SetError records a failure and transitions to the error terminal
// state. The payload is preserved verbatim in the record's error
// field. Monitor role.
func (p *Protocol) SetError(execID string, errorInfo map[string]any) bool {
	return p.update(execID, func(execution *Execution) bool {
		if execution.Status.Terminal() {
			return false
		}
		now := p.clock.Now().UnixMilli()
		execution.Status = StatusError
		execution.CompletedAt = &now
		execution.Error = errorInfo
		return true
	})
}

// SetCancelled transitions to the cancelled terminal state. Valid from
// claimed, ready, or running.
func (p *Protocol) SetCancelled(execID string) bool {
	return p.update(execID, func(execution *Execution) bool {
		switch execution.Status {
		case StatusClaimed, StatusReady, StatusRunning:
		default:
			return false
		}
		now := p.clock.Now().UnixMilli()
		execution.Status = StatusCancelled
		execution.CompletedAt = &now
		return true
	})
}

// RequestStdin publishes a runtime's input prompt and clears any stale
// response. Monitor role.
func (p *Protocol) RequestStdin(execID, prompt string, password bool) bool {
	return p.update(execID, func(execution *Execution) bool {
		execution.StdinRequest = &StdinRequest{
			Prompt:      prompt,
			Password:    password,
			RequestedAt: p.clock.Now().UnixMilli(),
		}
		execution.StdinResponse = nil
		return true
	})
}

// RespondStdin answers a pending stdin request. Browser role.
func (p *Protocol) RespondStdin(execID, text string) bool {
	return p.update(execID, func(execution *Execution) bool {
		execution.StdinResponse = &StdinResponse{
			Text:        text,
			RespondedAt: p.clock.Now().UnixMilli(),
		}
		return true
	})
}

// ClearStdinRequest nulls both stdin fields after the monitor has
// forwarded the response to the runtime. Monitor role.
func (p *Protocol) ClearStdinRequest(execID string) bool {
	return p.update(execID, func(execution *Execution) bool {
		execution.StdinRequest = nil
		execution.StdinResponse = nil
		return true
	})
}

// AddDisplayData appends one rich output to the record. Monitor role.
func (p *Protocol) AddDisplayData(execID string, display Display) bool {
	return p.update(execID, func(execution *Execution) bool {
		execution.DisplayData = append(execution.DisplayData, display)
		return true
	})
}

// GetExecution reads and parses the record for execID.
func (p *Protocol) GetExecution(execID string) (*Execution, bool) {
	value, ok := p.m.Get(execID)
	if !ok {
		return nil, false
	}
	execution, err := fromRecord(value)
	if err != nil {
		p.logger.Warn("unparseable execution record", "exec_id", execID, "error", err)
		return nil, false
	}
	return execution, true
}

// ExecutionsByStatus returns every record currently in the given
// status, in key order.
func (p *Protocol) ExecutionsByStatus(status Status) []*Execution {
	var out []*Execution
	for _, key := range p.m.Keys() {
		if execution, ok := p.GetExecution(key); ok && execution.Status == status {
			out = append(out, execution)
		}
	}
	return out
}

// Observe subscribes to keyed record changes. The callback runs
// outside the document lock and may call back into the protocol.
func (p *Protocol) Observe(observer Observer) {
	p.m.Observe(func(key string, change crdt.Change) {
		if change.Action == crdt.ActionDelete {
			observer(key, nil, change.Action)
			return
		}
		execution, err := fromRecord(change.Value)
		if err != nil {
			p.logger.Warn("ignoring unparseable record change", "exec_id", key, "error", err)
			return
		}
		observer(key, execution, change.Action)
	})
}

// update performs a read-modify-write of the whole record. mutate
// returns false to abandon the write (wrong state, terminal record).
func (p *Protocol) update(execID string, mutate func(*Execution) bool) bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	execution, ok := p.GetExecution(execID)
	if !ok {
		p.logger.Warn("update of unknown execution", "exec_id", execID)
		return false
	}
	next := execution.clone()
	if !mutate(next) {
		return false
	}
	if err := p.put(next); err != nil {
		p.logger.Error("writing execution record", "exec_id", execID, "error", err)
		return false
	}
	return true
}

func (p *Protocol) put(execution *Execution) error {
	record, err := toRecord(execution)
	if err != nil {
		return err
	}
	p.m.Set(execution.ID, record)
	return nil
}
