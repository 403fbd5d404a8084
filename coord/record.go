// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

package coord

import (
	"fmt"

	"github.com/MaximeRivest/mrmd-monitor/lib/codec"
)

// Status is an execution's position in the coordination state machine.
type Status string

// Status values. Initial is StatusRequested; the terminal statuses
// (completed, error, cancelled) are absorbing.
const (
	StatusRequested Status = "requested"
	StatusClaimed   Status = "claimed"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is absorbing: once a record
// reaches it, this system issues no further status writes.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// StdinRequest is a runtime's pending request for user input,
// published by the monitor for a browser to answer.
type StdinRequest struct {
	Prompt      string `cbor:"prompt"`
	Password    bool   `cbor:"password"`
	RequestedAt int64  `cbor:"requestedAt"`
}

// StdinResponse is a browser's answer to a stdin request.
type StdinResponse struct {
	Text        string `cbor:"text"`
	RespondedAt int64  `cbor:"respondedAt"`
}

// Display is one rich output attached to an execution. Exactly one of
// Data or AssetID/URL is typically set, depending on whether the
// runtime inlined the payload or parked it as an asset.
type Display struct {
	MimeType string  `cbor:"mimeType"`
	Data     any     `cbor:"data,omitempty"`
	AssetID  *string `cbor:"assetId,omitempty"`
	URL      *string `cbor:"url,omitempty"`
}

// Execution is the coordination record for one execution: the sole
// rendezvous point between the browser that requested the work and the
// monitor that performs it.
//
// The record is treated as an immutable value; every mutation in this
// package rewrites the whole record into the shared map's slot, which
// is what makes last-writer-wins resolution sound. Pointer fields are
// tagged optionals: nil encodes as an explicit null, matching the
// record shape browsers create.
type Execution struct {
	ID     string  `cbor:"id"`
	CellID *string `cbor:"cellId"`

	// Request fields, immutable after creation.
	Code       string `cbor:"code"`
	Language   string `cbor:"language"`
	RuntimeURL string `cbor:"runtimeUrl"`
	Session    string `cbor:"session"`

	// Coordination fields.
	Status      Status  `cbor:"status"`
	RequestedBy *uint32 `cbor:"requestedBy"`
	ClaimedBy   *uint32 `cbor:"claimedBy"`
	RequestedAt *int64  `cbor:"requestedAt"`
	ClaimedAt   *int64  `cbor:"claimedAt"`
	StartedAt   *int64  `cbor:"startedAt"`
	CompletedAt *int64  `cbor:"completedAt"`

	// Output region bookkeeping, written by the browser.
	OutputBlockReady bool   `cbor:"outputBlockReady"`
	OutputPosition   []byte `cbor:"outputPosition"`

	// Stdin proxy channel.
	StdinRequest  *StdinRequest  `cbor:"stdinRequest"`
	StdinResponse *StdinResponse `cbor:"stdinResponse"`

	// Results.
	Result      any            `cbor:"result"`
	Error       map[string]any `cbor:"error"`
	DisplayData []Display      `cbor:"displayData"`
}

// ClaimedByPeer reports whether the record is claimed by the given
// peer id.
func (e *Execution) ClaimedByPeer(peer uint32) bool {
	return e.ClaimedBy != nil && *e.ClaimedBy == peer
}

// clone returns a deep-enough copy for read-modify-write: every
// pointer field is re-allocated so mutating the copy never aliases the
// stored value. Result, Error, and DisplayData contents are treated as
// immutable payloads and shared.
func (e *Execution) clone() *Execution {
	out := *e
	out.CellID = clonePtr(e.CellID)
	out.RequestedBy = clonePtr(e.RequestedBy)
	out.ClaimedBy = clonePtr(e.ClaimedBy)
	out.RequestedAt = clonePtr(e.RequestedAt)
	out.ClaimedAt = clonePtr(e.ClaimedAt)
	out.StartedAt = clonePtr(e.StartedAt)
	out.CompletedAt = clonePtr(e.CompletedAt)
	out.StdinRequest = clonePtr(e.StdinRequest)
	out.StdinResponse = clonePtr(e.StdinResponse)
	out.DisplayData = append([]Display(nil), e.DisplayData...)
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	value := *p
	return &value
}

// toRecord converts the execution to the map[string]any form stored in
// the shared map. Round-tripping through the codec keeps the stored
// shape identical whether a record was written locally or replicated
// from a peer.
func toRecord(e *Execution) (map[string]any, error) {
	encoded, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("coord: encoding record %s: %w", e.ID, err)
	}
	var record map[string]any
	if err := codec.Unmarshal(encoded, &record); err != nil {
		return nil, fmt.Errorf("coord: normalizing record %s: %w", e.ID, err)
	}
	return record, nil
}

// fromRecord parses a stored map value back into a typed execution.
func fromRecord(value any) (*Execution, error) {
	encoded, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("coord: re-encoding record: %w", err)
	}
	var execution Execution
	if err := codec.Unmarshal(encoded, &execution); err != nil {
		return nil, fmt.Errorf("coord: decoding record: %w", err)
	}
	return &execution, nil
}
