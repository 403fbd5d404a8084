// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime is the HTTP/SSE client for remote language runtimes.
//
// An execution is a POST to the runtime's /execute/stream endpoint
// answered by a server-sent-event stream. Each event is dispatched to
// a typed callback as it arrives; the stream's result event doubles as
// the call's return value. Stdin submission and interrupts ride
// separate out-of-band POST endpoints because the event stream is
// one-directional.
//
// Every in-flight execution registers a cancellation handle under its
// execution id. Cancel aborts the HTTP request; the Execute call then
// returns an Aborted result without invoking the error callback, so
// local cancellation is distinguishable from runtime failure.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// Error kinds produced by this package. Runtime-reported error events
// carry their own type strings and pass through verbatim.
const (
	ErrConnection = "ConnectionError"
	ErrAborted    = "Aborted"
)

// Error is a typed execution failure, both returned from Execute and
// delivered to the OnError callback.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// StdinRequest is a runtime's request for user input.
type StdinRequest struct {
	Prompt   string
	Password bool
}

// Display is one rich output event. For asset events the payload is
// synthesized from the asset's path and URL.
type Display struct {
	MimeType string
	Data     any
	AssetID  string
	URL      string
}

// Callbacks receives the typed events of one execution stream. Nil
// members are skipped. Callbacks fire sequentially, in stream order,
// on the goroutine that called Execute.
type Callbacks struct {
	// OnStart fires after the HTTP response arrives with a 2xx
	// status, before the first event.
	OnStart func()

	// OnStdout and OnStderr deliver output chunks along with the
	// cumulative concatenation of all chunks on that channel so far.
	OnStdout func(chunk, accumulated string)
	OnStderr func(chunk, accumulated string)

	// OnStdinRequest fires when the runtime wants input. Answer via
	// SendInput.
	OnStdinRequest func(request StdinRequest)

	// OnDisplay delivers rich outputs (display and asset events).
	OnDisplay func(display Display)

	// OnResult delivers the final result object. The same value is
	// returned from Execute.
	OnResult func(result map[string]any)

	// OnError delivers runtime-reported errors and connection
	// failures. It does NOT fire for local cancellation.
	OnError func(errorInfo map[string]any)

	// OnDone fires once when the stream closes, however it closes.
	OnDone func()
}

// ExecuteOptions configures one Execute call.
type ExecuteOptions struct {
	// Session is the runtime session name. Empty means "default".
	Session string

	// ExecID registers the execution for cancellation. Empty disables
	// the registry for this call.
	ExecID string

	Callbacks Callbacks
}

// Client drives executions against remote runtimes. One client serves
// any number of concurrent executions across any number of runtimes.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*activeExec
}

type activeExec struct {
	cancel  context.CancelFunc
	aborted bool
}

// NewClient builds a runtime client. The HTTP client deliberately has
// no timeout: executions run for hours and the SSE response body stays
// open the whole time.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{},
		logger:     logger.With("component", "runtime"),
		active:     make(map[string]*activeExec),
	}
}

// AbortedResult is the value Execute returns after local cancellation.
func AbortedResult() map[string]any {
	return map[string]any{
		"success": false,
		"error": map[string]any{
			"type":    ErrAborted,
			"message": "Execution cancelled",
		},
	}
}

// Execute streams one execution. It blocks until the stream ends,
// dispatching callbacks per event, and returns the result event's
// payload (nil if the stream ended without one).
//
// On cancellation via Cancel the aborted result is returned with a nil
// error and OnError is not invoked. Connection failures invoke OnError
// with a ConnectionError payload and return a *Error of the same kind;
// non-2xx responses return a *Error without invoking OnError.
func (c *Client) Execute(ctx context.Context, runtimeURL, code string, opts ExecuteOptions) (map[string]any, error) {
	session := opts.Session
	if session == "" {
		session = "default"
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var entry *activeExec
	if opts.ExecID != "" {
		entry = &activeExec{cancel: cancel}
		c.mu.Lock()
		c.active[opts.ExecID] = entry
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.active, opts.ExecID)
			c.mu.Unlock()
		}()
	}

	body, err := json.Marshal(map[string]any{
		"code":         code,
		"session":      session,
		"storeHistory": true,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: encoding execute request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(runtimeURL, "/")+"/execute/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("runtime: building execute request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.httpClient.Do(request)
	if err != nil {
		if c.wasAborted(entry) {
			return AbortedResult(), nil
		}
		connErr := &Error{Type: ErrConnection, Message: err.Error()}
		if opts.Callbacks.OnError != nil {
			opts.Callbacks.OnError(errorPayload(connErr))
		}
		return nil, connErr
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, &Error{
			Type:    ErrConnection,
			Message: fmt.Sprintf("runtime returned %s: %s", response.Status, strings.TrimSpace(string(detail))),
		}
	}

	if opts.Callbacks.OnStart != nil {
		opts.Callbacks.OnStart()
	}

	result, streamErr := c.consumeStream(response.Body, opts.Callbacks)
	if opts.Callbacks.OnDone != nil {
		opts.Callbacks.OnDone()
	}
	if streamErr != nil {
		if c.wasAborted(entry) {
			return AbortedResult(), nil
		}
		connErr := &Error{Type: ErrConnection, Message: streamErr.Error()}
		if opts.Callbacks.OnError != nil {
			opts.Callbacks.OnError(errorPayload(connErr))
		}
		return nil, connErr
	}
	return result, nil
}

// consumeStream dispatches every event on the SSE stream and returns
// the result payload, if any.
func (c *Client) consumeStream(body io.Reader, callbacks Callbacks) (map[string]any, error) {
	var result map[string]any
	var stdout, stderr strings.Builder

	scanner := NewSSEScanner(body)
	for scanner.Next() {
		event := scanner.Event()

		var data map[string]any
		if err := json.Unmarshal([]byte(event.Data), &data); err != nil {
			// One bad frame must not kill an hours-long stream.
			c.logger.Warn("skipping unparseable event data",
				"event", event.Type, "error", err)
			continue
		}

		switch event.Type {
		case "start", "done":
			// Lifecycle markers; OnStart and OnDone bracket the
			// stream itself.
		case "stdout":
			chunk := stringField(data, "content")
			stdout.WriteString(chunk)
			if callbacks.OnStdout != nil {
				callbacks.OnStdout(chunk, stdout.String())
			}
		case "stderr":
			chunk := stringField(data, "content")
			stderr.WriteString(chunk)
			if callbacks.OnStderr != nil {
				callbacks.OnStderr(chunk, stderr.String())
			}
		case "stdin_request":
			if callbacks.OnStdinRequest != nil {
				callbacks.OnStdinRequest(StdinRequest{
					Prompt:   stringField(data, "prompt"),
					Password: boolField(data, "password"),
				})
			}
		case "display":
			if callbacks.OnDisplay != nil {
				callbacks.OnDisplay(Display{
					MimeType: stringField(data, "mimeType"),
					Data:     data["data"],
					AssetID:  stringField(data, "assetId"),
					URL:      stringField(data, "url"),
				})
			}
		case "asset":
			if callbacks.OnDisplay != nil {
				callbacks.OnDisplay(Display{
					MimeType: stringField(data, "mimeType"),
					AssetID:  stringField(data, "path"),
					URL:      stringField(data, "url"),
				})
			}
		case "result":
			result = data
			if callbacks.OnResult != nil {
				callbacks.OnResult(data)
			}
		case "error":
			if callbacks.OnError != nil {
				callbacks.OnError(data)
			}
		default:
			c.logger.Debug("ignoring unrecognized event", "event", event.Type)
		}
	}
	return result, scanner.Err()
}

// Cancel aborts the in-flight execution registered under execID.
// Returns false when no such execution is active.
func (c *Client) Cancel(execID string) bool {
	c.mu.Lock()
	entry, ok := c.active[execID]
	if ok {
		entry.aborted = true
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel()
	return true
}

// CancelAll aborts every active execution.
func (c *Client) CancelAll() {
	c.mu.Lock()
	entries := make([]*activeExec, 0, len(c.active))
	for _, entry := range c.active {
		entry.aborted = true
		entries = append(entries, entry)
	}
	c.mu.Unlock()
	for _, entry := range entries {
		entry.cancel()
	}
}

// IsActive reports whether an execution is currently in flight under
// execID.
func (c *Client) IsActive(execID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[execID]
	return ok
}

// ActiveCount returns the number of in-flight executions.
func (c *Client) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// SendInput answers a stdin request out-of-band. Returns the runtime's
// decoded JSON response.
func (c *Client) SendInput(ctx context.Context, runtimeURL, session, execID, text string) (map[string]any, error) {
	return c.postJSON(ctx, runtimeURL, "/input", map[string]any{
		"session": session,
		"exec_id": execID,
		"text":    text,
	})
}

// Interrupt asks the runtime to interrupt the session's current
// execution. Returns the runtime's decoded JSON response.
func (c *Client) Interrupt(ctx context.Context, runtimeURL, session string) (map[string]any, error) {
	return c.postJSON(ctx, runtimeURL, "/interrupt", map[string]any{
		"session": session,
	})
}

func (c *Client) postJSON(ctx context.Context, runtimeURL, path string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("runtime: encoding %s request: %w", path, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(runtimeURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("runtime: building %s request: %w", path, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &Error{Type: ErrConnection, Message: err.Error()}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, &Error{
			Type:    ErrConnection,
			Message: fmt.Sprintf("runtime returned %s: %s", response.Status, strings.TrimSpace(string(detail))),
		}
	}

	var decoded map[string]any
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("runtime: decoding %s response: %w", path, err)
	}
	return decoded, nil
}

func (c *Client) wasAborted(entry *activeExec) bool {
	if entry == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return entry.aborted
}

func errorPayload(e *Error) map[string]any {
	return map[string]any{"type": e.Type, "message": e.Message}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func boolField(data map[string]any, key string) bool {
	b, _ := data[key].(bool)
	return b
}
