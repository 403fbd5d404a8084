// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor is the headless execution monitor: it joins the
// shared document as a peer, claims execution requests published by
// browsers, streams them against remote runtimes, and transcribes the
// projected output back into the document.
//
// The monitor's value is execution survivability. A browser that
// requested a run may disconnect at any point; the monitor owns the
// runtime stream, so the execution keeps going and its output keeps
// accruing into the shared document exactly as if the browser had
// stayed.
//
// Ownership of an execution is decided by the coordination protocol's
// claim arbitration, not by this package: the monitor claims
// optimistically, then believes only what the converged record says.
// An execution it failed to win is simply not its problem.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MaximeRivest/mrmd-monitor/coord"
	"github.com/MaximeRivest/mrmd-monitor/crdt"
	"github.com/MaximeRivest/mrmd-monitor/document"
	"github.com/MaximeRivest/mrmd-monitor/lib/clock"
	"github.com/MaximeRivest/mrmd-monitor/runtime"
	"github.com/MaximeRivest/mrmd-monitor/term"
)

// TextName is the shared text holding the notebook content.
const TextName = "content"

// Output-region convergence wait: the browser inserts the fenced block
// and its edit has to replicate here before streaming can start.
const (
	syncPollAttempts = 50
	syncPollInterval = 100 * time.Millisecond
)

// Error kinds written into coordination records by the monitor itself.
const (
	errSync    = "SyncError"
	errMonitor = "MonitorError"
)

// Transport is the slice of the sync provider the monitor drives.
type Transport interface {
	// Connect establishes the connection to the sync server.
	Connect(ctx context.Context) error

	// Synced returns a channel closed once the initial document state
	// has been applied.
	Synced() <-chan struct{}

	// Connected reports whether the transport is currently up.
	Connected() bool

	// Close tears the connection down.
	Close() error
}

// Options configures a Monitor.
type Options struct {
	// Clock defaults to clock.Real(). Tests inject a fake to drive
	// the output-region polling deterministically.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Monitor drives executions for one shared document.
type Monitor struct {
	doc       *crdt.Doc
	transport Transport
	protocol  *coord.Protocol
	writer    *document.Writer
	client    *runtime.Client
	clock     clock.Clock
	logger    *slog.Logger

	mu sync.Mutex
	// processing holds execution ids this instance is working on,
	// from claim attempt through drive completion. It exists to stop
	// rapid observer firings from double-claiming or double-driving.
	processing map[string]bool
	// driving marks executions whose drive goroutine has started.
	driving map[string]bool
	// forwarded records the respondedAt stamp of the last stdin
	// response forwarded per execution, so repeated observations of
	// the same response are sent once.
	forwarded map[string]int64

	connected bool
	synced    bool
	closed    bool

	// background tracks goroutines spawned by the observer so
	// Disconnect can drain them.
	background sync.WaitGroup
}

// New assembles a monitor over an already-constructed doc and
// transport. Connect starts it.
func New(doc *crdt.Doc, transport Transport, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger
	return &Monitor{
		doc:        doc,
		transport:  transport,
		protocol:   coord.New(doc, opts.Clock, logger),
		writer:     document.NewWriter(doc, doc.Text(TextName), logger),
		client:     runtime.NewClient(logger),
		clock:      opts.Clock,
		logger:     logger.With("component", "monitor"),
		processing: make(map[string]bool),
		driving:    make(map[string]bool),
		forwarded:  make(map[string]int64),
	}
}

// Connect establishes the transport, waits for the initial sync,
// installs the coordination observer, and scans existing records for
// work left from before this instance started.
func (m *Monitor) Connect(ctx context.Context) error {
	if err := m.transport.Connect(ctx); err != nil {
		return fmt.Errorf("monitor: connecting transport: %w", err)
	}
	m.setConnected(true)

	select {
	case <-m.transport.Synced():
	case <-ctx.Done():
		m.transport.Close()
		return fmt.Errorf("monitor: waiting for initial sync: %w", ctx.Err())
	}
	m.setSynced(true)
	m.logger.Info("initial sync complete", "peer_id", m.protocol.SelfID())

	m.protocol.Observe(func(execID string, execution *coord.Execution, action crdt.Action) {
		m.handleChange(execID, execution, action)
	})
	m.reconcile()
	return nil
}

// Disconnect cancels all in-flight executions, stops observing, and
// closes the transport.
func (m *Monitor) Disconnect() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.client.CancelAll()
	err := m.transport.Close()
	m.background.Wait()
	m.setConnected(false)
	return err
}

// IsConnected reports whether the monitor is transport-connected and
// has completed the initial sync.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && m.synced && m.transport.Connected()
}

// ActiveExecutions returns the number of executions currently
// streaming.
func (m *Monitor) ActiveExecutions() int {
	return m.client.ActiveCount()
}

// Protocol exposes the coordination view.
func (m *Monitor) Protocol() *coord.Protocol { return m.protocol }

func (m *Monitor) setConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

func (m *Monitor) setSynced(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = v
}

// reconcile scans existing records after the initial sync: unclaimed
// requests are claimed, and ready records already claimed by this
// peer id (a fast restart) resume their drive. Records left in
// running by a crashed instance are not resumed.
func (m *Monitor) reconcile() {
	for _, execution := range m.protocol.ExecutionsByStatus(coord.StatusRequested) {
		m.tryClaim(execution.ID)
	}
	for _, execution := range m.protocol.ExecutionsByStatus(coord.StatusReady) {
		if execution.ClaimedByPeer(m.protocol.SelfID()) {
			m.startDrive(execution)
		}
	}
}

// handleChange is the coordination observer: every record change lands
// here, including echoes of this monitor's own writes. Everything it
// does is idempotent.
func (m *Monitor) handleChange(execID string, execution *coord.Execution, action crdt.Action) {
	if execution == nil || action == crdt.ActionDelete {
		return
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	self := m.protocol.SelfID()
	switch {
	case execution.Status == coord.StatusRequested:
		m.tryClaim(execID)
	case execution.Status == coord.StatusReady && execution.ClaimedByPeer(self):
		m.startDrive(execution)
	case execution.Status == coord.StatusCancelled && execution.ClaimedByPeer(self):
		m.cancelLocal(execution)
	}

	if execution.StdinResponse != nil && execution.ClaimedByPeer(self) {
		m.forwardStdin(execution)
	}
}

// tryClaim attempts to claim a requested record. The claim is
// confirmed only by re-reading the converged record; an optimistic
// write that lost arbitration releases the processing slot.
func (m *Monitor) tryClaim(execID string) {
	m.mu.Lock()
	if m.processing[execID] {
		m.mu.Unlock()
		return
	}
	m.processing[execID] = true
	m.mu.Unlock()

	claimed := m.protocol.ClaimExecution(execID)
	confirmed := false
	if claimed {
		if execution, ok := m.protocol.GetExecution(execID); ok {
			confirmed = execution.ClaimedByPeer(m.protocol.SelfID())
		}
	}
	if !confirmed {
		m.mu.Lock()
		delete(m.processing, execID)
		m.mu.Unlock()
		if claimed {
			m.logger.Info("lost claim race", "exec_id", execID)
		}
		return
	}
	m.logger.Info("claimed execution", "exec_id", execID)
}

// startDrive launches the execution drive once per execution.
func (m *Monitor) startDrive(execution *coord.Execution) {
	execID := execution.ID
	if m.client.IsActive(execID) {
		return
	}
	m.mu.Lock()
	if m.driving[execID] {
		m.mu.Unlock()
		return
	}
	m.driving[execID] = true
	m.processing[execID] = true
	m.mu.Unlock()

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		defer func() {
			m.mu.Lock()
			delete(m.driving, execID)
			delete(m.processing, execID)
			delete(m.forwarded, execID)
			m.mu.Unlock()
		}()
		m.drive(execution)
	}()
}

// drive runs one claimed execution end to end: wait for the output
// region to converge, stream the runtime, and transcribe events into
// the coordination record and the document.
func (m *Monitor) drive(execution *coord.Execution) {
	execID := execution.ID
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("execution drive panicked", "exec_id", execID, "panic", recovered)
			m.protocol.SetError(execID, map[string]any{
				"type":    errMonitor,
				"message": fmt.Sprint(recovered),
			})
		}
	}()

	if !m.waitForOutputBlock(execID) {
		m.logger.Warn("output block never appeared", "exec_id", execID)
		m.protocol.SetError(execID, map[string]any{
			"type":    errSync,
			"message": "output block did not sync within the wait window",
		})
		return
	}

	m.protocol.SetRunning(execID)
	m.logger.Info("execution running",
		"exec_id", execID, "language", execution.Language, "session", execution.Session)

	projector := term.NewProjector()
	var displays []coord.Display

	transcribe := func(chunk string) {
		projector.Write(chunk)
		content := projector.Snapshot()
		if content != "" {
			content += "\n"
		}
		m.writer.ReplaceOutput(execID, content)
	}

	callbacks := runtime.Callbacks{
		OnStdout: func(chunk, _ string) { transcribe(chunk) },
		OnStderr: func(chunk, _ string) { transcribe(chunk) },
		OnStdinRequest: func(request runtime.StdinRequest) {
			m.protocol.RequestStdin(execID, request.Prompt, request.Password)
		},
		OnDisplay: func(display runtime.Display) {
			converted := convertDisplay(display)
			displays = append(displays, converted)
			m.protocol.AddDisplayData(execID, converted)
		},
		OnError: func(errorInfo map[string]any) {
			m.protocol.SetError(execID, errorInfo)
		},
	}

	result, err := m.client.Execute(context.Background(), execution.RuntimeURL, execution.Code, runtime.ExecuteOptions{
		Session:   execution.Session,
		ExecID:    execID,
		Callbacks: callbacks,
	})
	if err != nil {
		m.logger.Warn("execution failed", "exec_id", execID, "error", err)
		m.protocol.SetError(execID, errorRecord(err))
		return
	}
	if isAborted(result) {
		// Local cancellation: the record was (or will be) moved to
		// cancelled by whoever requested the cancel. Nothing to write.
		m.logger.Info("execution aborted locally", "exec_id", execID)
		return
	}
	m.protocol.SetCompleted(execID, result, displays)
	m.logger.Info("execution completed", "exec_id", execID)
}

// waitForOutputBlock polls for the browser's fenced block to converge
// into the shared text.
func (m *Monitor) waitForOutputBlock(execID string) bool {
	for attempt := 0; attempt < syncPollAttempts; attempt++ {
		if m.writer.HasOutputBlock(execID) {
			return true
		}
		m.clock.Sleep(syncPollInterval)
	}
	return m.writer.HasOutputBlock(execID)
}

// cancelLocal aborts the local stream for an execution another peer
// moved to cancelled, and interrupts the runtime session so the work
// actually stops.
func (m *Monitor) cancelLocal(execution *coord.Execution) {
	if !m.client.Cancel(execution.ID) {
		return
	}
	m.logger.Info("cancelled execution on peer request", "exec_id", execution.ID)
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := m.client.Interrupt(ctx, execution.RuntimeURL, execution.Session); err != nil {
			m.logger.Warn("interrupting runtime session", "exec_id", execution.ID, "error", err)
		}
	}()
}

// forwardStdin relays a browser's stdin response to the runtime, then
// clears both stdin fields. Each response (keyed by its respondedAt
// stamp) is forwarded once even though the observer sees it on every
// record change until the clear converges.
func (m *Monitor) forwardStdin(execution *coord.Execution) {
	execID := execution.ID
	response := execution.StdinResponse
	if !m.client.IsActive(execID) {
		return
	}

	m.mu.Lock()
	if m.forwarded[execID] == response.RespondedAt {
		m.mu.Unlock()
		return
	}
	m.forwarded[execID] = response.RespondedAt
	m.mu.Unlock()

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := m.client.SendInput(ctx, execution.RuntimeURL, execution.Session, execID, response.Text); err != nil {
			m.logger.Warn("forwarding stdin to runtime", "exec_id", execID, "error", err)
			return
		}
		m.protocol.ClearStdinRequest(execID)
		m.logger.Debug("stdin forwarded", "exec_id", execID)
	}()
}

func convertDisplay(display runtime.Display) coord.Display {
	converted := coord.Display{MimeType: display.MimeType, Data: display.Data}
	if display.AssetID != "" {
		assetID := display.AssetID
		converted.AssetID = &assetID
	}
	if display.URL != "" {
		url := display.URL
		converted.URL = &url
	}
	return converted
}

// errorRecord converts an Execute error into a record error payload,
// preserving the typed kind when there is one.
func errorRecord(err error) map[string]any {
	var typed *runtime.Error
	if errors.As(err, &typed) {
		return map[string]any{"type": typed.Type, "message": typed.Message}
	}
	return map[string]any{"type": errMonitor, "message": err.Error()}
}

// isAborted recognizes the runtime client's local-cancellation result.
func isAborted(result map[string]any) bool {
	if result == nil {
		return false
	}
	if success, ok := result["success"].(bool); !ok || success {
		return false
	}
	errorInfo, ok := result["error"].(map[string]any)
	if !ok {
		return false
	}
	return errorInfo["type"] == runtime.ErrAborted
}
