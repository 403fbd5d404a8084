// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MaximeRivest/mrmd-monitor/coord"
	"github.com/MaximeRivest/mrmd-monitor/crdt"
	"github.com/MaximeRivest/mrmd-monitor/document"
	"github.com/MaximeRivest/mrmd-monitor/lib/clock"
)

// fakeTransport satisfies Transport with an always-synced in-memory
// connection; replication happens by directly wiring the docs.
type fakeTransport struct {
	synced chan struct{}

	mu        sync.Mutex
	connected bool
}

func newFakeTransport() *fakeTransport {
	synced := make(chan struct{})
	close(synced)
	return &fakeTransport{synced: synced}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Synced() <-chan struct{} { return f.synced }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// testPeers is a browser replica and a monitor wired for immediate
// frame exchange, plus the browser-side views used to drive scenarios.
type testPeers struct {
	monitor     *Monitor
	browser     *coord.Protocol
	browserDoc  *crdt.Doc
	browserText *crdt.Text
	writer      *document.Writer
}

func newTestPeers(t *testing.T, clk clock.Clock) *testPeers {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	monitorDoc := crdt.NewDocWithClient(10)
	browserDoc := crdt.NewDocWithClient(20)
	monitorDoc.OnUpdate(func(update []byte) {
		if err := browserDoc.ApplyUpdate(update); err != nil {
			t.Errorf("monitor→browser: %v", err)
		}
	})
	browserDoc.OnUpdate(func(update []byte) {
		if err := monitorDoc.ApplyUpdate(update); err != nil {
			t.Errorf("browser→monitor: %v", err)
		}
	})

	if clk == nil {
		clk = clock.Real()
	}
	m := New(monitorDoc, newFakeTransport(), Options{Clock: clk, Logger: logger})
	browserText := browserDoc.Text(TextName)
	return &testPeers{
		monitor:     m,
		browser:     coord.New(browserDoc, clock.Real(), logger),
		browserDoc:  browserDoc,
		browserText: browserText,
		writer:      document.NewWriter(browserDoc, browserText, logger),
	}
}

// insertOutputBlock appends the fenced region for execID to the
// browser text and publishes ready, the way a browser allocates the
// region after seeing its request claimed.
func (p *testPeers) insertOutputBlock(t *testing.T, execID string) {
	t.Helper()
	p.browserText.Insert(p.browserText.Len(), fmt.Sprintf("```output:%s\n```\n", execID))
	position, ok := p.writer.CreateOutputPosition(execID)
	if !ok {
		t.Fatal("browser could not create the output position")
	}
	if !p.browser.SetOutputBlockReady(execID, position) {
		t.Fatal("SetOutputBlockReady failed")
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sseEvent(name, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}

func runtimeServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestHappyPath(t *testing.T) {
	t.Parallel()

	server := runtimeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute/stream" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["code"] != "print('hi')" {
			t.Errorf("code = %v", body["code"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("start", `{}`)+
			sseEvent("stdout", `{"content":"hi\n"}`)+
			sseEvent("result", `{"success":true}`)+
			sseEvent("done", `{}`))
	})

	peers := newTestPeers(t, nil)
	if err := peers.monitor.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer peers.monitor.Disconnect()
	if !peers.monitor.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}

	execID, err := peers.browser.RequestExecution(coord.Request{
		Code:       "print('hi')",
		Language:   "python",
		RuntimeURL: server.URL,
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "claim", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusClaimed
	})
	execution, _ := peers.browser.GetExecution(execID)
	if !execution.ClaimedByPeer(peers.monitor.Protocol().SelfID()) {
		t.Fatal("claimedBy is not the monitor")
	}

	peers.insertOutputBlock(t, execID)

	waitFor(t, "completion", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusCompleted
	})

	execution, _ = peers.browser.GetExecution(execID)
	if execution.StartedAt == nil || execution.CompletedAt == nil {
		t.Error("lifecycle timestamps missing")
	}
	result, ok := execution.Result.(map[string]any)
	if !ok || result["success"] != true {
		t.Errorf("result = %v", execution.Result)
	}

	wanted := fmt.Sprintf("```output:%s\nhi\n```\n", execID)
	if got := peers.browserText.String(); got != wanted {
		t.Errorf("browser text = %q, want %q", got, wanted)
	}
}

func TestProgressBarCollapses(t *testing.T) {
	t.Parallel()

	server := runtimeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 100; i++ {
			bar := strings.Repeat("#", (i+1)/10) + strings.Repeat(" ", 10-(i+1)/10)
			chunk, _ := json.Marshal(map[string]any{"content": fmt.Sprintf("\r[%s] %d%%", bar, i)})
			io.WriteString(w, sseEvent("stdout", string(chunk)))
		}
		io.WriteString(w, sseEvent("result", `{"success":true}`))
	})

	peers := newTestPeers(t, nil)
	if err := peers.monitor.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer peers.monitor.Disconnect()

	execID, _ := peers.browser.RequestExecution(coord.Request{
		Code: "train()", Language: "python", RuntimeURL: server.URL,
	})
	waitFor(t, "claim", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusClaimed
	})
	peers.insertOutputBlock(t, execID)
	waitFor(t, "completion", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusCompleted
	})

	content, ok := peers.writer.OutputContent(execID)
	if !ok {
		t.Fatal("output block vanished")
	}
	if content != "[##########] 99%\n" {
		t.Errorf("content = %q, want the final frame only", content)
	}
}

func TestStdinRoundTrip(t *testing.T) {
	t.Parallel()

	inputReceived := make(chan map[string]any, 1)
	proceed := make(chan struct{})
	server := runtimeServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/execute/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, sseEvent("stdin_request", `{"prompt":"Name: ","password":false}`))
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
			select {
			case <-proceed:
				io.WriteString(w, sseEvent("stdout", `{"content":"Alice\n"}`)+
					sseEvent("result", `{"success":true}`))
			case <-r.Context().Done():
			}
		case "/input":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			inputReceived <- body
			close(proceed)
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"accepted": true}`)
		default:
			http.NotFound(w, r)
		}
	})

	peers := newTestPeers(t, nil)
	if err := peers.monitor.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer peers.monitor.Disconnect()

	execID, _ := peers.browser.RequestExecution(coord.Request{
		Code: "input('Name: ')", Language: "python", RuntimeURL: server.URL,
	})
	waitFor(t, "claim", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusClaimed
	})
	peers.insertOutputBlock(t, execID)

	// The runtime's prompt must surface in the record.
	waitFor(t, "stdin request", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.StdinRequest != nil && execution.StdinRequest.Prompt == "Name: "
	})

	// Browser answers; the monitor forwards it to /input.
	if !peers.browser.RespondStdin(execID, "Alice\n") {
		t.Fatal("RespondStdin failed")
	}
	select {
	case body := <-inputReceived:
		if body["text"] != "Alice\n" || body["exec_id"] != execID {
			t.Errorf("input body = %v", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime never received the input")
	}

	waitFor(t, "completion", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusCompleted
	})
	execution, _ := peers.browser.GetExecution(execID)
	if execution.StdinRequest != nil || execution.StdinResponse != nil {
		t.Error("stdin fields not cleared after the round trip")
	}
}

func TestOutputBlockNeverAppears(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	peers := newTestPeers(t, fake)
	if err := peers.monitor.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer peers.monitor.Disconnect()

	execID, _ := peers.browser.RequestExecution(coord.Request{
		Code: "x", Language: "python", RuntimeURL: "http://127.0.0.1:1",
	})
	waitFor(t, "claim", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusClaimed
	})

	// Ready is published but the fenced block never lands in the text.
	if !peers.browser.SetOutputBlockReady(execID, nil) {
		t.Fatal("SetOutputBlockReady failed")
	}

	// Burn through the full polling window.
	for i := 0; i < 50; i++ {
		fake.WaitForWaiters(1)
		fake.Advance(100 * time.Millisecond)
	}

	waitFor(t, "sync error", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusError
	})
	execution, _ := peers.browser.GetExecution(execID)
	if execution.Error["type"] != "SyncError" {
		t.Errorf("error type = %v, want SyncError", execution.Error["type"])
	}
	// The in-process slot is released so the id could be retried.
	peers.monitor.mu.Lock()
	slot := peers.monitor.processing[execID]
	peers.monitor.mu.Unlock()
	if slot {
		t.Error("processing slot still held after the sync failure")
	}
}

func TestCancelledWhileRunning(t *testing.T) {
	t.Parallel()

	interrupted := make(chan struct{}, 1)
	server := runtimeServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/execute/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, sseEvent("stdout", `{"content":"working...\n"}`))
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
			<-r.Context().Done()
		case "/interrupt":
			interrupted <- struct{}{}
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"interrupted": true}`)
		default:
			http.NotFound(w, r)
		}
	})

	peers := newTestPeers(t, nil)
	if err := peers.monitor.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer peers.monitor.Disconnect()

	execID, _ := peers.browser.RequestExecution(coord.Request{
		Code: "while True: pass", Language: "python", RuntimeURL: server.URL,
	})
	waitFor(t, "claim", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusClaimed
	})
	peers.insertOutputBlock(t, execID)

	waitFor(t, "running", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusRunning
	})
	waitFor(t, "stream active", func() bool {
		return peers.monitor.ActiveExecutions() == 1
	})

	if !peers.browser.SetCancelled(execID) {
		t.Fatal("SetCancelled failed")
	}

	waitFor(t, "stream teardown", func() bool {
		return peers.monitor.ActiveExecutions() == 0
	})
	select {
	case <-interrupted:
	case <-time.After(5 * time.Second):
		t.Fatal("runtime session was never interrupted")
	}

	// The record stays cancelled; the aborted local result is not
	// written over it.
	time.Sleep(50 * time.Millisecond)
	execution, _ := peers.browser.GetExecution(execID)
	if execution.Status != coord.StatusCancelled {
		t.Errorf("status = %s, want cancelled", execution.Status)
	}
}

func TestLosingMonitorNeverDrives(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	browserDoc := crdt.NewDocWithClient(1)
	docA := crdt.NewDocWithClient(2)
	docB := crdt.NewDocWithClient(3)

	// Full mesh: every local frame reaches both other replicas.
	docs := []*crdt.Doc{browserDoc, docA, docB}
	for _, from := range docs {
		from := from
		from.OnUpdate(func(update []byte) {
			for _, to := range docs {
				if to != from {
					if err := to.ApplyUpdate(update); err != nil {
						t.Errorf("exchange: %v", err)
					}
				}
			}
		})
	}

	monitorA := New(docA, newFakeTransport(), Options{Logger: logger})
	monitorB := New(docB, newFakeTransport(), Options{Logger: logger})
	if err := monitorA.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer monitorA.Disconnect()
	if err := monitorB.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer monitorB.Disconnect()

	browser := coord.New(browserDoc, clock.Real(), logger)
	execID, _ := browser.RequestExecution(coord.Request{
		Code: "x", Language: "python", RuntimeURL: "http://127.0.0.1:1",
	})

	waitFor(t, "claim", func() bool {
		execution, ok := browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusClaimed
	})

	execution, _ := browser.GetExecution(execID)
	winners := 0
	for _, m := range []*Monitor{monitorA, monitorB} {
		if execution.ClaimedByPeer(m.Protocol().SelfID()) {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("%d monitors hold the claim, want exactly 1", winners)
	}

	// Converged views agree.
	fromA, _ := monitorA.Protocol().GetExecution(execID)
	fromB, _ := monitorB.Protocol().GetExecution(execID)
	if *fromA.ClaimedBy != *fromB.ClaimedBy {
		t.Error("monitors disagree on the claim after convergence")
	}

	// The loser holds no processing slot for this execution.
	for _, m := range []*Monitor{monitorA, monitorB} {
		if execution.ClaimedByPeer(m.Protocol().SelfID()) {
			continue
		}
		m.mu.Lock()
		slot := m.processing[execID]
		driving := m.driving[execID]
		m.mu.Unlock()
		if slot || driving {
			t.Error("losing monitor kept a processing slot or started driving")
		}
	}
}

func TestReconcileClaimsExistingRequests(t *testing.T) {
	t.Parallel()

	// The record exists before the monitor connects; the startup scan
	// must pick it up without any observer event.
	peers := newTestPeers(t, nil)
	execID, _ := peers.browser.RequestExecution(coord.Request{
		Code: "x", Language: "python", RuntimeURL: "http://127.0.0.1:1",
	})

	if err := peers.monitor.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer peers.monitor.Disconnect()

	waitFor(t, "reconcile claim", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusClaimed
	})
}

func TestRuntimeErrorEventMarksRecord(t *testing.T) {
	t.Parallel()

	server := runtimeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("error", `{"type":"ZeroDivisionError","message":"division by zero"}`))
	})

	peers := newTestPeers(t, nil)
	if err := peers.monitor.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer peers.monitor.Disconnect()

	execID, _ := peers.browser.RequestExecution(coord.Request{
		Code: "1/0", Language: "python", RuntimeURL: server.URL,
	})
	waitFor(t, "claim", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusClaimed
	})
	peers.insertOutputBlock(t, execID)

	waitFor(t, "error state", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusError
	})
	execution, _ := peers.browser.GetExecution(execID)
	if execution.Error["type"] != "ZeroDivisionError" {
		t.Errorf("error = %v; runtime errors must pass through verbatim", execution.Error)
	}
}

func TestConnectionErrorMarksRecord(t *testing.T) {
	t.Parallel()

	peers := newTestPeers(t, nil)
	if err := peers.monitor.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer peers.monitor.Disconnect()

	execID, _ := peers.browser.RequestExecution(coord.Request{
		Code: "x", Language: "python", RuntimeURL: "http://127.0.0.1:1",
	})
	waitFor(t, "claim", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusClaimed
	})
	peers.insertOutputBlock(t, execID)

	waitFor(t, "error state", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusError
	})
	execution, _ := peers.browser.GetExecution(execID)
	if execution.Error["type"] != "ConnectionError" {
		t.Errorf("error type = %v, want ConnectionError", execution.Error["type"])
	}
}

func TestDisplayDataAccrues(t *testing.T) {
	t.Parallel()

	server := runtimeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("display", `{"mimeType":"text/html","data":"<p>hi</p>"}`)+
			sseEvent("asset", `{"mimeType":"image/png","path":"assets/a.png","url":"http://r/assets/a.png"}`)+
			sseEvent("result", `{"success":true}`))
	})

	peers := newTestPeers(t, nil)
	if err := peers.monitor.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer peers.monitor.Disconnect()

	execID, _ := peers.browser.RequestExecution(coord.Request{
		Code: "plot()", Language: "python", RuntimeURL: server.URL,
	})
	waitFor(t, "claim", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusClaimed
	})
	peers.insertOutputBlock(t, execID)
	waitFor(t, "completion", func() bool {
		execution, ok := peers.browser.GetExecution(execID)
		return ok && execution.Status == coord.StatusCompleted
	})

	execution, _ := peers.browser.GetExecution(execID)
	if len(execution.DisplayData) != 2 {
		t.Fatalf("displayData has %d entries, want 2", len(execution.DisplayData))
	}
	if execution.DisplayData[0].MimeType != "text/html" {
		t.Errorf("first display = %+v", execution.DisplayData[0])
	}
	asset := execution.DisplayData[1]
	if asset.AssetID == nil || *asset.AssetID != "assets/a.png" {
		t.Errorf("asset display = %+v", asset)
	}
}
