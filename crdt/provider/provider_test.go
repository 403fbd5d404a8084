// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MaximeRivest/mrmd-monitor/crdt"
	"github.com/MaximeRivest/mrmd-monitor/lib/codec"
)

// relayServer is a minimal in-process sync server: it answers hello
// with a snapshot of its own replica and fans every update frame out
// to the other connected clients.
type relayServer struct {
	t   *testing.T
	doc *crdt.Doc

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

func newRelayServer(t *testing.T) (*relayServer, *httptest.Server) {
	t.Helper()
	relay := &relayServer{
		t:     t,
		doc:   crdt.NewDocWithClient(0),
		conns: make(map[*websocket.Conn]bool),
	}
	server := httptest.NewServer(http.HandlerFunc(relay.handle))
	t.Cleanup(server.Close)
	return relay, server
}

func (s *relayServer) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := codec.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameHello:
			compressed, err := Compress(s.doc.Snapshot())
			if err != nil {
				s.t.Errorf("compressing snapshot: %v", err)
				return
			}
			s.send(conn, frame{Type: frameSnapshot, Payload: compressed})
		case frameUpdate:
			if err := s.doc.ApplyUpdate(f.Payload); err != nil {
				s.t.Errorf("relay apply: %v", err)
			}
			s.broadcast(conn, data)
		}
	}
}

func (s *relayServer) send(conn *websocket.Conn, f frame) {
	data, err := codec.Marshal(f)
	if err != nil {
		s.t.Errorf("encoding frame: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *relayServer) broadcast(from *websocket.Conn, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if conn != from {
			conn.WriteMessage(websocket.BinaryMessage, data)
		}
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitSynced(t *testing.T, p *Provider) {
	t.Helper()
	select {
	case <-p.Synced():
	case <-time.After(5 * time.Second):
		t.Fatal("provider never synced")
	}
}

func TestConnectAndSync(t *testing.T) {
	t.Parallel()

	relay, server := newRelayServer(t)
	relay.doc.Text("content").Insert(0, "existing document")

	doc := crdt.NewDocWithClient(7)
	p := New(wsURL(server), "notes/today", doc, Options{Logger: testLogger()})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	waitSynced(t, p)
	if !p.Connected() {
		t.Error("Connected() = false after successful connect")
	}
	if got := doc.Text("content").String(); got != "existing document" {
		t.Errorf("snapshot not applied: %q", got)
	}
}

func TestUpdatesFlowBothWays(t *testing.T) {
	t.Parallel()

	relay, server := newRelayServer(t)

	docA := crdt.NewDocWithClient(1)
	providerA := New(wsURL(server), "room", docA, Options{Logger: testLogger()})
	if err := providerA.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer providerA.Close()
	waitSynced(t, providerA)

	docB := crdt.NewDocWithClient(2)
	providerB := New(wsURL(server), "room", docB, Options{Logger: testLogger()})
	if err := providerB.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer providerB.Close()
	waitSynced(t, providerB)

	docA.Map("executions").Set("exec-1", map[string]any{"status": "requested"})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if value, ok := docB.Map("executions").Get("exec-1"); ok {
			if value.(map[string]any)["status"] != "requested" {
				t.Errorf("replicated value differs: %v", value)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("update never reached the second client")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// And the relay's own replica saw it too.
	if _, ok := relay.doc.Map("executions").Get("exec-1"); !ok {
		t.Error("relay replica missing the update")
	}
}

func TestCloseIsClean(t *testing.T) {
	t.Parallel()

	_, server := newRelayServer(t)
	doc := crdt.NewDocWithClient(3)
	p := New(wsURL(server), "room", doc, Options{Logger: testLogger()})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitSynced(t, p)

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if p.Connected() {
		t.Error("Connected() = true after Close")
	}
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Error("Done() not closed after Close")
	}
	// Closing twice is fine.
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDocWithClient(4)
	p := New("ws://127.0.0.1:1/nowhere", "room", doc, Options{Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded against a dead address")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	original := crdt.NewDocWithClient(5)
	original.Text("t").Insert(0, strings.Repeat("compressible ", 100))

	compressed, err := Compress(original.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	restored, err := decompress(compressed)
	if err != nil {
		t.Fatal(err)
	}

	clone := crdt.NewDocWithClient(6)
	if err := clone.ApplySnapshot(restored); err != nil {
		t.Fatal(err)
	}
	if clone.Text("t").String() != original.Text("t").String() {
		t.Error("snapshot differs after compress round trip")
	}
}
