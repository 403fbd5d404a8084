// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider connects a crdt.Doc replica to a sync server over
// websocket.
//
// The wire protocol is CBOR frames on binary websocket messages. On
// connect the client sends a hello naming the room (the document
// path); the server answers with a snapshot frame carrying the
// zstd-compressed state of the room's document. After the snapshot is
// applied the provider reports synced and both sides exchange update
// frames as edits happen. Awareness frames carry ephemeral peer
// presence (name, color, peer type) and bypass the document entirely.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"github.com/MaximeRivest/mrmd-monitor/crdt"
	"github.com/MaximeRivest/mrmd-monitor/lib/codec"
)

// Frame types exchanged with the sync server.
const (
	frameHello     = "hello"
	frameSnapshot  = "snapshot"
	frameUpdate    = "update"
	frameAwareness = "awareness"
	frameBye       = "bye"
)

// frame is one protocol message. Payload meaning depends on Type:
// zstd-compressed document snapshot, raw update frame, or CBOR
// awareness state.
type frame struct {
	Type    string `cbor:"t"`
	Room    string `cbor:"r,omitempty"`
	Client  uint32 `cbor:"c,omitempty"`
	Payload []byte `cbor:"p,omitempty"`
}

// pingInterval keeps the connection alive through idle proxies.
const pingInterval = 30 * time.Second

// writeWait bounds how long a single websocket write may block.
const writeWait = 10 * time.Second

// Options configures a Provider.
type Options struct {
	// Awareness is the presence state published after connect, e.g.
	// {"user": {"name": ..., "color": ..., "type": "monitor"}}.
	Awareness map[string]any

	// Logger receives connection lifecycle events. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Provider syncs one Doc with one room on a sync server. Create with
// New, start with Connect, stop with Close.
type Provider struct {
	url  string
	room string
	doc  *crdt.Doc
	opts Options

	outgoing chan frame

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	synced     chan struct{}
	syncedOnce sync.Once

	done chan struct{}
}

// New prepares a provider for the given sync server URL and room. The
// doc's local updates are forwarded to the server once Connect
// succeeds.
func New(url, room string, doc *crdt.Doc, opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "provider")
	return &Provider{
		url:      url,
		room:     room,
		doc:      doc,
		opts:     opts,
		outgoing: make(chan frame, 1024),
		synced:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Connect dials the sync server, sends the hello and awareness frames,
// and starts the read and write loops. It returns once the transport
// is established; use Synced to wait for the initial snapshot.
func (p *Provider) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("provider: dialing %s: %w", p.url, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return fmt.Errorf("provider: already closed")
	}
	p.conn = conn
	p.connected = true
	p.mu.Unlock()

	hello := frame{Type: frameHello, Room: p.room, Client: p.doc.ClientID()}
	if err := p.writeFrame(conn, hello); err != nil {
		p.teardown()
		return fmt.Errorf("provider: sending hello: %w", err)
	}

	if p.opts.Awareness != nil {
		state, err := codec.Marshal(p.opts.Awareness)
		if err != nil {
			p.teardown()
			return fmt.Errorf("provider: encoding awareness state: %w", err)
		}
		awareness := frame{Type: frameAwareness, Client: p.doc.ClientID(), Payload: state}
		if err := p.writeFrame(conn, awareness); err != nil {
			p.teardown()
			return fmt.Errorf("provider: sending awareness: %w", err)
		}
	}

	// Local edits flow out through the outgoing channel. The sink is
	// registered once; after a teardown the channel keeps absorbing
	// updates that no longer have anywhere to go.
	p.doc.OnUpdate(func(update []byte) {
		select {
		case p.outgoing <- frame{Type: frameUpdate, Client: p.doc.ClientID(), Payload: update}:
		case <-p.done:
		}
	})

	go p.readLoop(conn)
	go p.writeLoop(conn)

	p.opts.Logger.Info("connected to sync server", "url", p.url, "room", p.room, "client", p.doc.ClientID())
	return nil
}

// Synced returns a channel closed after the initial snapshot has been
// applied to the doc.
func (p *Provider) Synced() <-chan struct{} { return p.synced }

// Connected reports whether the websocket transport is up.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Done returns a channel closed when the provider shuts down, whether
// by Close or by transport failure.
func (p *Provider) Done() <-chan struct{} { return p.done }

// SetAwareness publishes a new presence state.
func (p *Provider) SetAwareness(state map[string]any) error {
	payload, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("provider: encoding awareness state: %w", err)
	}
	select {
	case p.outgoing <- frame{Type: frameAwareness, Client: p.doc.ClientID(), Payload: payload}:
		return nil
	case <-p.done:
		return fmt.Errorf("provider: connection closed")
	}
}

// Close sends a best-effort bye frame and tears the connection down.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		// Best-effort farewell. The bye frame rides the write loop to
		// keep a single writer on the connection; the close control
		// message is allowed concurrently by gorilla.
		select {
		case p.outgoing <- frame{Type: frameBye, Client: p.doc.ClientID()}:
		default:
		}
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	p.teardown()
	return nil
}

// teardown closes the connection and signals done. Idempotent.
func (p *Provider) teardown() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.connected = false
	alreadyDone := false
	select {
	case <-p.done:
		alreadyDone = true
	default:
		close(p.done)
	}
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if !alreadyDone {
		p.opts.Logger.Info("disconnected from sync server", "url", p.url)
	}
}

func (p *Provider) readLoop(conn *websocket.Conn) {
	defer p.teardown()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
			default:
				p.opts.Logger.Warn("sync connection read failed", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		var f frame
		if err := codec.Unmarshal(data, &f); err != nil {
			p.opts.Logger.Warn("discarding undecodable frame", "error", err)
			continue
		}
		p.handleFrame(f)
	}
}

func (p *Provider) handleFrame(f frame) {
	switch f.Type {
	case frameSnapshot:
		if len(f.Payload) > 0 {
			snapshot, err := decompress(f.Payload)
			if err != nil {
				p.opts.Logger.Error("decompressing snapshot", "error", err)
				return
			}
			if err := p.doc.ApplySnapshot(snapshot); err != nil {
				p.opts.Logger.Error("applying snapshot", "error", err)
				return
			}
		}
		p.syncedOnce.Do(func() { close(p.synced) })
	case frameUpdate:
		if f.Client == p.doc.ClientID() {
			// Relay echo of our own frame; applying is harmless but
			// pointless.
			return
		}
		if err := p.doc.ApplyUpdate(f.Payload); err != nil {
			p.opts.Logger.Warn("discarding bad update frame", "error", err)
		}
	case frameAwareness, frameBye:
		// Peer presence is not consumed by the monitor.
	default:
		p.opts.Logger.Debug("ignoring unknown frame type", "type", f.Type)
	}
}

func (p *Provider) writeLoop(conn *websocket.Conn) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case f := <-p.outgoing:
			if err := p.writeFrame(conn, f); err != nil {
				p.opts.Logger.Warn("sync connection write failed", "error", err)
				p.teardown()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				p.teardown()
				return
			}
		case <-p.done:
			return
		}
	}
}

// writeFrame encodes and sends one frame. Gorilla connections allow a
// single concurrent writer; all data writes funnel through the write
// loop or happen before it starts.
func (p *Provider) writeFrame(conn *websocket.Conn, f frame) error {
	data, err := codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Compress encodes a document snapshot for a snapshot frame. The
// server side of the protocol uses this; the client only decompresses.
func Compress(snapshot []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("provider: creating zstd encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(snapshot, nil), nil
}

func decompress(payload []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()
	return decoder.DecodeAll(payload, nil)
}
