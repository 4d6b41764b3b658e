// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lavalink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/ManuGH/lavapool/internal/rest"
	"github.com/ManuGH/lavapool/internal/track"
	"github.com/disgoorg/snowflake/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	testClientID = snowflake.ID(1000)
	testGuild    = snowflake.ID(42)
	testChannel  = snowflake.ID(77)
)

// verifyNoLeaks must be called first so its cleanup runs after all others.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	opts := []goleak.Option{
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	}
	t.Cleanup(func() { goleak.VerifyNone(t, opts...) })
}

type recordedCall struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

// fakeNode serves the node REST API and socket on one listener.
type fakeNode struct {
	t         *testing.T
	srv       *httptest.Server
	sessionID string
	upgrader  websocket.Upgrader

	rejectSocket atomic.Bool

	mu       sync.Mutex
	calls    []recordedCall
	loads    map[string]string
	headers  []http.Header
	conns    []*websocket.Conn
	writeMus map[*websocket.Conn]*sync.Mutex
}

func newFakeNode(t *testing.T, sessionID string) *fakeNode {
	t.Helper()
	f := &fakeNode{
		t:         t,
		sessionID: sessionID,
		loads:     make(map[string]string),
		writeMus:  make(map[*websocket.Conn]*sync.Mutex),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.dropSockets()
		f.srv.Close()
	})
	return f
}

func (f *fakeNode) config(name string, regions ...string) NodeConfig {
	u, err := url.Parse(f.srv.URL)
	require.NoError(f.t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(f.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(f.t, err)
	return NodeConfig{Name: name, Host: host, Port: port, Password: "secret", Regions: regions}
}

func (f *fakeNode) setLoad(identifier, body string) {
	f.mu.Lock()
	f.loads[identifier] = body
	f.mu.Unlock()
}

func (f *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v4/websocket" {
		f.serveSocket(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Body: body})
	load, hasLoad := f.loads[r.URL.Query().Get("identifier")]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/v4/loadtracks":
		if !hasLoad {
			load = `{"loadType":"empty","data":{}}`
		}
		_, _ = io.WriteString(w, load)
	case r.URL.Path == "/v4/decodetrack":
		writeDecoded(w, r.URL.Query().Get("encodedTrack"))
	case r.URL.Path == "/v4/decodetracks":
		var encoded []string
		if err := json.Unmarshal(body, &encoded); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, "[")
		for i, e := range encoded {
			if i > 0 {
				_, _ = io.WriteString(w, ",")
			}
			writeDecoded(w, e)
		}
		_, _ = io.WriteString(w, "]")
	case strings.HasPrefix(r.URL.Path, "/v4/sessions/") && strings.Contains(r.URL.Path, "/players/"):
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	case strings.HasPrefix(r.URL.Path, "/v4/sessions/"):
		_, _ = io.WriteString(w, `{"resuming":true,"timeout":60}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"status":404,"error":"Not Found","message":"no route"}`)
	}
}

// writeDecoded answers a decode with a track whose identifier is the encoded
// string minus its "enc-" prefix.
func writeDecoded(w io.Writer, encoded string) {
	id := strings.TrimPrefix(encoded, "enc-")
	_, _ = fmt.Fprintf(w, `{"encoded":%q,"info":{"identifier":%q,"title":%q,"length":1000,"sourceName":"youtube"}}`, encoded, id, "title "+id)
}

func (f *fakeNode) serveSocket(w http.ResponseWriter, r *http.Request) {
	if f.rejectSocket.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wmu := &sync.Mutex{}
	f.mu.Lock()
	f.headers = append(f.headers, r.Header.Clone())
	f.conns = append(f.conns, conn)
	f.writeMus[conn] = wmu
	f.mu.Unlock()

	wmu.Lock()
	ready := fmt.Sprintf(`{"op":"ready","resumed":false,"sessionId":%q}`, f.sessionID)
	_ = conn.WriteMessage(websocket.TextMessage, []byte(ready))
	wmu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			_ = conn.Close()
			return
		}
	}
}

// push writes a frame to the most recent socket.
func (f *fakeNode) push(frame string) {
	f.mu.Lock()
	require.NotEmpty(f.t, f.conns)
	conn := f.conns[len(f.conns)-1]
	wmu := f.writeMus[conn]
	f.mu.Unlock()

	wmu.Lock()
	defer wmu.Unlock()
	require.NoError(f.t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// dropSockets closes every accepted socket from the server side.
func (f *fakeNode) dropSockets() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *fakeNode) socketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.headers)
}

func (f *fakeNode) lastHeader() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.headers) == 0 {
		return nil
	}
	return f.headers[len(f.headers)-1]
}

// callsTo returns the recorded calls with the given method and path suffix.
func (f *fakeNode) callsTo(method, pathSuffix string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.Method == method && strings.HasSuffix(c.Path, pathSuffix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeNode) playerPatches() []protocol.PlayerUpdate {
	var out []protocol.PlayerUpdate
	for _, c := range f.callsTo(http.MethodPatch, "/players/"+testGuild.String()) {
		var u protocol.PlayerUpdate
		require.NoError(f.t, json.Unmarshal(c.Body, &u))
		out = append(out, u)
	}
	return out
}

func (f *fakeNode) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

type gatewayRecorder struct {
	mu      sync.Mutex
	updates []protocol.GatewayVoiceUpdate
	err     error
}

func (g *gatewayRecorder) send(_ context.Context, u protocol.GatewayVoiceUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.updates = append(g.updates, u)
	return nil
}

func (g *gatewayRecorder) all() []protocol.GatewayVoiceUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.GatewayVoiceUpdate(nil), g.updates...)
}

// collector records every published event in order.
type collector struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collect(t *testing.T, m *Manager, kinds ...EventKind) *collector {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := m.Subscribe(ctx, kinds...)
	require.NoError(t, err)

	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for msg := range sub.C() {
			ev := msg.(Event)
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-c.done
	})
	return c
}

func (c *collector) kinds() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventKind, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (c *collector) of(kind EventKind) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// wait blocks until at least n events of kind were collected.
func (c *collector) wait(t *testing.T, kind EventKind, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.of(kind)) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.of(kind)
}

// sequence returns the collected kinds restricted to the given set.
func (c *collector) sequence(kinds ...EventKind) []EventKind {
	want := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []EventKind
	for _, k := range c.kinds() {
		if want[k] {
			out = append(out, k)
		}
	}
	return out
}

type harness struct {
	m       *Manager
	node    *fakeNode
	gateway *gatewayRecorder
}

// newHarness starts a manager with one connected node.
func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	fn := newFakeNode(t, "sess-1")
	gw := &gatewayRecorder{}
	opts := Options{
		Nodes:          []NodeConfig{fn.config("main")},
		Send:           gw.send,
		ReconnectDelay: 20 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		REST:           rest.Options{MaxRetries: -1},
	}
	if tweak != nil {
		tweak(&opts)
	}
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	require.NoError(t, m.Init(testClientID))
	waitSession(t, m, "main", "sess-1")
	return &harness{m: m, node: fn, gateway: gw}
}

func waitSession(t *testing.T, m *Manager, node, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, ok := m.Node(node)
		return ok && n.Connected() && n.SessionID() == sessionID
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) player(t *testing.T) *Player {
	t.Helper()
	p, err := h.m.CreatePlayer(context.Background(), PlayerOptions{GuildID: testGuild, VoiceChannel: testChannel})
	require.NoError(t, err)
	return p
}

func testTrack(id string, length int64) *track.Track {
	return track.FromProtocol(protocol.Track{
		Encoded: "enc-" + id,
		Info: protocol.TrackInfo{
			Identifier: id,
			Title:      "title " + id,
			Author:     "author",
			Length:     length,
			SourceName: "youtube",
			URI:        "https://www.youtube.com/watch?v=" + id,
		},
	}, "main", nil)
}

func encodedOf(u protocol.PlayerUpdate) string {
	if u.Track == nil || u.Track.Encoded == nil {
		return ""
	}
	return *u.Track.Encoded
}
