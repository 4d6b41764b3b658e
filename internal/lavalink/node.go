// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lavalink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/lavapool/internal/log"
	"github.com/ManuGH/lavapool/internal/metrics"
	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/ManuGH/lavapool/internal/rest"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// NodeState is the connection state of a node.
type NodeState string

const (
	NodeDisconnected NodeState = "disconnected"
	NodeConnecting   NodeState = "connecting"
	NodeConnected    NodeState = "connected"
	NodeDestroyed    NodeState = "destroyed"
)

// NodeConfig identifies one backend audio node.
type NodeConfig struct {
	Name     string
	Host     string
	Port     int
	Password string
	Secure   bool
	Regions  []string
	// SessionID resumes an existing node session on first connect.
	SessionID string
}

func (c NodeConfig) withDefaults() NodeConfig {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 2333
	}
	if c.Password == "" {
		c.Password = "youshallnotpass"
	}
	if c.Name == "" {
		c.Name = c.Host
	}
	regions := make([]string, 0, len(c.Regions))
	for _, r := range c.Regions {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			regions = append(regions, r)
		}
	}
	c.Regions = regions
	return c
}

func (c NodeConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("node %q: port %d out of range", c.Name, c.Port)
	}
	return nil
}

func (c NodeConfig) hostPort() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c NodeConfig) socketURL() string {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	return scheme + "://" + c.hostPort() + "/" + rest.APIVersion + "/websocket"
}

func (c NodeConfig) restURL() string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	return scheme + "://" + c.hostPort()
}

// Node is the connection to one audio node: a socket for pushed frames plus
// a REST client for mutations.
type Node struct {
	m    *Manager
	cfg  NodeConfig
	rest *rest.Client
	log  zerolog.Logger

	mu            sync.Mutex
	state         NodeState
	conn          *websocket.Conn
	gen           uint64 // bumped per socket; frames of older sockets are ignored
	sessionID     string
	stats         protocol.Stats
	hasStats      bool
	attempts      int
	timer         *time.Timer
	resumePending bool

	writeMu sync.Mutex
}

func newNode(m *Manager, cfg NodeConfig) *Node {
	n := &Node{
		m:         m,
		cfg:       cfg,
		state:     NodeDisconnected,
		attempts:  1,
		sessionID: cfg.SessionID,
	}
	n.rest = rest.New(cfg.Name, cfg.restURL(), cfg.Password, m.opts.REST)
	if cfg.SessionID != "" {
		n.rest.SetSessionID(cfg.SessionID)
	}
	n.log = log.WithComponent("node").With().Str(log.FieldNode, cfg.Name).Logger()
	metrics.SetNodeState(cfg.Name, string(NodeDisconnected))
	return n
}

func (n *Node) Name() string       { return n.cfg.Name }
func (n *Node) Config() NodeConfig { return n.cfg }
func (n *Node) Rest() *rest.Client { return n.rest }
func (n *Node) Calls() int64       { return n.rest.Calls() }
func (n *Node) Regions() []string  { return append([]string(nil), n.cfg.Regions...) }
func (n *Node) Connected() bool    { return n.State() == NodeConnected }

func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SessionID returns the resume token negotiated with the node.
func (n *Node) SessionID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessionID
}

// Stats returns the last stats snapshot and whether one was received.
func (n *Node) Stats() (protocol.Stats, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats, n.hasStats
}

func (n *Node) hasRegion(region string) bool {
	region = strings.ToLower(region)
	for _, r := range n.cfg.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// loadRatio is systemLoad per core, 0 until cpu stats arrive.
func (n *Node) loadRatio() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.hasStats || n.stats.CPU.Cores <= 0 {
		return 0
	}
	return n.stats.CPU.SystemLoad / float64(n.stats.CPU.Cores)
}

// Penalties is the health score of the node; lower is better. It is 0 while
// not connected.
func (n *Node) Penalties() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.penaltiesLocked()
}

func (n *Node) penaltiesLocked() int {
	if n.state != NodeConnected {
		return 0
	}
	penalties := n.stats.Players
	if load := n.stats.CPU.SystemLoad; load > 0 {
		penalties += int(math.Round(math.Pow(1.05, 100*load)*10 - 10))
	}
	if fs := n.stats.FrameStats; fs != nil {
		penalties += fs.Deficit + 2*fs.Nulled
	}
	return penalties
}

func (n *Node) setStateLocked(s NodeState) {
	if n.state == s {
		return
	}
	n.log.Debug().
		Str(log.FieldOldState, string(n.state)).
		Str(log.FieldNewState, string(s)).
		Msg("node state changed")
	n.state = s
	metrics.SetNodeState(n.cfg.Name, string(s))
}

// connect replaces the current socket with a new one.
func (n *Node) connect() {
	n.mu.Lock()
	if n.state == NodeDestroyed {
		n.mu.Unlock()
		return
	}
	n.gen++
	gen := n.gen
	old := n.conn
	n.conn = nil
	n.setStateLocked(NodeConnecting)
	sid := n.sessionID
	n.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if !n.m.workers.Go(func() { n.run(gen, sid) }) {
		n.log.Debug().Msg("pool closing, connect skipped")
	}
}

func (n *Node) run(gen uint64, sessionID string) {
	header := http.Header{}
	header.Set("Authorization", n.cfg.Password)
	header.Set("User-Id", n.m.ClientID().String())
	header.Set("Client-Name", n.m.opts.ClientName)
	if sessionID != "" {
		header.Set("Session-Id", sessionID)
	}

	url := n.cfg.socketURL()
	ctx, cancel := context.WithTimeout(context.Background(), n.m.opts.HandshakeTimeout)
	conn, _, err := n.m.dialer.DialContext(ctx, url, header)
	cancel()
	if err != nil {
		n.log.Warn().Err(err).Str(log.FieldEvent, "node.dial_failed").Str(log.FieldURL, url).Msg("node socket dial failed")
		n.m.emit(Event{Kind: EventNodeError, Node: n.cfg.Name, Err: fmt.Errorf("connect %s: %w", url, err)})
		n.handleClose(gen, websocket.CloseAbnormalClosure, err.Error())
		return
	}
	if !n.opened(gen, conn) {
		_ = conn.Close()
		return
	}
	n.readLoop(gen, conn)
}

func (n *Node) opened(gen uint64, conn *websocket.Conn) bool {
	n.mu.Lock()
	if gen != n.gen || n.state == NodeDestroyed {
		n.mu.Unlock()
		return false
	}
	n.conn = conn
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.attempts = 1
	// players restart on ready, once REST carries the new session id
	n.resumePending = n.m.opts.AutoResume
	n.setStateLocked(NodeConnected)
	n.mu.Unlock()

	n.log.Info().Str(log.FieldEvent, "node.connected").Str(log.FieldURL, n.cfg.socketURL()).Msg("node connected")
	n.m.emit(Event{Kind: EventNodeConnected, Node: n.cfg.Name})
	n.m.debug(n.cfg.Name, 0, "connected on "+n.cfg.socketURL())
	return true
}

func (n *Node) current(gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return gen == n.gen && n.state != NodeDestroyed
}

func (n *Node) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			n.handleClose(gen, code, reason)
			return
		}
		if !n.current(gen) {
			return
		}
		n.handleMessage(data)
	}
}

func (n *Node) handleClose(gen uint64, code int, reason string) {
	n.mu.Lock()
	if gen != n.gen || n.state == NodeDestroyed {
		n.mu.Unlock()
		return
	}
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
	n.setStateLocked(NodeDisconnected)
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.m.opts.ReconnectDelay, func() {
		n.m.workers.Go(n.reconnect)
	})
	n.mu.Unlock()

	n.log.Warn().
		Str(log.FieldEvent, "node.disconnected").
		Int("code", code).
		Str("reason", reason).
		Msg("node socket closed")
	n.m.emit(Event{Kind: EventNodeDisconnected, Node: n.cfg.Name, Code: code, Reason: reason})
}

func (n *Node) reconnect() {
	n.mu.Lock()
	if n.state == NodeDestroyed || n.state == NodeConnected {
		n.mu.Unlock()
		return
	}
	n.timer = nil
	if n.attempts >= n.m.opts.ReconnectTries {
		tries := n.m.opts.ReconnectTries
		n.mu.Unlock()

		err := nodeError(ErrReconnectExhausted, "reconnect", n.cfg.Name, fmt.Errorf("unable to connect after %d attempts", tries))
		n.log.Error().Err(err).Str(log.FieldEvent, "node.reconnect_exhausted").Msg("giving up on node")
		n.m.emit(Event{Kind: EventNodeError, Node: n.cfg.Name, Err: err})

		ctx, cancel := context.WithTimeout(context.Background(), n.m.opts.RequestTimeout)
		defer cancel()
		if derr := n.Destroy(ctx); derr != nil {
			n.log.Warn().Err(derr).Msg("node teardown reported errors")
		}
		return
	}
	attempt := n.attempts
	n.attempts++
	n.mu.Unlock()

	metrics.IncNodeReconnect(n.cfg.Name)
	n.log.Info().Str(log.FieldEvent, "node.reconnecting").Int(log.FieldAttempt, attempt).Msg("reconnecting node")
	n.m.emit(Event{Kind: EventNodeReconnecting, Node: n.cfg.Name, Attempt: attempt})
	n.connect()
}

// Destroy tears the node down and destroys every player bound to it. It is a
// no-op once the node is destroyed.
func (n *Node) Destroy(ctx context.Context) error {
	return n.shutdown(ctx, false)
}

// shutdown moves players to other connected nodes when migrate is set, and
// destroys those that have nowhere to go.
func (n *Node) shutdown(ctx context.Context, migrate bool) error {
	n.mu.Lock()
	if n.state == NodeDestroyed {
		n.mu.Unlock()
		return nil
	}
	n.setStateLocked(NodeDestroyed)
	n.gen++
	conn := n.conn
	n.conn = nil
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.attempts = 1
	n.mu.Unlock()

	var errs []error
	for _, p := range n.m.playersOn(n) {
		if migrate {
			if target, err := n.m.selectNodeExcluding(p.Connection().Region(), n); err == nil {
				if err := p.Move(ctx, target); err != nil {
					errs = append(errs, err)
				}
				continue
			}
		}
		if err := p.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if conn != nil {
		n.closeConn(conn, websocket.CloseNormalClosure, "destroy")
	}
	n.m.removeNode(n)
	metrics.ForgetNode(n.cfg.Name)

	n.log.Info().Str(log.FieldEvent, "node.destroyed").Msg("node destroyed")
	n.m.emit(Event{Kind: EventNodeDestroyed, Node: n.cfg.Name})
	return errors.Join(errs...)
}

func (n *Node) closeConn(conn *websocket.Conn, code int, reason string) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// Send writes v as a JSON text frame.
func (n *Node) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return nodeError(ErrNotConnected, "send", n.cfg.Name, nil)
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nodeError(ErrNotConnected, "send", n.cfg.Name, err)
	}
	return nil
}

func (n *Node) handleMessage(data []byte) {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		n.log.Warn().Err(err).Msg("dropping undecodable frame")
		n.m.emit(Event{Kind: EventNodeError, Node: n.cfg.Name, Err: nodeError(ErrProtocolAnomaly, "decode_frame", n.cfg.Name, err)})
		return
	}
	if f.Op == "" {
		return
	}

	metrics.IncNodeFrame(n.cfg.Name, string(f.Op))
	n.m.emit(Event{Kind: EventRawFrame, Node: n.cfg.Name, GuildID: f.GuildID, Raw: f.Raw})
	n.log.Debug().Str(log.FieldOp, string(f.Op)).RawJSON("payload", f.Raw).Msg("node frame")

	switch f.Op {
	case protocol.OpStats:
		var st protocol.Stats
		if err := f.Decode(&st); err != nil {
			n.log.Warn().Err(err).Msg("bad stats frame")
			break
		}
		n.mu.Lock()
		n.stats = st
		n.hasStats = true
		penalties := n.penaltiesLocked()
		n.mu.Unlock()
		metrics.SetNodePenalties(n.cfg.Name, penalties)
		metrics.SetNodeRemotePlayers(n.cfg.Name, st.Players, st.PlayingPlayers)
	case protocol.OpReady:
		n.handleReady(f)
	}

	if f.GuildID == 0 {
		return
	}
	if p := n.m.lookupPlayer(f.GuildID); p != nil && p.currentNode() == n {
		p.enqueue(f)
	}
}

func (n *Node) handleReady(f protocol.Frame) {
	var ready protocol.Ready
	if err := f.Decode(&ready); err != nil {
		n.log.Warn().Err(err).Msg("bad ready frame")
		return
	}

	n.mu.Lock()
	if ready.SessionID != n.sessionID {
		n.sessionID = ready.SessionID
		n.rest.SetSessionID(ready.SessionID)
	}
	sid := n.sessionID
	restart := n.resumePending
	n.resumePending = false
	n.mu.Unlock()

	n.log.Info().
		Str(log.FieldEvent, "node.ready").
		Str(log.FieldSessionID, sid).
		Bool("resumed", ready.Resumed).
		Msg("node session ready")
	if sid == "" {
		return
	}

	n.m.workers.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.m.opts.RequestTimeout)
		defer cancel()

		resuming := true
		timeout := int64(n.m.opts.ResumeTimeout / time.Second)
		if _, err := n.rest.UpdateSession(ctx, protocol.SessionUpdate{Resuming: &resuming, Timeout: &timeout}); err != nil {
			n.log.Warn().Err(err).Msg("enable session resuming failed")
		} else {
			n.m.debug(n.cfg.Name, 0, "node resuming enabled")
		}

		if !restart {
			return
		}
		for _, p := range n.m.playersOn(n) {
			if err := p.Restart(ctx); err != nil {
				n.log.Warn().Err(err).Stringer(log.FieldGuildID, p.GuildID()).Msg("player restart failed")
			}
		}
	})
}

// NodeInfo is a point in time view of a node.
type NodeInfo struct {
	Name      string          `json:"name"`
	State     NodeState       `json:"state"`
	Regions   []string        `json:"regions"`
	SessionID string          `json:"sessionId,omitempty"`
	Calls     int64           `json:"calls"`
	Penalties int             `json:"penalties"`
	Stats     *protocol.Stats `json:"stats,omitempty"`
}

func (n *Node) Snapshot() NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	info := NodeInfo{
		Name:      n.cfg.Name,
		State:     n.state,
		Regions:   append([]string(nil), n.cfg.Regions...),
		SessionID: n.sessionID,
		Calls:     n.rest.Calls(),
		Penalties: n.penaltiesLocked(),
	}
	if n.hasStats {
		st := n.stats
		info.Stats = &st
	}
	return info
}
