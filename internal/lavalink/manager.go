// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package lavalink manages a pool of audio nodes, the per-guild players bound
// to them and the voice handshake state each player needs.
package lavalink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/lavapool/internal/autoplay"
	"github.com/ManuGH/lavapool/internal/bus"
	"github.com/ManuGH/lavapool/internal/cache"
	"github.com/ManuGH/lavapool/internal/log"
	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/ManuGH/lavapool/internal/rest"
	"github.com/ManuGH/lavapool/internal/telemetry"
	"github.com/ManuGH/lavapool/internal/track"
	"github.com/disgoorg/snowflake/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// SendFunc delivers a voice join or leave request to the chat gateway.
type SendFunc func(ctx context.Context, update protocol.GatewayVoiceUpdate) error

// SelectionStrategy orders connected nodes when no region matches.
type SelectionStrategy string

const (
	// SelectCallsDesc prefers the node that has served the most REST calls.
	SelectCallsDesc SelectionStrategy = "calls-desc"
	SelectCallsAsc  SelectionStrategy = "calls-asc"
	SelectPenalties SelectionStrategy = "penalties"
)

func (s SelectionStrategy) Valid() bool {
	switch s {
	case SelectCallsDesc, SelectCallsAsc, SelectPenalties:
		return true
	}
	return false
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	Nodes []NodeConfig
	Send  SendFunc

	ClientName            string
	DefaultSearchPlatform string

	ReconnectDelay   time.Duration
	ReconnectTries   int
	ResumeTimeout    time.Duration
	AutoResume       bool
	HandshakeTimeout time.Duration
	// RequestTimeout bounds REST calls the pool issues on its own, such as
	// frame handling and teardown.
	RequestTimeout time.Duration

	Selection SelectionStrategy
	REST      rest.Options

	Cache    cache.Cache
	CacheTTL time.Duration
	Autoplay *autoplay.Registry
	Bus      bus.Bus
	Dialer   *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.ClientName == "" {
		o.ClientName = "lavapool"
	}
	if o.DefaultSearchPlatform == "" {
		o.DefaultSearchPlatform = "ytsearch"
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.ReconnectTries <= 0 {
		o.ReconnectTries = 3
	}
	if o.ResumeTimeout <= 0 {
		o.ResumeTimeout = 60 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Selection == "" {
		o.Selection = SelectCallsDesc
	}
	if o.Cache == nil {
		o.Cache = cache.NewNoOpCache()
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.Autoplay == nil {
		o.Autoplay = autoplay.Default()
	}
	if o.Bus == nil {
		o.Bus = bus.NewMemoryBus(0)
	}
	if o.Dialer == nil {
		d := *websocket.DefaultDialer
		o.Dialer = &d
	}
	return o
}

// Manager owns the node registry and the player registry.
type Manager struct {
	opts     Options
	log      zerolog.Logger
	tracer   trace.Tracer
	bus      bus.Bus
	dialer   *websocket.Dialer
	workers  workerGroup
	resolves singleflight.Group

	mu          sync.RWMutex
	initialized bool
	closed      bool
	clientID    snowflake.ID
	nodes       map[string]*Node
	order       []*Node
	players     map[snowflake.ID]*Player
}

// New validates opts and returns an uninitialized manager.
func New(opts Options) (*Manager, error) {
	if opts.Send == nil {
		return nil, &Error{Sentinel: ErrConfiguration, Op: "new", Err: errors.New("send function is required")}
	}
	if len(opts.Nodes) == 0 {
		return nil, &Error{Sentinel: ErrConfiguration, Op: "new", Err: errors.New("at least one node is required")}
	}
	if opts.Selection != "" && !opts.Selection.Valid() {
		return nil, &Error{Sentinel: ErrConfiguration, Op: "new", Err: fmt.Errorf("unknown selection strategy %q", opts.Selection)}
	}
	seen := make(map[string]struct{}, len(opts.Nodes))
	for _, nc := range opts.Nodes {
		nc = nc.withDefaults()
		if err := nc.validate(); err != nil {
			return nil, &Error{Sentinel: ErrConfiguration, Op: "new", Node: nc.Name, Err: err}
		}
		if _, dup := seen[nc.Name]; dup {
			return nil, &Error{Sentinel: ErrConfiguration, Op: "new", Node: nc.Name, Err: errors.New("duplicate node name")}
		}
		seen[nc.Name] = struct{}{}
	}

	opts = opts.withDefaults()
	return &Manager{
		opts:    opts,
		log:     log.WithComponent("lavalink"),
		tracer:  telemetry.Tracer("lavapool.lavalink"),
		bus:     opts.Bus,
		dialer:  opts.Dialer,
		nodes:   make(map[string]*Node),
		players: make(map[snowflake.ID]*Player),
	}, nil
}

// Init records the bot user id and connects every configured node. Calling
// it again is a no-op.
func (m *Manager) Init(clientID snowflake.ID) error {
	if clientID == 0 {
		return &Error{Sentinel: ErrInvalidArgument, Op: "init", Err: errors.New("client id is required")}
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &Error{Sentinel: ErrDestroyed, Op: "init"}
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.clientID = clientID
	m.mu.Unlock()

	m.log.Info().Stringer("client_id", clientID).Int("nodes", len(m.opts.Nodes)).Msg("initializing node pool")
	for _, nc := range m.opts.Nodes {
		if _, err := m.CreateNode(nc); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ClientID() snowflake.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientID
}

func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// CreateNode registers a node and starts connecting it.
func (m *Manager) CreateNode(cfg NodeConfig) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, &Error{Sentinel: ErrConfiguration, Op: "create_node", Node: cfg.Name, Err: err}
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, &Error{Sentinel: ErrDestroyed, Op: "create_node", Node: cfg.Name}
	case !m.initialized:
		m.mu.Unlock()
		return nil, &Error{Sentinel: ErrNotInitialized, Op: "create_node", Node: cfg.Name}
	}
	if _, dup := m.nodes[cfg.Name]; dup {
		m.mu.Unlock()
		return nil, &Error{Sentinel: ErrConfiguration, Op: "create_node", Node: cfg.Name, Err: errors.New("duplicate node name")}
	}
	n := newNode(m, cfg)
	m.nodes[cfg.Name] = n
	m.order = append(m.order, n)
	m.mu.Unlock()

	m.emit(Event{Kind: EventNodeCreated, Node: cfg.Name})
	n.connect()
	return n, nil
}

// DestroyNode gracefully removes a node. Its players move to another
// connected node when one exists and are destroyed otherwise.
func (m *Manager) DestroyNode(ctx context.Context, name string) error {
	n, ok := m.Node(name)
	if !ok {
		return nil
	}
	return n.shutdown(ctx, true)
}

func (m *Manager) removeNode(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[n.cfg.Name] == n {
		delete(m.nodes, n.cfg.Name)
	}
	for i, o := range m.order {
		if o == n {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
}

// Nodes returns the registered nodes in registration order.
func (m *Manager) Nodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Node(nil), m.order...)
}

func (m *Manager) Node(name string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[name]
	return n, ok
}

func (m *Manager) connectedNodes(exclude *Node) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Node, 0, len(m.order))
	for _, n := range m.order {
		if n != exclude && n.Connected() {
			out = append(out, n)
		}
	}
	return out
}

// SelectNode picks a connected node. Nodes serving region win, lowest load
// per core first; otherwise the selection strategy decides. Ties keep
// registration order.
func (m *Manager) SelectNode(region string) (*Node, error) {
	return m.selectNodeExcluding(region, nil)
}

func (m *Manager) selectNodeExcluding(region string, exclude *Node) (*Node, error) {
	nodes := m.connectedNodes(exclude)
	if len(nodes) == 0 {
		return nil, &Error{Sentinel: ErrNoAvailableNode, Op: "select_node"}
	}
	if region != "" {
		var regional []*Node
		for _, n := range nodes {
			if n.hasRegion(region) {
				regional = append(regional, n)
			}
		}
		if len(regional) > 0 {
			sort.SliceStable(regional, func(i, j int) bool {
				return regional[i].loadRatio() < regional[j].loadRatio()
			})
			return regional[0], nil
		}
	}
	return m.rank(nodes)[0], nil
}

// LeastUsedNodes returns the connected nodes ordered by the selection
// strategy.
func (m *Manager) LeastUsedNodes() []*Node {
	return m.rank(m.connectedNodes(nil))
}

func (m *Manager) rank(nodes []*Node) []*Node {
	type scored struct {
		n     *Node
		calls int64
		pen   int
	}
	s := make([]scored, len(nodes))
	for i, n := range nodes {
		s[i] = scored{n: n, calls: n.Calls(), pen: n.Penalties()}
	}
	sort.SliceStable(s, func(i, j int) bool {
		switch m.opts.Selection {
		case SelectCallsAsc:
			return s[i].calls < s[j].calls
		case SelectPenalties:
			return s[i].pen < s[j].pen
		default:
			return s[i].calls > s[j].calls
		}
	})
	out := make([]*Node, len(s))
	for i := range s {
		out[i] = s[i].n
	}
	return out
}

// PlayerOptions describes a new player.
type PlayerOptions struct {
	GuildID      snowflake.ID
	VoiceChannel snowflake.ID
	TextChannel  snowflake.ID
	Region       string
	Mute         bool
	Deaf         bool
	// Volume 0 selects the default of 100.
	Volume   int
	Loop     LoopMode
	Autoplay bool
}

// CreatePlayer returns the guild's player, creating and connecting it on a
// selected node when none exists.
func (m *Manager) CreatePlayer(ctx context.Context, opts PlayerOptions) (*Player, error) {
	m.mu.RLock()
	initialized, closed, existing := m.initialized, m.closed, m.players[opts.GuildID]
	m.mu.RUnlock()
	switch {
	case closed:
		return nil, playerError(ErrDestroyed, "create_player", opts.GuildID, nil)
	case !initialized:
		return nil, playerError(ErrNotInitialized, "create_player", opts.GuildID, nil)
	case existing != nil:
		return existing, nil
	}

	if opts.GuildID == 0 || opts.VoiceChannel == 0 {
		return nil, playerError(ErrInvalidArgument, "create_player", opts.GuildID, errors.New("guild and voice channel are required"))
	}
	if opts.Volume < 0 || opts.Volume > 100 {
		return nil, playerError(ErrInvalidArgument, "create_player", opts.GuildID, fmt.Errorf("volume %d out of range", opts.Volume))
	}
	if opts.Loop != "" && !opts.Loop.Valid() {
		return nil, playerError(ErrInvalidArgument, "create_player", opts.GuildID, fmt.Errorf("unknown loop mode %q", opts.Loop))
	}

	node, err := m.SelectNode(opts.Region)
	if err != nil {
		return nil, err
	}
	p := newPlayer(m, node, opts)

	m.mu.Lock()
	if existing := m.players[opts.GuildID]; existing != nil {
		m.mu.Unlock()
		return existing, nil
	}
	if m.closed {
		m.mu.Unlock()
		return nil, playerError(ErrDestroyed, "create_player", opts.GuildID, nil)
	}
	m.players[opts.GuildID] = p
	m.mu.Unlock()

	if !m.workers.Go(p.run) {
		m.unregisterPlayer(p)
		return nil, playerError(ErrDestroyed, "create_player", opts.GuildID, nil)
	}
	p.activate()

	if err := p.Connect(ctx, VoiceOptions{}); err != nil {
		p.discard()
		return nil, err
	}

	m.log.Info().
		Str(log.FieldEvent, "player.created").
		Str(log.FieldNode, node.Name()).
		Stringer(log.FieldGuildID, opts.GuildID).
		Stringer(log.FieldChannelID, opts.VoiceChannel).
		Msg("player created")
	m.emit(Event{Kind: EventSessionCreated, Node: node.Name(), GuildID: opts.GuildID, NewChannel: opts.VoiceChannel})
	return p, nil
}

// DestroyPlayer destroys the guild's player if one exists.
func (m *Manager) DestroyPlayer(ctx context.Context, guildID snowflake.ID) error {
	p := m.lookupPlayer(guildID)
	if p == nil {
		return nil
	}
	return p.Destroy(ctx)
}

// Player returns the guild's player.
func (m *Manager) Player(guildID snowflake.ID) (*Player, error) {
	if p := m.lookupPlayer(guildID); p != nil {
		return p, nil
	}
	return nil, playerError(ErrPlayerNotFound, "player", guildID, nil)
}

// Players returns all live players ordered by guild id.
func (m *Manager) Players() []*Player {
	m.mu.RLock()
	out := make([]*Player, 0, len(m.players))
	for _, p := range m.players {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].guildID < out[j].guildID })
	return out
}

func (m *Manager) lookupPlayer(guildID snowflake.ID) *Player {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.players[guildID]
}

func (m *Manager) playersOn(n *Node) []*Player {
	var out []*Player
	for _, p := range m.Players() {
		if p.currentNode() == n {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) unregisterPlayer(p *Player) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.players[p.guildID] == p {
		delete(m.players, p.guildID)
	}
}

// UpdateVoiceState routes a raw gateway dispatch to the owning player.
// Dispatches of other types are ignored.
func (m *Manager) UpdateVoiceState(ctx context.Context, pkt protocol.VoicePacket) error {
	switch pkt.T {
	case protocol.DispatchVoiceServerUpdate:
		var u protocol.VoiceServerUpdate
		if err := json.Unmarshal(pkt.D, &u); err != nil {
			return &Error{Sentinel: ErrInvalidArgument, Op: "voice_server_update", Err: err}
		}
		return m.HandleVoiceServerUpdate(ctx, u)
	case protocol.DispatchVoiceStateUpdate:
		var u protocol.VoiceStateUpdate
		if err := json.Unmarshal(pkt.D, &u); err != nil {
			return &Error{Sentinel: ErrInvalidArgument, Op: "voice_state_update", Err: err}
		}
		return m.HandleVoiceStateUpdate(ctx, u)
	}
	return nil
}

func (m *Manager) HandleVoiceServerUpdate(ctx context.Context, u protocol.VoiceServerUpdate) error {
	p := m.lookupPlayer(u.GuildID)
	if p == nil {
		return nil
	}
	return p.Connection().SetServerUpdate(ctx, u)
}

// HandleVoiceStateUpdate applies u when it describes the bot user.
func (m *Manager) HandleVoiceStateUpdate(ctx context.Context, u protocol.VoiceStateUpdate) error {
	if u.UserID != m.ClientID() {
		return nil
	}
	p := m.lookupPlayer(u.GuildID)
	if p == nil {
		return nil
	}
	return p.Connection().SetStateUpdate(ctx, u)
}

var urlPattern = regexp.MustCompile(`(?i)^https?://`)

// ResolveQuery is a track lookup.
type ResolveQuery struct {
	Query string
	// Source is the search prefix for non-URL queries. Empty selects the
	// default search platform.
	Source    string
	Requester any
}

// SearchResult is a resolved lookup.
type SearchResult struct {
	LoadType  protocol.LoadType
	Tracks    []*track.Track
	Playlist  *protocol.PlaylistInfo
	Exception *protocol.Exception
	Node      string
}

func (m *Manager) identifier(q ResolveQuery) string {
	if urlPattern.MatchString(q.Query) {
		return q.Query
	}
	source := q.Source
	if source == "" {
		source = m.opts.DefaultSearchPlatform
	}
	return source + ":" + q.Query
}

// Resolve loads tracks through the first node of LeastUsedNodes. Identical
// concurrent lookups share one request and results are cached.
func (m *Manager) Resolve(ctx context.Context, q ResolveQuery) (*SearchResult, error) {
	if !m.Initialized() {
		return nil, &Error{Sentinel: ErrNotInitialized, Op: "resolve"}
	}
	if strings.TrimSpace(q.Query) == "" {
		return nil, &Error{Sentinel: ErrInvalidArgument, Op: "resolve", Err: errors.New("empty query")}
	}
	nodes := m.LeastUsedNodes()
	if len(nodes) == 0 {
		return nil, &Error{Sentinel: ErrNoAvailableNode, Op: "resolve"}
	}
	node := nodes[0]
	id := m.identifier(q)

	ctx, span := m.tracer.Start(ctx, "lavapool.resolve", trace.WithAttributes(
		attribute.String("lavapool.identifier", id),
		attribute.String("lavapool.node", node.Name()),
	))
	defer span.End()

	res, err := m.loadTracks(ctx, node, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &Error{Sentinel: ErrResolution, Op: "resolve", Node: node.Name(), Err: err}
	}
	decoded, err := res.Decode()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &Error{Sentinel: ErrResolution, Op: "resolve", Node: node.Name(), Err: err}
	}
	span.SetAttributes(telemetry.LoadAttributes(string(res.LoadType), len(decoded.Tracks))...)

	out := &SearchResult{
		LoadType:  res.LoadType,
		Playlist:  decoded.Playlist,
		Exception: decoded.Exception,
		Node:      node.Name(),
		Tracks:    make([]*track.Track, 0, len(decoded.Tracks)),
	}
	for _, t := range decoded.Tracks {
		out.Tracks = append(out.Tracks, track.FromProtocol(t, node.Name(), q.Requester))
	}
	return out, nil
}

func (m *Manager) loadTracks(ctx context.Context, node *Node, id string) (*protocol.LoadResult, error) {
	key := "load:" + id
	if raw, ok := m.opts.Cache.Get(ctx, key); ok {
		var res protocol.LoadResult
		if err := json.Unmarshal(raw, &res); err == nil {
			return &res, nil
		}
		m.opts.Cache.Delete(ctx, key)
	}

	v, err, _ := m.resolves.Do(id, func() (any, error) {
		res, err := node.rest.LoadTracks(ctx, id)
		if err != nil {
			return nil, err
		}
		// errors and empty results are not cached
		if res.LoadType != protocol.LoadError && res.LoadType != protocol.LoadEmpty {
			if raw, err := json.Marshal(res); err == nil {
				m.opts.Cache.Set(ctx, key, raw, m.opts.CacheTTL)
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*protocol.LoadResult), nil
}

// ResolveEncoded looks up a track by author and title and returns the first
// match's encoded payload.
func (m *Manager) ResolveEncoded(ctx context.Context, info protocol.TrackInfo) (string, error) {
	query := info.Title
	if info.Author != "" {
		query = info.Author + " - " + info.Title
	}
	res, err := m.Resolve(ctx, ResolveQuery{Query: query})
	if err != nil {
		return "", err
	}
	if len(res.Tracks) == 0 {
		return "", track.ErrUnresolvable
	}
	return res.Tracks[0].Encoded(), nil
}

// DecodeTracks turns encoded track strings back into tracks on the least-used
// node. One string uses the single-track endpoint, several use the batch one.
func (m *Manager) DecodeTracks(ctx context.Context, encoded []string) ([]*track.Track, error) {
	if !m.Initialized() {
		return nil, &Error{Sentinel: ErrNotInitialized, Op: "decode"}
	}
	if len(encoded) == 0 {
		return nil, &Error{Sentinel: ErrInvalidArgument, Op: "decode", Err: errors.New("no encoded tracks")}
	}
	for _, e := range encoded {
		if strings.TrimSpace(e) == "" {
			return nil, &Error{Sentinel: ErrInvalidArgument, Op: "decode", Err: errors.New("empty encoded track")}
		}
	}
	nodes := m.LeastUsedNodes()
	if len(nodes) == 0 {
		return nil, &Error{Sentinel: ErrNoAvailableNode, Op: "decode"}
	}
	node := nodes[0]

	ctx, span := m.tracer.Start(ctx, "lavapool.decode", trace.WithAttributes(
		attribute.String("lavapool.node", node.Name()),
		attribute.Int("lavapool.tracks", len(encoded)),
	))
	defer span.End()

	var raw []protocol.Track
	if len(encoded) == 1 {
		t, err := node.Rest().DecodeTrack(ctx, encoded[0])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, &Error{Sentinel: ErrResolution, Op: "decode", Node: node.Name(), Err: err}
		}
		raw = []protocol.Track{*t}
	} else {
		var err error
		raw, err = node.Rest().DecodeTracks(ctx, encoded)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, &Error{Sentinel: ErrResolution, Op: "decode", Node: node.Name(), Err: err}
		}
	}

	out := make([]*track.Track, 0, len(raw))
	for _, t := range raw {
		out = append(out, track.FromProtocol(t, node.Name(), nil))
	}
	return out, nil
}

// Close destroys every node and player and waits for pool goroutines.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	nodes := append([]*Node(nil), m.order...)
	m.mu.Unlock()

	var g errgroup.Group
	for _, n := range nodes {
		g.Go(func() error { return n.Destroy(ctx) })
	}
	err := g.Wait()

	for _, p := range m.Players() {
		err = errors.Join(err, p.Destroy(ctx))
	}
	err = errors.Join(err, m.workers.CloseAndWait(ctx))
	m.log.Info().Err(err).Msg("node pool closed")
	return err
}
