// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lavalink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ManuGH/lavapool/internal/cache"
	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopSend(context.Context, protocol.GatewayVoiceUpdate) error { return nil }

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"missing send", Options{Nodes: []NodeConfig{{Host: "a"}}}},
		{"no nodes", Options{Send: noopSend}},
		{"duplicate names", Options{Send: noopSend, Nodes: []NodeConfig{{Name: "x", Host: "a"}, {Name: "x", Host: "b"}}}},
		{"bad port", Options{Send: noopSend, Nodes: []NodeConfig{{Host: "a", Port: 70000}}}},
		{"bad strategy", Options{Send: noopSend, Nodes: []NodeConfig{{Host: "a"}}, Selection: "random"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
		})
	}
}

func TestNodeConfig_Defaults(t *testing.T) {
	cfg := NodeConfig{Regions: []string{" EU ", ""}}.withDefaults()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, "localhost", cfg.Name)
	assert.Equal(t, 2333, cfg.Port)
	assert.Equal(t, "youshallnotpass", cfg.Password)
	assert.Equal(t, []string{"eu"}, cfg.Regions)
	assert.Equal(t, "ws://localhost:2333/v4/websocket", cfg.socketURL())

	cfg.Secure = true
	assert.Equal(t, "https://localhost:2333", cfg.restURL())
}

func TestManager_RequiresInit(t *testing.T) {
	verifyNoLeaks(t)

	m, err := New(Options{Send: noopSend, Nodes: []NodeConfig{{Host: "127.0.0.1", Port: 1}}})
	require.NoError(t, err)
	defer func() { _ = m.Close(context.Background()) }()

	_, err = m.CreatePlayer(context.Background(), PlayerOptions{GuildID: testGuild, VoiceChannel: testChannel})
	assert.True(t, errors.Is(err, ErrNotInitialized))

	_, err = m.Resolve(context.Background(), ResolveQuery{Query: "song"})
	assert.True(t, errors.Is(err, ErrNotInitialized))

	_, err = m.CreateNode(NodeConfig{Name: "late"})
	assert.True(t, errors.Is(err, ErrNotInitialized))
}

func TestManager_InitConnectsNodes(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)

	hdr := h.node.lastHeader()
	require.NotNil(t, hdr)
	assert.Equal(t, "secret", hdr.Get("Authorization"))
	assert.Equal(t, testClientID.String(), hdr.Get("User-Id"))
	assert.Equal(t, "lavapool", hdr.Get("Client-Name"))
	assert.Empty(t, hdr.Get("Session-Id"))

	require.Eventually(t, func() bool {
		return len(h.node.callsTo(http.MethodPatch, "/v4/sessions/sess-1")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	var upd protocol.SessionUpdate
	require.NoError(t, json.Unmarshal(h.node.callsTo(http.MethodPatch, "/v4/sessions/sess-1")[0].Body, &upd))
	require.NotNil(t, upd.Resuming)
	require.NotNil(t, upd.Timeout)
	assert.True(t, *upd.Resuming)
	assert.Equal(t, int64(60), *upd.Timeout)

	// second Init is a no-op
	require.NoError(t, h.m.Init(testClientID))
	assert.Len(t, h.m.Nodes(), 1)
	assert.Equal(t, 1, h.node.socketCount())
}

func TestManager_CreatePlayerIsIdempotent(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	events := collect(t, h.m, EventSessionCreated)

	p1 := h.player(t)
	p2 := h.player(t)
	assert.Same(t, p1, p2)

	updates := h.gateway.all()
	require.Len(t, updates, 1)
	assert.Equal(t, testGuild, updates[0].GuildID)
	require.NotNil(t, updates[0].ChannelID)
	assert.Equal(t, testChannel, *updates[0].ChannelID)

	events.wait(t, EventSessionCreated, 1)
	got, err := h.m.Player(testGuild)
	require.NoError(t, err)
	assert.Same(t, p1, got)
	assert.Equal(t, "main", p1.Node().Name())
}

func TestManager_CreatePlayerValidation(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)

	_, err := h.m.CreatePlayer(context.Background(), PlayerOptions{GuildID: testGuild})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = h.m.CreatePlayer(context.Background(), PlayerOptions{GuildID: testGuild, VoiceChannel: testChannel, Volume: 101})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = h.m.CreatePlayer(context.Background(), PlayerOptions{GuildID: testGuild, VoiceChannel: testChannel, Loop: "forever"})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = h.m.Player(testGuild)
	assert.True(t, errors.Is(err, ErrPlayerNotFound))
}

func TestManager_CreatePlayerSendFailure(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	h.gateway.err = errors.New("gateway down")

	_, err := h.m.CreatePlayer(context.Background(), PlayerOptions{GuildID: testGuild, VoiceChannel: testChannel})
	require.Error(t, err)
	assert.Empty(t, h.m.Players())
}

func newSelectionManager(t *testing.T, strategy SelectionStrategy) *Manager {
	t.Helper()
	m, err := New(Options{Send: noopSend, Nodes: []NodeConfig{{Host: "unused"}}, Selection: strategy})
	require.NoError(t, err)
	m.initialized = true
	m.clientID = testClientID
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func injectNode(m *Manager, cfg NodeConfig, stats *protocol.Stats) *Node {
	n := newNode(m, cfg.withDefaults())
	n.state = NodeConnected
	if stats != nil {
		n.stats = *stats
		n.hasStats = true
	}
	m.mu.Lock()
	m.nodes[n.Name()] = n
	m.order = append(m.order, n)
	m.mu.Unlock()
	return n
}

// bumpCalls issues n REST calls through the node client.
func bumpCalls(t *testing.T, n *Node, calls int) {
	t.Helper()
	for range calls {
		_, _ = n.rest.Info(context.Background())
	}
	require.Equal(t, int64(calls), n.Calls())
}

func TestSelectNode_RegionWinsByLoadPerCore(t *testing.T) {
	verifyNoLeaks(t)
	m := newSelectionManager(t, "")

	injectNode(m, NodeConfig{Name: "eu", Regions: []string{"eu"}}, nil)
	injectNode(m, NodeConfig{Name: "us-busy", Regions: []string{"us"}}, &protocol.Stats{CPU: protocol.CPU{Cores: 2, SystemLoad: 1.0}})
	injectNode(m, NodeConfig{Name: "us-idle", Regions: []string{"US"}}, &protocol.Stats{CPU: protocol.CPU{Cores: 4, SystemLoad: 1.0}})

	n, err := m.SelectNode("us")
	require.NoError(t, err)
	assert.Equal(t, "us-idle", n.Name())

	n, err = m.SelectNode("EU")
	require.NoError(t, err)
	assert.Equal(t, "eu", n.Name())
}

func TestSelectNode_Strategies(t *testing.T) {
	verifyNoLeaks(t)
	fn := newFakeNode(t, "s")

	tests := []struct {
		strategy SelectionStrategy
		want     string
	}{
		{"", "b"},
		{SelectCallsDesc, "b"},
		{SelectCallsAsc, "a"},
		{SelectPenalties, "c"},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			m := newSelectionManager(t, tt.strategy)

			cfgA, cfgB, cfgC := fn.config("a"), fn.config("b"), fn.config("c")
			injectNode(m, cfgA, &protocol.Stats{Players: 9})
			b := injectNode(m, cfgB, &protocol.Stats{Players: 5})
			c := injectNode(m, cfgC, &protocol.Stats{Players: 1})
			bumpCalls(t, b, 3)
			bumpCalls(t, c, 1)

			n, err := m.SelectNode("nowhere")
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.Name())
		})
	}
}

func TestSelectNode_TiesKeepRegistrationOrder(t *testing.T) {
	verifyNoLeaks(t)
	m := newSelectionManager(t, "")
	injectNode(m, NodeConfig{Name: "first"}, nil)
	injectNode(m, NodeConfig{Name: "second"}, nil)

	for range 5 {
		n, err := m.SelectNode("")
		require.NoError(t, err)
		assert.Equal(t, "first", n.Name())
	}
}

func TestSelectNode_NoneConnected(t *testing.T) {
	verifyNoLeaks(t)
	m := newSelectionManager(t, "")
	n := injectNode(m, NodeConfig{Name: "down"}, nil)
	n.state = NodeDisconnected

	_, err := m.SelectNode("")
	assert.True(t, errors.Is(err, ErrNoAvailableNode))
	assert.Empty(t, m.LeastUsedNodes())
}

const searchResult = `{"loadType":"search","data":[
	{"encoded":"QAAA1","info":{"identifier":"id1","isSeekable":true,"author":"A","length":1000,"isStream":false,"position":0,"title":"One","sourceName":"youtube"}},
	{"encoded":"QAAA2","info":{"identifier":"id2","isSeekable":true,"author":"B","length":2000,"isStream":false,"position":0,"title":"Two","sourceName":"youtube"}}
]}`

func TestResolve_SearchPrefixAndURL(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	h.node.setLoad("ytsearch:never gonna", searchResult)
	h.node.setLoad("https://example.com/a.mp3", `{"loadType":"track","data":{"encoded":"QAAA3","info":{"identifier":"a","title":"A","author":"x","length":5,"sourceName":"http"}}}`)

	res, err := h.m.Resolve(context.Background(), ResolveQuery{Query: "never gonna", Requester: "alice"})
	require.NoError(t, err)
	assert.Equal(t, protocol.LoadSearch, res.LoadType)
	require.Len(t, res.Tracks, 2)
	assert.Equal(t, "QAAA1", res.Tracks[0].Encoded())
	assert.Equal(t, "alice", res.Tracks[0].Requester())
	assert.Equal(t, "main", res.Node)

	res, err = h.m.Resolve(context.Background(), ResolveQuery{Query: "https://example.com/a.mp3", Source: "scsearch"})
	require.NoError(t, err)
	assert.Equal(t, protocol.LoadTrack, res.LoadType)
	require.Len(t, res.Tracks, 1)

	res, err = h.m.Resolve(context.Background(), ResolveQuery{Query: "nothing", Source: "scsearch"})
	require.NoError(t, err)
	assert.Equal(t, protocol.LoadEmpty, res.LoadType)
	assert.Empty(t, res.Tracks)

	var ids []string
	for _, c := range h.node.callsTo(http.MethodGet, "/v4/loadtracks") {
		ids = append(ids, c.Query.Get("identifier"))
	}
	assert.Equal(t, []string{"ytsearch:never gonna", "https://example.com/a.mp3", "scsearch:nothing"}, ids)

	_, err = h.m.Resolve(context.Background(), ResolveQuery{Query: "  "})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestResolve_LoadErrorCarriesException(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	h.node.setLoad("ytsearch:broken", `{"loadType":"error","data":{"message":"blocked","severity":"common","cause":"x"}}`)

	res, err := h.m.Resolve(context.Background(), ResolveQuery{Query: "broken"})
	require.NoError(t, err)
	assert.Equal(t, protocol.LoadError, res.LoadType)
	require.NotNil(t, res.Exception)
	assert.Equal(t, "blocked", res.Exception.Message)
}

func TestResolve_UsesCache(t *testing.T) {
	verifyNoLeaks(t)
	mc := cache.NewMemoryCache(time.Minute)
	t.Cleanup(func() { _ = mc.Close() })

	h := newHarness(t, func(o *Options) { o.Cache = mc })
	h.node.setLoad("ytsearch:cached", searchResult)

	for range 3 {
		res, err := h.m.Resolve(context.Background(), ResolveQuery{Query: "cached"})
		require.NoError(t, err)
		require.Len(t, res.Tracks, 2)
	}
	assert.Len(t, h.node.callsTo(http.MethodGet, "/v4/loadtracks"), 1)
	assert.Equal(t, int64(2), mc.Stats().Hits)
}

func TestResolve_NoConnectedNode(t *testing.T) {
	verifyNoLeaks(t)
	m := newSelectionManager(t, "")
	_, err := m.Resolve(context.Background(), ResolveQuery{Query: "x"})
	assert.True(t, errors.Is(err, ErrNoAvailableNode))
}

func TestDecodeTracks_SingleAndBatch(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	ctx := context.Background()

	one, err := h.m.DecodeTracks(ctx, []string{"enc-a"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "enc-a", one[0].Encoded())
	assert.Equal(t, "a", one[0].Identifier())
	assert.Equal(t, "main", one[0].Node())

	many, err := h.m.DecodeTracks(ctx, []string{"enc-b", "enc-c"})
	require.NoError(t, err)
	require.Len(t, many, 2)
	assert.Equal(t, "title c", many[1].Title())

	single := h.node.callsTo(http.MethodGet, "/v4/decodetrack")
	require.Len(t, single, 1)
	assert.Equal(t, "enc-a", single[0].Query.Get("encodedTrack"))
	batch := h.node.callsTo(http.MethodPost, "/v4/decodetracks")
	require.Len(t, batch, 1)
	assert.JSONEq(t, `["enc-b","enc-c"]`, string(batch[0].Body))

	_, err = h.m.DecodeTracks(ctx, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = h.m.DecodeTracks(ctx, []string{"enc-a", " "})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestDecodeTracks_NoConnectedNode(t *testing.T) {
	verifyNoLeaks(t)
	m := newSelectionManager(t, "")
	_, err := m.DecodeTracks(context.Background(), []string{"enc-a"})
	assert.True(t, errors.Is(err, ErrNoAvailableNode))
}

func TestUpdateVoiceState_Routing(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	p := h.player(t)
	ctx := context.Background()

	other := snowflake.ID(5)
	state := func(user snowflake.ID, session string) protocol.VoicePacket {
		ch := testChannel
		d, _ := json.Marshal(protocol.VoiceStateUpdate{GuildID: testGuild, UserID: user, SessionID: session, ChannelID: &ch})
		return protocol.VoicePacket{T: protocol.DispatchVoiceStateUpdate, D: d}
	}

	require.NoError(t, h.m.UpdateVoiceState(ctx, state(other, "foreign")))
	assert.Empty(t, p.Connection().Info().SessionID)

	require.NoError(t, h.m.UpdateVoiceState(ctx, state(testClientID, "voice-1")))
	assert.Equal(t, "voice-1", p.Connection().Info().SessionID)

	d, _ := json.Marshal(protocol.VoiceServerUpdate{GuildID: testGuild, Token: "tok", Endpoint: "eu-west7.discord.media:443"})
	require.NoError(t, h.m.UpdateVoiceState(ctx, protocol.VoicePacket{T: protocol.DispatchVoiceServerUpdate, D: d}))
	assert.Equal(t, "eu-west", p.Connection().Region())

	// unknown dispatches and unknown guilds are ignored
	require.NoError(t, h.m.UpdateVoiceState(ctx, protocol.VoicePacket{T: "MESSAGE_CREATE", D: json.RawMessage(`{}`)}))
	require.NoError(t, h.m.HandleVoiceServerUpdate(ctx, protocol.VoiceServerUpdate{GuildID: 99, Endpoint: "x"}))

	err := h.m.UpdateVoiceState(ctx, protocol.VoicePacket{T: protocol.DispatchVoiceServerUpdate, D: json.RawMessage(`"bad"`)})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestManager_CloseDestroysEverything(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	p := h.player(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.m.Close(ctx))
	require.NoError(t, h.m.Close(ctx))

	assert.Equal(t, PlayerDestroyed, p.State())
	assert.Empty(t, h.m.Players())
	assert.Empty(t, h.m.Nodes())
	assert.Len(t, h.node.callsTo(http.MethodDelete, "/players/"+testGuild.String()), 1)

	_, err := h.m.CreatePlayer(ctx, PlayerOptions{GuildID: testGuild, VoiceChannel: testChannel})
	assert.True(t, errors.Is(err, ErrDestroyed))
}
