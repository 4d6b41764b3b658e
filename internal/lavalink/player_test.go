// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lavalink

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/ManuGH/lavapool/internal/track"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endEvent(reason protocol.TrackEndReason) protocol.Event {
	return protocol.Event{Type: protocol.EventTrackEnd, GuildID: testGuild, Reason: string(reason)}
}

// playing starts a player on a queue of the given tracks and clears the
// recorded calls.
func playing(t *testing.T, h *harness, tracks ...*track.Track) *Player {
	t.Helper()
	p := h.player(t)
	p.Queue().Push(tracks...)
	require.NoError(t, p.Play(context.Background()))
	h.node.resetCalls()
	return p
}

func TestPlayer_PlayRequiresVoiceConnection(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	p := h.player(t)
	ctx := context.Background()

	require.NoError(t, p.Disconnect(ctx))
	updates := h.gateway.all()
	require.Len(t, updates, 2)
	assert.Nil(t, updates[1].ChannelID)

	p.Queue().Push(testTrack("a", 1000))
	err := p.Play(ctx)
	assert.True(t, errors.Is(err, ErrNotConnected), "got %v", err)
	assert.Empty(t, h.node.playerPatches())
	assert.Equal(t, 1, p.Queue().Len())
}

func TestPlayer_PlayEmptyQueueIsNoop(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	p := h.player(t)

	require.NoError(t, p.Play(context.Background()))
	assert.Empty(t, h.node.playerPatches())
	assert.Nil(t, p.Current())
	assert.Equal(t, PlayerIdle, p.State())
}

func TestPlayer_PlaySendsHeadOfQueue(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	p := h.player(t)
	a, b := testTrack("a", 1000), testTrack("b", 1000)
	p.Queue().Push(a, b)

	require.NoError(t, p.Play(context.Background()))

	patches := h.node.playerPatches()
	require.Len(t, patches, 1)
	assert.Equal(t, "enc-a", encodedOf(patches[0]))
	assert.Same(t, a, p.Current())
	assert.Equal(t, []*track.Track{b}, p.Queue().Snapshot())
	assert.Equal(t, PlayerPlaying, p.State())

	calls := h.node.callsTo(http.MethodPatch, "/players/"+testGuild.String())
	assert.Equal(t, "false", calls[0].Query.Get("noReplace"))
}

func TestPlayer_PlayResolvesLazyTrack(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	h.node.setLoad("ytsearch:A - One", searchResult)
	p := h.player(t)

	lazy := track.NewUnresolved(protocol.TrackInfo{Title: "One", Author: "A", SourceName: "spotify"}, nil)
	p.Queue().Push(lazy)
	require.NoError(t, p.Play(context.Background()))

	patches := h.node.playerPatches()
	require.Len(t, patches, 1)
	assert.Equal(t, "QAAA1", encodedOf(patches[0]))
	assert.True(t, lazy.Resolved())
}

func TestPlayer_PlayUnresolvableTrack(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	p := h.player(t)

	p.Queue().Push(track.NewUnresolved(protocol.TrackInfo{Title: "Missing"}, nil))
	err := p.Play(context.Background())
	assert.True(t, errors.Is(err, ErrResolution), "got %v", err)
	assert.Empty(t, h.node.playerPatches())
	assert.Equal(t, PlayerIdle, p.State())
}

func TestPlayer_Controls(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	p := playing(t, h, testTrack("a", 10_000))
	ctx := context.Background()

	require.NoError(t, p.Pause(ctx, true))
	assert.Equal(t, PlayerPaused, p.State())
	require.NoError(t, p.Pause(ctx, false))
	assert.Equal(t, PlayerPlaying, p.State())

	require.NoError(t, p.Seek(ctx, 20*time.Second))
	assert.Equal(t, 10*time.Second, p.Snapshot().Position)
	require.NoError(t, p.Seek(ctx, -time.Second))
	assert.Equal(t, time.Duration(0), p.Snapshot().Position)

	err := p.SetVolume(ctx, 150)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	require.NoError(t, p.SetVolume(ctx, 50))
	assert.Equal(t, 50, p.Snapshot().Volume)

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, PlayerIdle, p.State())

	patches := h.node.playerPatches()
	require.Len(t, patches, 6)
	require.NotNil(t, patches[0].Paused)
	assert.True(t, *patches[0].Paused)
	assert.False(t, *patches[1].Paused)
	assert.Equal(t, int64(10_000), *patches[2].Position)
	assert.Equal(t, int64(0), *patches[3].Position)
	assert.Equal(t, 50, *patches[4].Volume)
	require.NotNil(t, patches[5].Track)
	assert.Nil(t, patches[5].Track.Encoded)
}

func TestPlayer_SeekWithoutTrack(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	p := h.player(t)

	err := p.Seek(context.Background(), time.Second)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Empty(t, h.node.playerPatches())
}

func TestPlayer_LoopAndChannels(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	p := h.player(t)
	ctx := context.Background()

	assert.True(t, errors.Is(p.SetLoop("forever"), ErrInvalidArgument))
	require.NoError(t, p.SetLoop(LoopQueue))
	assert.Equal(t, LoopQueue, p.Snapshot().Loop)

	assert.True(t, errors.Is(p.SetTextChannel(0), ErrInvalidArgument))
	require.NoError(t, p.SetTextChannel(9))
	assert.Equal(t, snowflake.ID(9), p.Snapshot().TextChannel)

	err := p.SetVoiceChannel(ctx, testChannel, VoiceOptions{})
	assert.True(t, errors.Is(err, ErrAlreadyConnected))

	deaf := true
	require.NoError(t, p.SetVoiceChannel(ctx, 88, VoiceOptions{Deaf: &deaf}))
	updates := h.gateway.all()
	require.Len(t, updates, 2)
	require.NotNil(t, updates[1].ChannelID)
	assert.Equal(t, snowflake.ID(88), *updates[1].ChannelID)
	assert.True(t, updates[1].SelfDeaf)
}

func TestPlayer_DataBag(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	p := h.player(t)

	p.Set("requester", "alice")
	v, ok := p.Get("requester")
	assert.True(t, ok)
	assert.Equal(t, "alice", v)
	_, ok = p.Get("missing")
	assert.False(t, ok)
}

func TestPlayer_TrackEndLoopTrackReplays(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	a, b := testTrack("a", 1000), testTrack("b", 1000)
	p := playing(t, h, a, b)
	require.NoError(t, p.SetLoop(LoopTrack))

	require.NoError(t, p.HandleEvent(context.Background(), endEvent(protocol.EndFinished)))

	patches := h.node.playerPatches()
	require.Len(t, patches, 1)
	assert.Equal(t, "enc-a", encodedOf(patches[0]))
	assert.Same(t, a, p.Current())
	assert.Same(t, a, p.Previous())
	assert.Equal(t, []*track.Track{b}, p.Queue().Snapshot())
}

func TestPlayer_TrackEndLoopQueueRotates(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	a, b := testTrack("a", 1000), testTrack("b", 1000)
	p := playing(t, h, a, b)
	require.NoError(t, p.SetLoop(LoopQueue))

	require.NoError(t, p.HandleEvent(context.Background(), endEvent(protocol.EndFinished)))

	patches := h.node.playerPatches()
	require.Len(t, patches, 1)
	assert.Equal(t, "enc-b", encodedOf(patches[0]))
	assert.Same(t, b, p.Current())
	assert.Equal(t, []*track.Track{a}, p.Queue().Snapshot())
}

func TestPlayer_TrackEndAdvances(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	events := collect(t, h.m, EventTrackEnded, EventQueueExhausted)
	a, b := testTrack("a", 1000), testTrack("b", 1000)
	p := playing(t, h, a, b)

	require.NoError(t, p.HandleEvent(context.Background(), endEvent(protocol.EndFinished)))

	ended := events.wait(t, EventTrackEnded, 1)
	assert.Same(t, a, ended[0].Track)
	assert.Equal(t, "finished", ended[0].Reason)
	assert.Same(t, b, p.Current())
	assert.Empty(t, events.of(EventQueueExhausted))
}

func TestPlayer_QueueExhausted(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	events := collect(t, h.m, EventTrackEnded, EventQueueExhausted)
	a := testTrack("a", 1000)
	p := playing(t, h, a)

	require.NoError(t, p.HandleEvent(context.Background(), endEvent(protocol.EndFinished)))

	events.wait(t, EventQueueExhausted, 1)
	assert.Equal(t, []EventKind{EventTrackEnded, EventQueueExhausted}, events.sequence(EventTrackEnded, EventQueueExhausted))
	assert.Equal(t, PlayerIdle, p.State())
	assert.Same(t, a, p.Previous())
	assert.Empty(t, h.node.playerPatches())
}

func TestPlayer_TrackEndReplacedKeepsState(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	events := collect(t, h.m, EventTrackEnded, EventQueueExhausted)
	a := testTrack("a", 1000)
	p := playing(t, h, a)

	require.NoError(t, p.HandleEvent(context.Background(), endEvent(protocol.EndReplaced)))

	events.wait(t, EventTrackEnded, 1)
	assert.Equal(t, PlayerPlaying, p.State())
	assert.Same(t, a, p.Previous())
	assert.Same(t, a, p.Current())
	assert.Empty(t, events.of(EventQueueExhausted))
	assert.Empty(t, h.node.playerPatches())
}

func TestPlayer_TrackErrorsStop(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	events := collect(t, h.m, EventTrackError, EventTrackStuck)
	p := playing(t, h, testTrack("a", 1000))
	ctx := context.Background()

	require.NoError(t, p.HandleEvent(ctx, protocol.Event{
		Type:      protocol.EventTrackException,
		Exception: &protocol.Exception{Message: "boom", Severity: "fault"},
	}))
	require.NoError(t, p.HandleEvent(ctx, protocol.Event{Type: protocol.EventTrackStuck, Threshold: 5000}))

	errs := events.wait(t, EventTrackError, 1)
	require.NotNil(t, errs[0].Exception)
	assert.Equal(t, "boom", errs[0].Exception.Message)
	stuck := events.wait(t, EventTrackStuck, 1)
	assert.Equal(t, 5*time.Second, stuck[0].Threshold)

	patches := h.node.playerPatches()
	require.Len(t, patches, 2)
	for _, u := range patches {
		require.NotNil(t, u.Track)
		assert.Nil(t, u.Track.Encoded)
	}
}

func TestPlayer_TrackStartAndMissingCurrent(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	events := collect(t, h.m, EventTrackStarted)
	p := h.player(t)
	ctx := context.Background()

	require.NoError(t, p.HandleEvent(ctx, protocol.Event{Type: protocol.EventTrackStart}))
	assert.Equal(t, PlayerIdle, p.State())

	p.Queue().Push(testTrack("a", 1000))
	require.NoError(t, p.Play(ctx))
	require.NoError(t, p.Pause(ctx, true))
	require.Equal(t, PlayerPaused, p.State())
	require.NoError(t, p.HandleEvent(ctx, protocol.Event{Type: protocol.EventTrackStart}))
	assert.Equal(t, PlayerPlaying, p.State())

	started := events.wait(t, EventTrackStarted, 1)
	assert.Len(t, started, 1)
	assert.Equal(t, "https://img.youtube.com/vi/a/maxresdefault.jpg", started[0].Track.Artwork())
}

func TestPlayer_VoiceSocketClosed(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	events := collect(t, h.m, EventSocketClosed)
	p := playing(t, h, testTrack("a", 1000))
	ctx := context.Background()

	require.NoError(t, p.HandleEvent(ctx, protocol.Event{Type: protocol.EventWebSocketClosed, Code: protocol.CloseVoiceServerCrashed, ByRemote: true}))
	assert.Len(t, h.gateway.all(), 2)
	assert.Equal(t, PlayerPaused, p.State())

	require.NoError(t, p.HandleEvent(ctx, protocol.Event{Type: protocol.EventWebSocketClosed, Code: 4000, Reason: "gone"}))
	assert.Len(t, h.gateway.all(), 2)

	closed := events.wait(t, EventSocketClosed, 2)
	assert.Equal(t, protocol.CloseVoiceServerCrashed, closed[0].Code)
	assert.True(t, closed[0].ByRemote)
	assert.Equal(t, "gone", closed[1].Reason)

	patches := h.node.playerPatches()
	require.Len(t, patches, 2)
	for _, u := range patches {
		require.NotNil(t, u.Paused)
		assert.True(t, *u.Paused)
	}
}

func TestPlayer_UnknownEvent(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	events := collect(t, h.m, EventNodeError)
	p := h.player(t)

	err := p.HandleEvent(context.Background(), protocol.Event{Type: "SegmentSkipped"})
	assert.True(t, errors.Is(err, ErrProtocolAnomaly))
	got := events.wait(t, EventNodeError, 1)
	assert.Equal(t, testGuild, got[0].GuildID)
}

func TestPlayer_Destroy(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	events := collect(t, h.m, EventSessionDestroyed, EventSessionDisconnected)
	p := h.player(t)
	ctx := context.Background()

	require.NoError(t, p.Destroy(ctx))
	require.NoError(t, p.Destroy(ctx))

	assert.Equal(t, PlayerDestroyed, p.State())
	assert.Len(t, h.node.callsTo(http.MethodDelete, "/players/"+testGuild.String()), 1)
	updates := h.gateway.all()
	require.Len(t, updates, 2)
	assert.Nil(t, updates[1].ChannelID)

	events.wait(t, EventSessionDestroyed, 1)
	assert.Len(t, events.of(EventSessionDisconnected), 1)

	_, err := h.m.Player(testGuild)
	assert.True(t, errors.Is(err, ErrPlayerNotFound))
	assert.True(t, errors.Is(p.Play(ctx), ErrDestroyed))
	assert.True(t, errors.Is(p.HandleEvent(ctx, endEvent(protocol.EndFinished)), ErrDestroyed))
	select {
	case <-p.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

const mixURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=RDdQw4w9WgXcQ"

func TestPlayer_AutoplayOnExhaustion(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	h.node.setLoad(mixURL, `{"loadType":"playlist","data":{"info":{"name":"Mix","selectedTrack":0},"tracks":[
		{"encoded":"QMIX","info":{"identifier":"next","title":"Next","author":"x","length":1000,"sourceName":"youtube"}}]}}`)
	p := playing(t, h, testTrack("dQw4w9WgXcQ", 1000))
	p.SetAutoplay(true)

	require.NoError(t, p.HandleEvent(context.Background(), endEvent(protocol.EndFinished)))

	patches := h.node.playerPatches()
	require.Len(t, patches, 1)
	assert.Equal(t, "QMIX", encodedOf(patches[0]))
	assert.Equal(t, "next", p.Current().Identifier())
	assert.Equal(t, PlayerPlaying, p.State())
}

func TestPlayer_AutoplayWithoutResultStops(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	p := playing(t, h, testTrack("dQw4w9WgXcQ", 1000))

	require.NoError(t, p.HandleEvent(context.Background(), endEvent(protocol.EndFinished)))
	require.NoError(t, p.Autoplay(context.Background()))

	patches := h.node.playerPatches()
	require.Len(t, patches, 1)
	require.NotNil(t, patches[0].Track)
	assert.Nil(t, patches[0].Track.Encoded)
}

func TestPlayer_FramesFromNode(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t, nil)
	events := collect(t, h.m, EventPlayerUpdated, EventTrackStarted, EventTrackEnded, EventQueueExhausted)
	p := playing(t, h, testTrack("a", 1000))

	h.node.push(`{"op":"playerUpdate","guildId":"999","state":{"time":1,"position":1,"connected":true,"ping":1}}`)
	h.node.push(`{"op":"playerUpdate","guildId":"42","state":{"time":1700000000000,"position":1500,"connected":true,"ping":12}}`)
	h.node.push(`{"op":"event","type":"TrackStartEvent","guildId":"42"}`)
	h.node.push(`{"op":"event","type":"TrackEndEvent","guildId":"42","reason":"finished"}`)

	events.wait(t, EventQueueExhausted, 1)
	assert.Equal(t,
		[]EventKind{EventPlayerUpdated, EventTrackStarted, EventTrackEnded, EventQueueExhausted},
		events.sequence(EventPlayerUpdated, EventTrackStarted, EventTrackEnded, EventQueueExhausted))

	snap := p.Snapshot()
	assert.Equal(t, 1500*time.Millisecond, snap.Position)
	assert.Equal(t, 12*time.Millisecond, snap.Ping)
	assert.True(t, snap.VoiceConnected)
	assert.Equal(t, PlayerIdle, snap.State)
}
