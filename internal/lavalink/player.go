// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lavalink

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/lavapool/internal/autoplay"
	"github.com/ManuGH/lavapool/internal/log"
	"github.com/ManuGH/lavapool/internal/metrics"
	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/ManuGH/lavapool/internal/rest"
	"github.com/ManuGH/lavapool/internal/track"
	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"
)

// LoopMode controls what happens to a track when it finishes.
type LoopMode string

const (
	LoopNone  LoopMode = "none"
	LoopTrack LoopMode = "track"
	LoopQueue LoopMode = "queue"
)

func (l LoopMode) Valid() bool {
	switch l {
	case LoopNone, LoopTrack, LoopQueue:
		return true
	}
	return false
}

// PlayerState is derived from the player flags.
type PlayerState string

const (
	PlayerIdle      PlayerState = "idle"
	PlayerLoading   PlayerState = "loading"
	PlayerPlaying   PlayerState = "playing"
	PlayerPaused    PlayerState = "paused"
	PlayerDestroyed PlayerState = "destroyed"
)

// VoiceOptions overrides the mute and deaf flags for a voice join. Nil keeps
// the current value.
type VoiceOptions struct {
	Mute *bool
	Deaf *bool
}

const inboxSize = 64

// Player is the playback session of one guild. Frames from the node are
// applied by a single worker in arrival order.
type Player struct {
	m       *Manager
	guildID snowflake.ID
	node    atomic.Pointer[Node]
	log     zerolog.Logger
	conn    *Connection

	inbox chan protocol.Frame
	done  chan struct{}

	mu             sync.Mutex
	voiceChannel   snowflake.ID
	textChannel    snowflake.ID
	mute           bool
	deaf           bool
	connected      bool
	voiceConnected bool
	playing        bool
	paused         bool
	loading        bool
	destroyed      bool
	volume         int
	loop           LoopMode
	autoplay       bool
	position       time.Duration
	ping           time.Duration
	timestamp      time.Time
	current        *track.Track
	previous       *track.Track
	queue          *track.Queue
	data           map[string]any
}

func newPlayer(m *Manager, node *Node, opts PlayerOptions) *Player {
	p := &Player{
		m:            m,
		guildID:      opts.GuildID,
		inbox:        make(chan protocol.Frame, inboxSize),
		done:         make(chan struct{}),
		voiceChannel: opts.VoiceChannel,
		textChannel:  opts.TextChannel,
		mute:         opts.Mute,
		deaf:         opts.Deaf,
		volume:       opts.Volume,
		loop:         opts.Loop,
		autoplay:     opts.Autoplay,
		queue:        track.NewQueue(),
		data:         make(map[string]any),
	}
	if p.volume == 0 {
		p.volume = 100
	}
	if p.loop == "" {
		p.loop = LoopNone
	}
	p.node.Store(node)
	p.conn = &Connection{p: p, region: opts.Region}
	p.log = log.WithComponent("player").With().Stringer(log.FieldGuildID, opts.GuildID).Logger()
	return p
}

func (p *Player) activate() {
	metrics.IncActivePlayers(p.currentNode().Name())
}

// discard drops a player that never became usable.
func (p *Player) discard() {
	p.mu.Lock()
	if !p.destroyed {
		p.destroyed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.m.unregisterPlayer(p)
	metrics.DecActivePlayers(p.currentNode().Name())
}

func (p *Player) run() {
	for {
		select {
		case <-p.done:
			return
		case f := <-p.inbox:
			ctx, cancel := context.WithTimeout(context.Background(), p.m.opts.RequestTimeout)
			if err := p.HandleFrame(ctx, f); err != nil && !errors.Is(err, ErrDestroyed) {
				p.log.Warn().Err(err).Str(log.FieldOp, string(f.Op)).Msg("frame handling failed")
			}
			cancel()
		}
	}
}

func (p *Player) enqueue(f protocol.Frame) {
	select {
	case p.inbox <- f:
	case <-p.done:
	}
}

func (p *Player) currentNode() *Node { return p.node.Load() }

func (p *Player) GuildID() snowflake.ID   { return p.guildID }
func (p *Player) Node() *Node             { return p.node.Load() }
func (p *Player) Queue() *track.Queue     { return p.queue }
func (p *Player) Connection() *Connection { return p.conn }
func (p *Player) Done() <-chan struct{}   { return p.done }

func (p *Player) Current() *track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Player) Previous() *track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.previous
}

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Player) stateLocked() PlayerState {
	switch {
	case p.destroyed:
		return PlayerDestroyed
	case p.paused:
		return PlayerPaused
	case p.playing:
		return PlayerPlaying
	case p.loading:
		return PlayerLoading
	}
	return PlayerIdle
}

// Set stores an application value on the player.
func (p *Player) Set(key string, value any) {
	p.mu.Lock()
	p.data[key] = value
	p.mu.Unlock()
}

func (p *Player) Get(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.data[key]
	return v, ok
}

func (p *Player) SetAutoplay(enabled bool) {
	p.mu.Lock()
	p.autoplay = enabled
	p.mu.Unlock()
}

func (p *Player) checkLocked(op string) error {
	if p.destroyed {
		return playerError(ErrDestroyed, op, p.guildID, nil)
	}
	return nil
}

func (p *Player) update(ctx context.Context, op string, upd protocol.PlayerUpdate) error {
	node := p.currentNode()
	if _, err := node.rest.UpdatePlayer(ctx, p.guildID, upd, false); err != nil {
		return transportError(op, node.Name(), p.guildID, err)
	}
	return nil
}

// Connect joins the configured voice channel.
func (p *Player) Connect(ctx context.Context, opts VoiceOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("connect"); err != nil {
		return err
	}
	return p.connectLocked(ctx, opts)
}

func (p *Player) connectLocked(ctx context.Context, opts VoiceOptions) error {
	if p.voiceChannel == 0 {
		return playerError(ErrInvalidArgument, "connect", p.guildID, errors.New("no voice channel set"))
	}
	if opts.Mute != nil {
		p.mute = *opts.Mute
	}
	if opts.Deaf != nil {
		p.deaf = *opts.Deaf
	}
	ch := p.voiceChannel
	err := p.m.opts.Send(ctx, protocol.GatewayVoiceUpdate{
		GuildID:   p.guildID,
		ChannelID: &ch,
		SelfMute:  p.mute,
		SelfDeaf:  p.deaf,
	})
	if err != nil {
		return fmt.Errorf("voice join guild=%s: %w", p.guildID, err)
	}
	p.connected = true
	p.conn.channel = ch
	p.m.debug(p.currentNode().Name(), p.guildID, fmt.Sprintf("joining voice channel %s", ch))
	return nil
}

// Disconnect leaves the voice channel. It is a no-op without one.
func (p *Player) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("disconnect"); err != nil {
		return err
	}
	return p.disconnectLocked(ctx)
}

func (p *Player) disconnectLocked(ctx context.Context) error {
	if p.voiceChannel == 0 {
		return nil
	}
	old := p.voiceChannel
	p.connected = false
	p.voiceChannel = 0
	p.conn.channel = 0
	err := p.m.opts.Send(ctx, protocol.GatewayVoiceUpdate{GuildID: p.guildID})
	p.m.emit(Event{Kind: EventSessionDisconnected, Node: p.currentNode().Name(), GuildID: p.guildID, OldChannel: old})
	if err != nil {
		return fmt.Errorf("voice leave guild=%s: %w", p.guildID, err)
	}
	return nil
}

// Play starts the head of the queue. An empty queue is a no-op.
func (p *Player) Play(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("play"); err != nil {
		return err
	}
	return p.playLocked(ctx)
}

func (p *Player) playLocked(ctx context.Context) error {
	if !p.connected {
		return playerError(ErrNotConnected, "play", p.guildID, nil)
	}
	next := p.queue.Shift()
	if next == nil {
		return nil
	}
	p.current = next
	p.loading = true
	enc, err := next.Resolve(ctx, p.m)
	if err != nil {
		p.loading = false
		return playerError(ErrResolution, "play", p.guildID, err)
	}

	err = p.update(ctx, "play", protocol.PlayerUpdate{Track: &protocol.UpdateTrack{Encoded: &enc}})
	p.loading = false
	if err != nil {
		return err
	}
	p.playing = true
	p.position = 0
	return nil
}

// Stop clears the remote track.
func (p *Player) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("stop"); err != nil {
		return err
	}
	return p.stopLocked(ctx)
}

func (p *Player) stopLocked(ctx context.Context) error {
	if err := p.update(ctx, "stop", protocol.PlayerUpdate{Track: &protocol.UpdateTrack{}}); err != nil {
		return err
	}
	p.playing = false
	p.position = 0
	return nil
}

// Pause pauses playback, or resumes it when pause is false.
func (p *Player) Pause(ctx context.Context, pause bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("pause"); err != nil {
		return err
	}
	return p.pauseLocked(ctx, pause)
}

func (p *Player) pauseLocked(ctx context.Context, pause bool) error {
	if err := p.update(ctx, "pause", protocol.PlayerUpdate{Paused: &pause}); err != nil {
		return err
	}
	p.paused = pause
	p.playing = !pause
	return nil
}

// Seek moves the current track to position, clamped to its length.
func (p *Player) Seek(ctx context.Context, position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("seek"); err != nil {
		return err
	}
	if p.current == nil {
		return playerError(ErrInvalidArgument, "seek", p.guildID, errors.New("no current track"))
	}
	pos := max(position, 0)
	if length := time.Duration(p.current.Length()) * time.Millisecond; length > 0 && pos > length {
		pos = length
	}
	ms := pos.Milliseconds()
	if err := p.update(ctx, "seek", protocol.PlayerUpdate{Position: &ms}); err != nil {
		return err
	}
	p.position = pos
	return nil
}

// SetVolume sets the volume in the range 0 to 100.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("set_volume"); err != nil {
		return err
	}
	if volume < 0 || volume > 100 {
		return playerError(ErrInvalidArgument, "set_volume", p.guildID, fmt.Errorf("volume %d out of range", volume))
	}
	if err := p.update(ctx, "set_volume", protocol.PlayerUpdate{Volume: &volume}); err != nil {
		return err
	}
	p.volume = volume
	return nil
}

func (p *Player) SetLoop(mode LoopMode) error {
	if !mode.Valid() {
		return playerError(ErrInvalidArgument, "set_loop", p.guildID, fmt.Errorf("unknown loop mode %q", mode))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("set_loop"); err != nil {
		return err
	}
	p.loop = mode
	return nil
}

func (p *Player) SetTextChannel(channel snowflake.ID) error {
	if channel == 0 {
		return playerError(ErrInvalidArgument, "set_text_channel", p.guildID, errors.New("channel is required"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("set_text_channel"); err != nil {
		return err
	}
	p.textChannel = channel
	return nil
}

// SetVoiceChannel moves the player to channel and rejoins.
func (p *Player) SetVoiceChannel(ctx context.Context, channel snowflake.ID, opts VoiceOptions) error {
	if channel == 0 {
		return playerError(ErrInvalidArgument, "set_voice_channel", p.guildID, errors.New("channel is required"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("set_voice_channel"); err != nil {
		return err
	}
	if p.connected && p.voiceChannel == channel {
		return playerError(ErrAlreadyConnected, "set_voice_channel", p.guildID, nil)
	}
	p.voiceChannel = channel
	return p.connectLocked(ctx, opts)
}

// Restart pushes the local state to the current node: volume, pause flag,
// voice credentials and the current track at its last position.
func (p *Player) Restart(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("restart"); err != nil {
		return err
	}
	return p.restartLocked(ctx)
}

func (p *Player) restartLocked(ctx context.Context) error {
	volume, paused := p.volume, p.paused
	upd := protocol.PlayerUpdate{Volume: &volume, Paused: &paused}
	if p.current != nil && (p.playing || p.paused) {
		if enc := p.current.Encoded(); enc != "" {
			pos := p.position.Milliseconds()
			upd.Track = &protocol.UpdateTrack{Encoded: &enc}
			upd.Position = &pos
		}
	}
	if v := p.conn.voiceStateLocked(); v != nil {
		upd.Voice = v
	}
	return p.update(ctx, "restart", upd)
}

// Move rebinds the player to target and restores its state there.
func (p *Player) Move(ctx context.Context, target *Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("move"); err != nil {
		return err
	}
	old := p.currentNode()
	if old == target {
		return nil
	}
	if err := old.rest.DestroyPlayer(ctx, p.guildID); err != nil && !errors.Is(err, rest.ErrNoSession) {
		p.log.Debug().Err(err).Str(log.FieldNode, old.Name()).Msg("remote player cleanup on old node failed")
	}
	p.node.Store(target)
	metrics.DecActivePlayers(old.Name())
	metrics.IncActivePlayers(target.Name())

	p.log.Info().
		Str(log.FieldEvent, "player.moved").
		Str("from", old.Name()).
		Str("to", target.Name()).
		Msg("player moved to another node")
	p.m.debug(target.Name(), p.guildID, fmt.Sprintf("moved from %s to %s", old.Name(), target.Name()))
	return p.restartLocked(ctx)
}

// Destroy leaves voice, removes the remote player and unregisters. It is a
// no-op on a destroyed player.
func (p *Player) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	var errs []error
	if err := p.disconnectLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	p.destroyed = true
	p.playing = false
	p.paused = false
	close(p.done)
	node := p.currentNode()
	if err := node.rest.DestroyPlayer(ctx, p.guildID); err != nil && !errors.Is(err, rest.ErrNoSession) {
		errs = append(errs, transportError("destroy", node.Name(), p.guildID, err))
	}
	p.mu.Unlock()

	p.m.unregisterPlayer(p)
	metrics.DecActivePlayers(node.Name())
	p.log.Info().Str(log.FieldEvent, "player.destroyed").Str(log.FieldNode, node.Name()).Msg("player destroyed")
	p.m.emit(Event{Kind: EventSessionDestroyed, Node: node.Name(), GuildID: p.guildID})
	return errors.Join(errs...)
}

// HandleFrame applies a node frame addressed to this player.
func (p *Player) HandleFrame(ctx context.Context, f protocol.Frame) error {
	switch f.Op {
	case protocol.OpPlayerUpdate:
		var u protocol.PlayerUpdateFrame
		if err := f.Decode(&u); err != nil {
			return playerError(ErrProtocolAnomaly, "player_update", p.guildID, err)
		}
		return p.applyState(u.State)
	case protocol.OpEvent:
		var ev protocol.Event
		if err := f.Decode(&ev); err != nil {
			return playerError(ErrProtocolAnomaly, "event", p.guildID, err)
		}
		return p.HandleEvent(ctx, ev)
	}
	return nil
}

func (p *Player) applyState(s protocol.PlayerState) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.voiceConnected = s.Connected
	p.position = time.Duration(s.Position) * time.Millisecond
	p.ping = time.Duration(s.Ping) * time.Millisecond
	if s.Time > 0 {
		p.timestamp = time.UnixMilli(s.Time)
	}
	p.mu.Unlock()

	p.m.emit(Event{Kind: EventPlayerUpdated, Node: p.currentNode().Name(), GuildID: p.guildID, State: &s})
	return nil
}

// HandleEvent applies a playback event from the node.
func (p *Player) HandleEvent(ctx context.Context, ev protocol.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("event"); err != nil {
		return err
	}
	node := p.currentNode().Name()

	switch ev.Type {
	case protocol.EventWebSocketClosed:
		return p.socketClosedLocked(ctx, ev)
	case protocol.EventTrackStart, protocol.EventTrackEnd, protocol.EventTrackException, protocol.EventTrackStuck:
	default:
		err := playerError(ErrProtocolAnomaly, "event", p.guildID, fmt.Errorf("unknown event type %q", ev.Type))
		p.m.emit(Event{Kind: EventNodeError, Node: node, GuildID: p.guildID, Err: err})
		return err
	}

	cur := p.current
	if cur == nil {
		p.m.debug(node, p.guildID, fmt.Sprintf("%s without a current track", ev.Type))
		return nil
	}
	cur.Artwork()

	switch ev.Type {
	case protocol.EventTrackStart:
		p.playing = true
		p.paused = false
		p.m.emit(Event{Kind: EventTrackStarted, Node: node, GuildID: p.guildID, Track: cur})
		return nil
	case protocol.EventTrackEnd:
		return p.trackEndLocked(ctx, cur, ev)
	case protocol.EventTrackException:
		p.m.emit(Event{Kind: EventTrackError, Node: node, GuildID: p.guildID, Track: cur, Exception: ev.Exception})
		return p.stopLocked(ctx)
	default:
		p.m.emit(Event{
			Kind:      EventTrackStuck,
			Node:      node,
			GuildID:   p.guildID,
			Track:     cur,
			Threshold: time.Duration(ev.Threshold) * time.Millisecond,
		})
		return p.stopLocked(ctx)
	}
}

func (p *Player) trackEndLocked(ctx context.Context, cur *track.Track, ev protocol.Event) error {
	ended := Event{Kind: EventTrackEnded, Node: p.currentNode().Name(), GuildID: p.guildID, Track: cur, Reason: ev.Reason}
	p.previous = cur
	if protocol.TrackEndReason(ev.Reason) == protocol.EndReplaced {
		p.m.emit(ended)
		return nil
	}

	switch p.loop {
	case LoopTrack:
		p.queue.Unshift(cur)
		p.m.emit(ended)
		return p.playLocked(ctx)
	case LoopQueue:
		p.queue.Push(cur)
		p.m.emit(ended)
		return p.playLocked(ctx)
	}

	p.m.emit(ended)
	if p.queue.Len() > 0 {
		return p.playLocked(ctx)
	}
	p.playing = false
	p.m.emit(Event{Kind: EventQueueExhausted, Node: ended.Node, GuildID: p.guildID, Track: cur})
	if p.autoplay {
		return p.autoplayLocked(ctx, cur)
	}
	return nil
}

func (p *Player) socketClosedLocked(ctx context.Context, ev protocol.Event) error {
	var errs []error
	if ev.Code == protocol.CloseVoiceServerCrashed || ev.Code == protocol.CloseSessionTimeout {
		if err := p.connectLocked(ctx, VoiceOptions{}); err != nil {
			errs = append(errs, err)
		}
	}
	p.m.emit(Event{
		Kind:     EventSocketClosed,
		Node:     p.currentNode().Name(),
		GuildID:  p.guildID,
		Code:     ev.Code,
		Reason:   ev.Reason,
		ByRemote: ev.ByRemote,
	})
	if err := p.pauseLocked(ctx, true); err != nil {
		p.log.Warn().Err(err).Int("code", ev.Code).Msg("pause after voice socket close failed")
	}
	return errors.Join(errs...)
}

// Autoplay queues and plays a continuation of the previous track.
func (p *Player) Autoplay(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("autoplay"); err != nil {
		return err
	}
	prev := p.previous
	if prev == nil {
		prev = p.current
	}
	if prev == nil {
		return playerError(ErrInvalidArgument, "autoplay", p.guildID, errors.New("no previous track"))
	}
	return p.autoplayLocked(ctx, prev)
}

func (p *Player) autoplayLocked(ctx context.Context, prev *track.Track) error {
	source := prev.Source()
	q, err := p.m.opts.Autoplay.Continue(ctx, prev.Info())
	if err != nil {
		outcome := "error"
		if errors.Is(err, autoplay.ErrNoResolver) {
			outcome = "unsupported"
		}
		metrics.IncAutoplay(source, outcome)
		p.log.Debug().Err(err).Str(log.FieldSource, source).Msg("no autoplay continuation")
		return p.stopLocked(ctx)
	}

	// Resolve takes no player lock.
	res, err := p.m.Resolve(ctx, ResolveQuery{Query: q.Text, Source: q.Source, Requester: prev.Requester()})
	if err != nil || len(res.Tracks) == 0 {
		outcome := "empty"
		if err != nil {
			outcome = "error"
			p.log.Warn().Err(err).Str(log.FieldSource, source).Msg("autoplay lookup failed")
		}
		metrics.IncAutoplay(source, outcome)
		return p.stopLocked(ctx)
	}

	next := res.Tracks[rand.IntN(len(res.Tracks))]
	p.queue.Push(next)
	metrics.IncAutoplay(source, "queued")
	p.m.debug(res.Node, p.guildID, "autoplay queued "+next.String())
	return p.playLocked(ctx)
}

// PlayerInfo is a point in time view of a player.
type PlayerInfo struct {
	GuildID        snowflake.ID  `json:"guildId"`
	Node           string        `json:"node"`
	State          PlayerState   `json:"state"`
	VoiceChannel   snowflake.ID  `json:"voiceChannel,omitempty"`
	TextChannel    snowflake.ID  `json:"textChannel,omitempty"`
	Connected      bool          `json:"connected"`
	VoiceConnected bool          `json:"voiceConnected"`
	Volume         int           `json:"volume"`
	Loop           LoopMode      `json:"loop"`
	Autoplay       bool          `json:"autoplay"`
	Position       time.Duration `json:"position"`
	Ping           time.Duration `json:"ping"`
	Current        string        `json:"current,omitempty"`
	Queued         int           `json:"queued"`
	Region         string        `json:"region,omitempty"`
}

func (p *Player) Snapshot() PlayerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := PlayerInfo{
		GuildID:        p.guildID,
		Node:           p.currentNode().Name(),
		State:          p.stateLocked(),
		VoiceChannel:   p.voiceChannel,
		TextChannel:    p.textChannel,
		Connected:      p.connected,
		VoiceConnected: p.voiceConnected,
		Volume:         p.volume,
		Loop:           p.loop,
		Autoplay:       p.autoplay,
		Position:       p.position,
		Ping:           p.ping,
		Queued:         p.queue.Len(),
		Region:         p.conn.region,
	}
	if p.current != nil {
		info.Current = p.current.String()
	}
	return info
}
