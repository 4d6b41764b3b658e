// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lavalink

import (
	"context"
	"errors"
	"strings"

	"github.com/ManuGH/lavapool/internal/log"
	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/disgoorg/snowflake/v2"
)

// Connection merges the two gateway voice dispatches of a guild into the
// credentials the node needs. Its fields are guarded by the player mutex.
type Connection struct {
	p *Player

	endpoint  string
	token     string
	sessionID string
	region    string
	channel   snowflake.ID
	selfMute  bool
	selfDeaf  bool
}

// VoiceInfo is a point in time view of a Connection.
type VoiceInfo struct {
	Endpoint  string       `json:"endpoint,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Region    string       `json:"region,omitempty"`
	Channel   snowflake.ID `json:"channel,omitempty"`
	SelfMute  bool         `json:"selfMute"`
	SelfDeaf  bool         `json:"selfDeaf"`
	Ready     bool         `json:"ready"`
}

// Region returns the voice region derived from the last endpoint, or the
// region the player was created with.
func (c *Connection) Region() string {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.region
}

func (c *Connection) Info() VoiceInfo {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return VoiceInfo{
		Endpoint:  c.endpoint,
		SessionID: c.sessionID,
		Region:    c.region,
		Channel:   c.channel,
		SelfMute:  c.selfMute,
		SelfDeaf:  c.selfDeaf,
		Ready:     c.voiceStateLocked() != nil,
	}
}

// SetServerUpdate stores the voice server credentials, resumes a paused
// player and pushes the voice state to the node.
func (c *Connection) SetServerUpdate(ctx context.Context, u protocol.VoiceServerUpdate) error {
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("voice_server_update"); err != nil {
		return err
	}
	if u.Endpoint == "" {
		return playerError(ErrInvalidVoiceSession, "voice_server_update", p.guildID, errors.New("missing endpoint"))
	}

	c.endpoint = u.Endpoint
	c.token = u.Token
	if region := regionFromEndpoint(u.Endpoint); region != "" {
		c.region = region
	}
	p.log.Debug().
		Str(log.FieldRegion, c.region).
		Str(log.FieldEvent, "voice.server_update").
		Msg("voice server update")

	if p.paused {
		if err := p.pauseLocked(ctx, false); err != nil {
			return err
		}
	}
	return c.pushLocked(ctx)
}

// SetStateUpdate tracks channel moves and the voice session id. A cleared
// channel destroys the player.
func (c *Connection) SetStateUpdate(ctx context.Context, u protocol.VoiceStateUpdate) error {
	p := c.p
	if u.ChannelID == nil || *u.ChannelID == 0 {
		p.log.Info().Str(log.FieldEvent, "voice.left").Msg("bot left voice, destroying player")
		return p.Destroy(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked("voice_state_update"); err != nil {
		return err
	}

	if next := *u.ChannelID; c.channel != 0 && next != c.channel {
		old := c.channel
		c.channel = next
		p.voiceChannel = next
		p.m.emit(Event{
			Kind:       EventSessionMoved,
			Node:       p.currentNode().Name(),
			GuildID:    p.guildID,
			OldChannel: old,
			NewChannel: next,
		})
	}

	c.selfDeaf = u.SelfDeaf
	c.selfMute = u.SelfMute
	changed := c.sessionID != u.SessionID
	c.sessionID = u.SessionID

	// a server update that arrived first is pushed again with the session id
	if changed && c.endpoint != "" && c.token != "" {
		return c.pushLocked(ctx)
	}
	return nil
}

func (c *Connection) voiceStateLocked() *protocol.VoiceState {
	if c.endpoint == "" || c.token == "" {
		return nil
	}
	return &protocol.VoiceState{Token: c.token, Endpoint: c.endpoint, SessionID: c.sessionID}
}

func (c *Connection) pushLocked(ctx context.Context) error {
	voice := protocol.VoiceState{Token: c.token, Endpoint: c.endpoint, SessionID: c.sessionID}
	return c.p.update(ctx, "set_voice", protocol.PlayerUpdate{Voice: &voice})
}

// regionFromEndpoint turns "us-east1234.discord.media:443" into "us-east".
func regionFromEndpoint(endpoint string) string {
	host := strings.TrimPrefix(endpoint, "wss://")
	label, _, _ := strings.Cut(host, ".")
	label, _, _ = strings.Cut(label, ":")
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return -1
		}
		return r
	}, label)
}
