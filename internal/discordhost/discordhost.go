// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package discordhost wires the node pool to a discordgo gateway session:
// outbound voice joins and inbound voice dispatches.
package discordhost

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/lavapool/internal/log"
	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"
)

// Gateway is the part of *discordgo.Session used to join and leave voice.
type Gateway interface {
	ChannelVoiceJoinManual(guildID, channelID string, mute, deaf bool) error
}

// Sender returns a send function that issues gateway opcode 4 through gw.
// A nil channel leaves voice.
func Sender(gw Gateway) func(context.Context, protocol.GatewayVoiceUpdate) error {
	return func(ctx context.Context, u protocol.GatewayVoiceUpdate) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		channel := ""
		if u.ChannelID != nil {
			channel = u.ChannelID.String()
		}
		if err := gw.ChannelVoiceJoinManual(u.GuildID.String(), channel, u.SelfMute, u.SelfDeaf); err != nil {
			return fmt.Errorf("gateway voice update: %w", err)
		}
		return nil
	}
}

// VoiceHandler consumes voice dispatches.
type VoiceHandler interface {
	HandleVoiceServerUpdate(ctx context.Context, u protocol.VoiceServerUpdate) error
	HandleVoiceStateUpdate(ctx context.Context, u protocol.VoiceStateUpdate) error
}

// Forwarder converts discordgo voice events and hands them to a VoiceHandler.
type Forwarder struct {
	h       VoiceHandler
	timeout time.Duration
	log     zerolog.Logger
}

func NewForwarder(h VoiceHandler, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{h: h, timeout: timeout, log: log.WithComponent("discordhost")}
}

// Register adds the forwarder's handlers to s and returns a function that
// removes them.
func (f *Forwarder) Register(s *discordgo.Session) func() {
	removeServer := s.AddHandler(f.OnVoiceServerUpdate)
	removeState := s.AddHandler(f.OnVoiceStateUpdate)
	return func() {
		removeServer()
		removeState()
	}
}

func (f *Forwarder) OnVoiceServerUpdate(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
	if e == nil {
		return
	}
	u, err := convertServer(e)
	if err != nil {
		f.log.Warn().Err(err).Msg("dropping voice server update")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.h.HandleVoiceServerUpdate(ctx, u); err != nil {
		f.log.Warn().Err(err).Stringer(log.FieldGuildID, u.GuildID).Msg("voice server update failed")
	}
}

func (f *Forwarder) OnVoiceStateUpdate(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if e == nil || e.VoiceState == nil {
		return
	}
	u, err := convertState(e.VoiceState)
	if err != nil {
		f.log.Warn().Err(err).Msg("dropping voice state update")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.h.HandleVoiceStateUpdate(ctx, u); err != nil {
		f.log.Warn().Err(err).Stringer(log.FieldGuildID, u.GuildID).Msg("voice state update failed")
	}
}

func convertServer(e *discordgo.VoiceServerUpdate) (protocol.VoiceServerUpdate, error) {
	guild, err := snowflake.Parse(e.GuildID)
	if err != nil {
		return protocol.VoiceServerUpdate{}, fmt.Errorf("guild id %q: %w", e.GuildID, err)
	}
	return protocol.VoiceServerUpdate{GuildID: guild, Token: e.Token, Endpoint: e.Endpoint}, nil
}

func convertState(v *discordgo.VoiceState) (protocol.VoiceStateUpdate, error) {
	guild, err := snowflake.Parse(v.GuildID)
	if err != nil {
		return protocol.VoiceStateUpdate{}, fmt.Errorf("guild id %q: %w", v.GuildID, err)
	}
	user, err := snowflake.Parse(v.UserID)
	if err != nil {
		return protocol.VoiceStateUpdate{}, fmt.Errorf("user id %q: %w", v.UserID, err)
	}
	u := protocol.VoiceStateUpdate{
		GuildID:   guild,
		UserID:    user,
		SessionID: v.SessionID,
		SelfDeaf:  v.SelfDeaf,
		SelfMute:  v.SelfMute,
	}
	if v.ChannelID != "" {
		ch, err := snowflake.Parse(v.ChannelID)
		if err != nil {
			return protocol.VoiceStateUpdate{}, fmt.Errorf("channel id %q: %w", v.ChannelID, err)
		}
		u.ChannelID = &ch
	}
	return u, nil
}

// OnReady calls init with the bot user id once the gateway session is ready.
func OnReady(init func(snowflake.ID) error) func(*discordgo.Session, *discordgo.Ready) {
	logger := log.WithComponent("discordhost")
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r == nil || r.User == nil {
			return
		}
		id, err := snowflake.Parse(r.User.ID)
		if err != nil {
			logger.Error().Err(err).Str("user_id", r.User.ID).Msg("ready carries an invalid user id")
			return
		}
		if err := init(id); err != nil {
			logger.Error().Err(err).Msg("node pool init failed")
		}
	}
}
