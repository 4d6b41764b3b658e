// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package protocol

import (
	"encoding/json"

	"github.com/disgoorg/snowflake/v2"
)

// Gateway dispatch names the pool reacts to.
const (
	DispatchVoiceStateUpdate  = "VOICE_STATE_UPDATE"
	DispatchVoiceServerUpdate = "VOICE_SERVER_UPDATE"
)

// GatewayOpVoiceStateUpdate is the host gateway opcode used to join or leave voice.
const GatewayOpVoiceStateUpdate = 4

// GatewayPayload is an outbound host gateway message.
type GatewayPayload struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

// GatewayVoiceUpdate asks the host gateway to join (ChannelID set) or leave
// (ChannelID nil) a voice channel.
type GatewayVoiceUpdate struct {
	GuildID   snowflake.ID  `json:"guild_id"`
	ChannelID *snowflake.ID `json:"channel_id"`
	SelfMute  bool          `json:"self_mute"`
	SelfDeaf  bool          `json:"self_deaf"`
}

// VoicePacket is a raw gateway dispatch forwarded by the host.
type VoicePacket struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

// VoiceServerUpdate is the d of a VOICE_SERVER_UPDATE dispatch. An empty
// Endpoint means the voice server is being reallocated.
type VoiceServerUpdate struct {
	GuildID  snowflake.ID `json:"guild_id"`
	Token    string       `json:"token"`
	Endpoint string       `json:"endpoint"`
}

// VoiceStateUpdate is the d of a VOICE_STATE_UPDATE dispatch.
type VoiceStateUpdate struct {
	GuildID   snowflake.ID  `json:"guild_id"`
	UserID    snowflake.ID  `json:"user_id"`
	SessionID string        `json:"session_id"`
	ChannelID *snowflake.ID `json:"channel_id"`
	SelfDeaf  bool          `json:"self_deaf"`
	SelfMute  bool          `json:"self_mute"`
}
