// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package protocol holds the wire formats spoken with a Lavalink v4 node:
// inbound socket frames, REST bodies and the host gateway voice payloads.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

// Op tags an inbound socket frame.
type Op string

const (
	OpReady        Op = "ready"
	OpStats        Op = "stats"
	OpPlayerUpdate Op = "playerUpdate"
	OpEvent        Op = "event"
)

// EventType is the "type" field of an OpEvent frame.
type EventType string

const (
	EventTrackStart      EventType = "TrackStartEvent"
	EventTrackEnd        EventType = "TrackEndEvent"
	EventTrackException  EventType = "TrackExceptionEvent"
	EventTrackStuck      EventType = "TrackStuckEvent"
	EventWebSocketClosed EventType = "WebSocketClosedEvent"
)

// TrackEndReason is the reason carried by a TrackEndEvent.
type TrackEndReason string

const (
	EndFinished   TrackEndReason = "finished"
	EndLoadFailed TrackEndReason = "loadFailed"
	EndStopped    TrackEndReason = "stopped"
	EndReplaced   TrackEndReason = "replaced"
	EndCleanup    TrackEndReason = "cleanup"
)

// Frame is a decoded inbound socket message. Raw keeps the untouched payload
// so consumers can decode the op specific body lazily.
type Frame struct {
	Op      Op              `json:"op"`
	GuildID snowflake.ID    `json:"guildId,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// DecodeFrame parses the envelope of an inbound socket message.
func DecodeFrame(data []byte) (Frame, error) {
	var env struct {
		Op      Op     `json:"op"`
		GuildID string `json:"guildId"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	f := Frame{Op: env.Op, Raw: append(json.RawMessage(nil), data...)}
	if env.GuildID != "" {
		id, err := snowflake.Parse(env.GuildID)
		if err != nil {
			return Frame{}, fmt.Errorf("decode frame guildId %q: %w", env.GuildID, err)
		}
		f.GuildID = id
	}
	return f, nil
}

// Decode unmarshals the full frame into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Op, err)
	}
	return nil
}

// Ready is sent once after the socket handshake.
type Ready struct {
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// Stats is the periodic node health report.
type Stats struct {
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         Memory      `json:"memory"`
	CPU            CPU         `json:"cpu"`
	FrameStats     *FrameStats `json:"frameStats,omitempty"`
}

type Memory struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

type CPU struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats is absent until the node has sent audio for a minute.
type FrameStats struct {
	Sent    int `json:"sent"`
	Nulled  int `json:"nulled"`
	Deficit int `json:"deficit"`
}

// PlayerState is the position report inside playerUpdate frames and player bodies.
type PlayerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

// PlayerUpdateFrame is an OpPlayerUpdate frame.
type PlayerUpdateFrame struct {
	GuildID snowflake.ID `json:"guildId"`
	State   PlayerState  `json:"state"`
}

// Exception describes a track failure.
type Exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

// Event is an OpEvent frame. Fields are populated according to Type.
type Event struct {
	Type      EventType    `json:"type"`
	GuildID   snowflake.ID `json:"guildId"`
	Track     *Track       `json:"track,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Exception *Exception   `json:"exception,omitempty"`
	Threshold int64        `json:"thresholdMs,omitempty"`
	Code      int          `json:"code,omitempty"`
	ByRemote  bool         `json:"byRemote,omitempty"`
}

// Close codes of WebSocketClosedEvent that require a fresh voice join.
const (
	CloseSessionTimeout     = 4009
	CloseVoiceServerCrashed = 4015
)
