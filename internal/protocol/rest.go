// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

// Track is a playable track as returned by the node.
type Track struct {
	Encoded    string          `json:"encoded"`
	Info       TrackInfo       `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	UserData   json.RawMessage `json:"userData,omitempty"`
}

// TrackInfo is the decoded metadata of a track. Durations are milliseconds.
type TrackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri,omitempty"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
	ISRC       string `json:"isrc,omitempty"`
	SourceName string `json:"sourceName"`
}

// LoadType discriminates a LoadResult.
type LoadType string

const (
	LoadTrack    LoadType = "track"
	LoadPlaylist LoadType = "playlist"
	LoadSearch   LoadType = "search"
	LoadEmpty    LoadType = "empty"
	LoadError    LoadType = "error"
)

// LoadResult is the body of GET /v4/loadtracks.
type LoadResult struct {
	LoadType LoadType        `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

// PlaylistInfo describes a loaded playlist.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// Playlist is the data of a LoadPlaylist result.
type Playlist struct {
	Info       PlaylistInfo    `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	Tracks     []Track         `json:"tracks"`
}

// Decoded is the flattened content of a LoadResult.
type Decoded struct {
	Tracks    []Track
	Playlist  *PlaylistInfo
	Exception *Exception
}

// Decode flattens the load type specific data.
func (r LoadResult) Decode() (Decoded, error) {
	var out Decoded
	switch r.LoadType {
	case LoadTrack:
		var t Track
		if err := json.Unmarshal(r.Data, &t); err != nil {
			return out, fmt.Errorf("decode track result: %w", err)
		}
		out.Tracks = []Track{t}
	case LoadPlaylist:
		var p Playlist
		if err := json.Unmarshal(r.Data, &p); err != nil {
			return out, fmt.Errorf("decode playlist result: %w", err)
		}
		out.Tracks = p.Tracks
		info := p.Info
		out.Playlist = &info
	case LoadSearch:
		if err := json.Unmarshal(r.Data, &out.Tracks); err != nil {
			return out, fmt.Errorf("decode search result: %w", err)
		}
	case LoadEmpty:
	case LoadError:
		var ex Exception
		if err := json.Unmarshal(r.Data, &ex); err != nil {
			return out, fmt.Errorf("decode error result: %w", err)
		}
		out.Exception = &ex
	default:
		return out, fmt.Errorf("unknown load type %q", r.LoadType)
	}
	return out, nil
}

// VoiceState is the voice server information the node needs to join voice.
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// UpdateTrack selects the track of a player update. A nil Encoded stops playback.
type UpdateTrack struct {
	Encoded  *string         `json:"encoded"`
	UserData json.RawMessage `json:"userData,omitempty"`
}

// PlayerUpdate is the PATCH body of /v4/sessions/{sessionId}/players/{guildId}.
// Nil fields are left untouched by the node.
type PlayerUpdate struct {
	Track    *UpdateTrack `json:"track,omitempty"`
	Position *int64       `json:"position,omitempty"`
	EndTime  *int64       `json:"endTime,omitempty"`
	Volume   *int         `json:"volume,omitempty"`
	Paused   *bool        `json:"paused,omitempty"`
	Voice    *VoiceState  `json:"voice,omitempty"`
}

// Player is the node side view of a player.
type Player struct {
	GuildID snowflake.ID    `json:"guildId"`
	Track   *Track          `json:"track"`
	Volume  int             `json:"volume"`
	Paused  bool            `json:"paused"`
	State   PlayerState     `json:"state"`
	Voice   VoiceState      `json:"voice"`
	Filters json.RawMessage `json:"filters,omitempty"`
}

// SessionUpdate is the PATCH body of /v4/sessions/{sessionId}.
type SessionUpdate struct {
	Resuming *bool  `json:"resuming,omitempty"`
	Timeout  *int64 `json:"timeout,omitempty"`
}

// Session is the node response to a SessionUpdate.
type Session struct {
	Resuming bool  `json:"resuming"`
	Timeout  int64 `json:"timeout"`
}

// Info is the body of GET /v4/info.
type Info struct {
	Version        Version  `json:"version"`
	BuildTime      int64    `json:"buildTime"`
	Git            Git      `json:"git"`
	JVM            string   `json:"jvm"`
	Lavaplayer     string   `json:"lavaplayer"`
	SourceManagers []string `json:"sourceManagers"`
	Filters        []string `json:"filters"`
	Plugins        []Plugin `json:"plugins"`
}

type Version struct {
	Semver     string `json:"semver"`
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	PreRelease string `json:"preRelease,omitempty"`
}

type Git struct {
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
	CommitTime int64  `json:"commitTime"`
}

type Plugin struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RoutePlannerStatus is the body of GET /v4/routeplanner/status.
type RoutePlannerStatus struct {
	Class   *string         `json:"class"`
	Details json.RawMessage `json:"details"`
}

// ErrorResponse is the JSON error body returned by the node.
type ErrorResponse struct {
	Timestamp int64  `json:"timestamp"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	Trace     string `json:"trace,omitempty"`
}
