// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/disgoorg/snowflake/v2"
)

const (
	routeLoadTracks    = "/v4/loadtracks"
	routePlayers       = "/v4/sessions/{sessionId}/players"
	routePlayer        = "/v4/sessions/{sessionId}/players/{guildId}"
	routeSession       = "/v4/sessions/{sessionId}"
	routeDecodeTrack   = "/v4/decodetrack"
	routeDecodeTracks  = "/v4/decodetracks"
	routeInfo          = "/v4/info"
	routeStats         = "/v4/stats"
	routeVersion       = "/version"
	routePlannerStatus = "/v4/routeplanner/status"
	routePlannerFree   = "/v4/routeplanner/free/address"
	routePlannerAll    = "/v4/routeplanner/free/all"
)

func (c *Client) sessionPath(op string) (string, error) {
	sid := c.SessionID()
	if sid == "" {
		return "", &Error{Sentinel: ErrNoSession, Node: c.node, Operation: op}
	}
	return "/" + APIVersion + "/sessions/" + url.PathEscape(sid), nil
}

// LoadTracks resolves an identifier (URL or "source:query").
func (c *Client) LoadTracks(ctx context.Context, identifier string) (*protocol.LoadResult, error) {
	var out protocol.LoadResult
	_, err := c.do(ctx, call{
		op:     "loadtracks",
		method: http.MethodGet,
		route:  routeLoadTracks,
		path:   routeLoadTracks,
		query:  url.Values{"identifier": []string{identifier}},
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePlayer patches the remote player of guildID. With noReplace set the
// node keeps a track already playing.
func (c *Client) UpdatePlayer(ctx context.Context, guildID snowflake.ID, upd protocol.PlayerUpdate, noReplace bool) (*protocol.Player, error) {
	base, err := c.sessionPath("update_player")
	if err != nil {
		return nil, err
	}
	var out protocol.Player
	_, err = c.do(ctx, call{
		op:     "update_player",
		method: http.MethodPatch,
		route:  routePlayer,
		path:   base + "/players/" + guildID.String(),
		query:  url.Values{"noReplace": []string{strconv.FormatBool(noReplace)}},
		body:   upd,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DestroyPlayer removes the remote player of guildID.
func (c *Client) DestroyPlayer(ctx context.Context, guildID snowflake.ID) error {
	base, err := c.sessionPath("destroy_player")
	if err != nil {
		return err
	}
	_, err = c.do(ctx, call{
		op:     "destroy_player",
		method: http.MethodDelete,
		route:  routePlayer,
		path:   base + "/players/" + guildID.String(),
	})
	return err
}

// Players lists the remote players of the current session.
func (c *Client) Players(ctx context.Context) ([]protocol.Player, error) {
	base, err := c.sessionPath("players")
	if err != nil {
		return nil, err
	}
	var out []protocol.Player
	if _, err := c.do(ctx, call{op: "players", method: http.MethodGet, route: routePlayers, path: base + "/players", out: &out}); err != nil {
		return nil, err
	}
	return out, nil
}

// Player fetches one remote player.
func (c *Client) Player(ctx context.Context, guildID snowflake.ID) (*protocol.Player, error) {
	base, err := c.sessionPath("player")
	if err != nil {
		return nil, err
	}
	var out protocol.Player
	if _, err := c.do(ctx, call{op: "player", method: http.MethodGet, route: routePlayer, path: base + "/players/" + guildID.String(), out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSession configures resuming of the current session.
func (c *Client) UpdateSession(ctx context.Context, upd protocol.SessionUpdate) (*protocol.Session, error) {
	base, err := c.sessionPath("update_session")
	if err != nil {
		return nil, err
	}
	var out protocol.Session
	if _, err := c.do(ctx, call{op: "update_session", method: http.MethodPatch, route: routeSession, path: base, body: upd, out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecodeTrack decodes a single encoded track.
func (c *Client) DecodeTrack(ctx context.Context, encoded string) (*protocol.Track, error) {
	var out protocol.Track
	_, err := c.do(ctx, call{
		op:     "decodetrack",
		method: http.MethodGet,
		route:  routeDecodeTrack,
		path:   routeDecodeTrack,
		query:  url.Values{"encodedTrack": []string{encoded}},
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DecodeTracks decodes several encoded tracks in one call.
func (c *Client) DecodeTracks(ctx context.Context, encoded []string) ([]protocol.Track, error) {
	var out []protocol.Track
	if _, err := c.do(ctx, call{op: "decodetracks", method: http.MethodPost, route: routeDecodeTracks, path: routeDecodeTracks, body: encoded, out: &out}); err != nil {
		return nil, err
	}
	return out, nil
}

// Info returns the node build information.
func (c *Client) Info(ctx context.Context) (*protocol.Info, error) {
	var out protocol.Info
	if _, err := c.do(ctx, call{op: "info", method: http.MethodGet, route: routeInfo, path: routeInfo, out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the node statistics. Frame stats are always nil here.
func (c *Client) Stats(ctx context.Context) (*protocol.Stats, error) {
	var out protocol.Stats
	if _, err := c.do(ctx, call{op: "stats", method: http.MethodGet, route: routeStats, path: routeStats, out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

// Version returns the plain text node version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var raw []byte
	if _, err := c.do(ctx, call{op: "version", method: http.MethodGet, route: routeVersion, path: routeVersion, raw: &raw}); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// RoutePlannerStatus returns nil without error when no route planner is configured.
func (c *Client) RoutePlannerStatus(ctx context.Context) (*protocol.RoutePlannerStatus, error) {
	var out protocol.RoutePlannerStatus
	status, err := c.do(ctx, call{op: "routeplanner_status", method: http.MethodGet, route: routePlannerStatus, path: routePlannerStatus, out: &out})
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// FreeAddress unmarks a failing address of the route planner.
func (c *Client) FreeAddress(ctx context.Context, address string) error {
	_, err := c.do(ctx, call{
		op:     "routeplanner_free",
		method: http.MethodPost,
		route:  routePlannerFree,
		path:   routePlannerFree,
		body:   map[string]string{"address": address},
	})
	return err
}

// FreeAllAddresses unmarks every failing address of the route planner.
func (c *Client) FreeAllAddresses(ctx context.Context) error {
	_, err := c.do(ctx, call{op: "routeplanner_free_all", method: http.MethodPost, route: routePlannerAll, path: routePlannerAll})
	return err
}
