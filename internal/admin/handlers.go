// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/lavapool/internal/lavalink"
	"github.com/ManuGH/lavapool/internal/log"
	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/ManuGH/lavapool/internal/rest"
	"github.com/ManuGH/lavapool/internal/track"
	"github.com/disgoorg/snowflake/v2"
	"github.com/go-chi/chi/v5"
)

type handlers struct {
	pool Pool
}

type errorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail, RequestID: w.Header().Get(HeaderRequestID)})
}

// writePoolError maps pool sentinels to HTTP statuses.
func writePoolError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lavalink.ErrPlayerNotFound):
		writeError(w, http.StatusNotFound, "player_not_found", err.Error())
	case errors.Is(err, lavalink.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, lavalink.ErrNoAvailableNode), errors.Is(err, lavalink.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, lavalink.ErrResolution):
		writeError(w, http.StatusBadGateway, "resolution_failed", err.Error())
	case errors.Is(err, rest.ErrNoSession):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, rest.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, rest.ErrRejected), errors.Is(err, rest.ErrUpstream),
		errors.Is(err, rest.ErrUnavailable), errors.Is(err, rest.ErrBadResponse):
		writeError(w, http.StatusBadGateway, "node_error", err.Error())
	default:
		logger := log.WithComponentFromContext(r.Context(), "admin")
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("admin request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func guildParam(w http.ResponseWriter, r *http.Request) (snowflake.ID, bool) {
	raw := chi.URLParam(r, "guild")
	id, err := snowflake.Parse(raw)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid_guild", "guild must be a snowflake id")
		return 0, false
	}
	return id, true
}

func (h *handlers) listNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.NodeInfos())
}

func (h *handlers) getNode(w http.ResponseWriter, r *http.Request) {
	info, ok := h.pool.NodeInfo(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "node_not_found", "no node with that name")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) listPlayers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.PlayerInfos())
}

func (h *handlers) getPlayer(w http.ResponseWriter, r *http.Request) {
	guild, ok := guildParam(w, r)
	if !ok {
		return
	}
	info, err := h.pool.PlayerInfo(guild)
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) deletePlayer(w http.ResponseWriter, r *http.Request) {
	guild, ok := guildParam(w, r)
	if !ok {
		return
	}
	if _, err := h.pool.PlayerInfo(guild); err != nil {
		writePoolError(w, r, err)
		return
	}
	if err := h.pool.DestroyPlayer(r.Context(), guild); err != nil {
		writePoolError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loadResponse struct {
	LoadType  protocol.LoadType      `json:"loadType"`
	Node      string                 `json:"node"`
	Tracks    []loadedTrack          `json:"tracks"`
	Playlist  *protocol.PlaylistInfo `json:"playlist,omitempty"`
	Exception *protocol.Exception    `json:"exception,omitempty"`
}

type loadedTrack struct {
	Encoded string             `json:"encoded"`
	Info    protocol.TrackInfo `json:"info"`
}

func (h *handlers) loadTracks(w http.ResponseWriter, r *http.Request) {
	q := lavalink.ResolveQuery{
		Query:  r.URL.Query().Get("identifier"),
		Source: r.URL.Query().Get("source"),
	}
	res, err := h.pool.Resolve(r.Context(), q)
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	out := loadResponse{
		LoadType:  res.LoadType,
		Node:      res.Node,
		Tracks:    loadedTracks(res.Tracks),
		Playlist:  res.Playlist,
		Exception: res.Exception,
	}
	writeJSON(w, http.StatusOK, out)
}

func loadedTracks(tracks []*track.Track) []loadedTrack {
	out := make([]loadedTrack, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, loadedTrack{Encoded: t.Encoded(), Info: t.Info()})
	}
	return out
}

const maxBodyBytes = 1 << 20

func (h *handlers) decodeTrack(w http.ResponseWriter, r *http.Request) {
	encoded := r.URL.Query().Get("encodedTrack")
	if encoded == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "encodedTrack is required")
		return
	}
	tracks, err := h.pool.DecodeTracks(r.Context(), []string{encoded})
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	if len(tracks) == 0 {
		writeError(w, http.StatusBadGateway, "node_error", "node decoded no track")
		return
	}
	writeJSON(w, http.StatusOK, loadedTracks(tracks)[0])
}

func (h *handlers) decodeTracks(w http.ResponseWriter, r *http.Request) {
	var encoded []string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&encoded); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "body must be a JSON array of encoded tracks")
		return
	}
	tracks, err := h.pool.DecodeTracks(r.Context(), encoded)
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loadedTracks(tracks))
}

func (h *handlers) nodeAPI(w http.ResponseWriter, r *http.Request) (NodeAPI, bool) {
	api, ok := h.pool.NodeAPI(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "node_not_found", "no node with that name")
		return nil, false
	}
	return api, true
}

type nodeInfoResponse struct {
	Version string         `json:"version"`
	Info    *protocol.Info `json:"info"`
}

func (h *handlers) nodeInfo(w http.ResponseWriter, r *http.Request) {
	api, ok := h.nodeAPI(w, r)
	if !ok {
		return
	}
	info, err := api.Info(r.Context())
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	version, err := api.Version(r.Context())
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodeInfoResponse{Version: version, Info: info})
}

func (h *handlers) nodeStats(w http.ResponseWriter, r *http.Request) {
	api, ok := h.nodeAPI(w, r)
	if !ok {
		return
	}
	stats, err := api.Stats(r.Context())
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) nodePlayers(w http.ResponseWriter, r *http.Request) {
	api, ok := h.nodeAPI(w, r)
	if !ok {
		return
	}
	players, err := api.Players(r.Context())
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	if players == nil {
		players = []protocol.Player{}
	}
	writeJSON(w, http.StatusOK, players)
}

func (h *handlers) nodePlayer(w http.ResponseWriter, r *http.Request) {
	api, ok := h.nodeAPI(w, r)
	if !ok {
		return
	}
	guild, ok := guildParam(w, r)
	if !ok {
		return
	}
	player, err := api.Player(r.Context(), guild)
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, player)
}

func (h *handlers) routePlannerStatus(w http.ResponseWriter, r *http.Request) {
	api, ok := h.nodeAPI(w, r)
	if !ok {
		return
	}
	status, err := api.RoutePlannerStatus(r.Context())
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	if status == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type freeAddressRequest struct {
	Address string `json:"address"`
}

func (h *handlers) freeAddress(w http.ResponseWriter, r *http.Request) {
	api, ok := h.nodeAPI(w, r)
	if !ok {
		return
	}
	var req freeAddressRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "body must carry an address")
		return
	}
	if err := api.FreeAddress(r.Context(), req.Address); err != nil {
		writePoolError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) freeAllAddresses(w http.ResponseWriter, r *http.Request) {
	api, ok := h.nodeAPI(w, r)
	if !ok {
		return
	}
	if err := api.FreeAllAddresses(r.Context()); err != nil {
		writePoolError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
