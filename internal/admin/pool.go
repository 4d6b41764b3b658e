// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package admin

import (
	"context"

	"github.com/ManuGH/lavapool/internal/lavalink"
	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/ManuGH/lavapool/internal/track"
	"github.com/disgoorg/snowflake/v2"
)

// Pool is the view of the node pool the admin API needs.
type Pool interface {
	NodeInfos() []lavalink.NodeInfo
	NodeInfo(name string) (lavalink.NodeInfo, bool)
	PlayerInfos() []lavalink.PlayerInfo
	PlayerInfo(guild snowflake.ID) (lavalink.PlayerInfo, error)
	DestroyPlayer(ctx context.Context, guild snowflake.ID) error
	Resolve(ctx context.Context, q lavalink.ResolveQuery) (*lavalink.SearchResult, error)
	DecodeTracks(ctx context.Context, encoded []string) ([]*track.Track, error)
	// NodeAPI returns the REST surface of one registered node.
	NodeAPI(name string) (NodeAPI, bool)
}

// NodeAPI is the part of a node's REST client the admin API proxies.
// *rest.Client implements it.
type NodeAPI interface {
	Info(ctx context.Context) (*protocol.Info, error)
	Version(ctx context.Context) (string, error)
	Stats(ctx context.Context) (*protocol.Stats, error)
	Players(ctx context.Context) ([]protocol.Player, error)
	Player(ctx context.Context, guildID snowflake.ID) (*protocol.Player, error)
	RoutePlannerStatus(ctx context.Context) (*protocol.RoutePlannerStatus, error)
	FreeAddress(ctx context.Context, address string) error
	FreeAllAddresses(ctx context.Context) error
}

type managerPool struct {
	m *lavalink.Manager
}

// FromManager exposes m as a Pool.
func FromManager(m *lavalink.Manager) Pool {
	return managerPool{m: m}
}

func (p managerPool) NodeInfos() []lavalink.NodeInfo {
	nodes := p.m.Nodes()
	out := make([]lavalink.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Snapshot())
	}
	return out
}

func (p managerPool) NodeInfo(name string) (lavalink.NodeInfo, bool) {
	n, ok := p.m.Node(name)
	if !ok {
		return lavalink.NodeInfo{}, false
	}
	return n.Snapshot(), true
}

func (p managerPool) PlayerInfos() []lavalink.PlayerInfo {
	players := p.m.Players()
	out := make([]lavalink.PlayerInfo, 0, len(players))
	for _, pl := range players {
		out = append(out, pl.Snapshot())
	}
	return out
}

func (p managerPool) PlayerInfo(guild snowflake.ID) (lavalink.PlayerInfo, error) {
	pl, err := p.m.Player(guild)
	if err != nil {
		return lavalink.PlayerInfo{}, err
	}
	return pl.Snapshot(), nil
}

func (p managerPool) DestroyPlayer(ctx context.Context, guild snowflake.ID) error {
	return p.m.DestroyPlayer(ctx, guild)
}

func (p managerPool) Resolve(ctx context.Context, q lavalink.ResolveQuery) (*lavalink.SearchResult, error) {
	return p.m.Resolve(ctx, q)
}

func (p managerPool) DecodeTracks(ctx context.Context, encoded []string) ([]*track.Track, error) {
	return p.m.DecodeTracks(ctx, encoded)
}

func (p managerPool) NodeAPI(name string) (NodeAPI, bool) {
	n, ok := p.m.Node(name)
	if !ok {
		return nil, false
	}
	return n.Rest(), true
}
