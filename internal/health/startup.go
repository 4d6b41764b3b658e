// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ManuGH/lavapool/internal/config"
	"github.com/ManuGH/lavapool/internal/log"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNoReachableNode is returned by PerformStartupChecks when every
// configured node refuses TCP connections.
var ErrNoReachableNode = errors.New("no configured node is reachable")

const dialTimeout = 3 * time.Second

// PerformStartupChecks probes the environment before the pool starts.
// Unreachable nodes are logged; startup fails only when none answers.
func PerformStartupChecks(ctx context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkNodes(ctx, logger, cfg.Nodes); err != nil {
		return fmt.Errorf("node check failed: %w", err)
	}
	if cfg.Cache.Backend == "memory" {
		logger.Info().Msg("search cache is in-memory; entries are lost on restart")
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkNodes(ctx context.Context, logger zerolog.Logger, nodes []config.NodeConfig) error {
	reachable := make([]bool, len(nodes))
	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() error {
			addr := net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
			dctx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()
			var d net.Dialer
			conn, err := d.DialContext(dctx, "tcp", addr)
			if err != nil {
				logger.Warn().Err(err).Str(log.FieldNode, n.Name).Str("addr", addr).Msg("node not reachable")
				return nil
			}
			_ = conn.Close()
			reachable[i] = true
			logger.Info().Str(log.FieldNode, n.Name).Str("addr", addr).Msg("node reachable")
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range reachable {
		if ok {
			return nil
		}
	}
	return ErrNoReachableNode
}
