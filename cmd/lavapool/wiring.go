// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/lavapool/internal/cache"
	"github.com/ManuGH/lavapool/internal/config"
	"github.com/ManuGH/lavapool/internal/health"
	"github.com/ManuGH/lavapool/internal/lavalink"
	"github.com/ManuGH/lavapool/internal/log"
	"github.com/rs/zerolog"
)

// buildCache returns the search cache and, for networked backends, a
// readiness checker for it.
func buildCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, health.Checker, error) {
	switch cfg.Backend {
	case "none":
		return cache.NewNoOpCache(), nil, nil
	case "redis":
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, log.WithComponent("cache"))
		if err != nil {
			return nil, nil, err
		}
		return rc, health.NewPingChecker("search_cache", rc, 0), nil
	default:
		return cache.NewMemoryCache(cfg.TTL), nil, nil
	}
}

// nodePool is the part of the manager a config reload touches.
type nodePool interface {
	CreateNode(cfg lavalink.NodeConfig) (*lavalink.Node, error)
	DestroyNode(ctx context.Context, name string) error
}

// applyNodeDiff brings the pool in line with a reloaded node list. New
// names are added before removals so players have a node to move to;
// changed nodes are recreated last.
func applyNodeDiff(ctx context.Context, pool nodePool, diff config.NodeDiff, logger zerolog.Logger) error {
	replaced := make(map[string]bool, len(diff.Removed))
	for _, n := range diff.Removed {
		replaced[n.Name] = true
	}

	var err error
	create := func(n config.NodeConfig) {
		if _, cerr := pool.CreateNode(n.LavalinkNode()); cerr != nil {
			err = errors.Join(err, fmt.Errorf("create node %s: %w", n.Name, cerr))
			return
		}
		logger.Info().Str(log.FieldNode, n.Name).Str("event", "config.node_added").Msg("node added from config")
	}

	for _, n := range diff.Added {
		if !replaced[n.Name] {
			create(n)
		}
	}
	for _, n := range diff.Removed {
		if derr := pool.DestroyNode(ctx, n.Name); derr != nil {
			err = errors.Join(err, fmt.Errorf("destroy node %s: %w", n.Name, derr))
			continue
		}
		logger.Info().Str(log.FieldNode, n.Name).Str("event", "config.node_removed").Msg("node removed from config")
	}
	for _, n := range diff.Added {
		if replaced[n.Name] {
			create(n)
		}
	}
	return err
}
