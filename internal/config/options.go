// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"github.com/ManuGH/lavapool/internal/lavalink"
	"github.com/ManuGH/lavapool/internal/rest"
	"github.com/ManuGH/lavapool/internal/telemetry"
	"golang.org/x/time/rate"
)

// LavalinkNode converts a configured node to the pool's node settings.
func (n NodeConfig) LavalinkNode() lavalink.NodeConfig {
	return lavalink.NodeConfig{
		Name:     n.Name,
		Host:     n.Host,
		Port:     n.Port,
		Password: n.Password,
		Secure:   n.Secure,
		Regions:  append([]string(nil), n.Regions...),
	}
}

// ManagerOptions maps the configuration onto pool options. Send, Cache and
// Bus are left for the caller to fill.
func (c AppConfig) ManagerOptions() lavalink.Options {
	nodes := make([]lavalink.NodeConfig, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		nodes = append(nodes, n.LavalinkNode())
	}
	return lavalink.Options{
		Nodes:                 nodes,
		ClientName:            c.ClientName,
		DefaultSearchPlatform: c.Pool.SearchPlatform,
		ReconnectDelay:        c.Pool.ReconnectDelay,
		ReconnectTries:        c.Pool.ReconnectTries,
		ResumeTimeout:         c.Pool.ResumeTimeout,
		AutoResume:            c.Pool.AutoResume,
		HandshakeTimeout:      c.Pool.HandshakeTimeout,
		RequestTimeout:        c.Pool.RequestTimeout,
		Selection:             lavalink.SelectionStrategy(c.Pool.Selection),
		CacheTTL:              c.Cache.TTL,
		REST: rest.Options{
			Timeout:        c.REST.Timeout,
			MaxRetries:     c.REST.MaxRetries,
			RateLimit:      rate.Limit(c.REST.RateLimit),
			RateLimitBurst: c.REST.Burst,
			UserAgent:      c.ClientName,
		},
	}
}

// TracingOptions maps the telemetry section onto the tracer provider config.
func (c AppConfig) TracingOptions() telemetry.Config {
	names := make([]string, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		names = append(names, n.Name)
	}
	return telemetry.Config{
		Enabled:      c.Telemetry.Enabled,
		Version:      c.Version,
		ClientName:   c.ClientName,
		Environment:  c.Telemetry.Environment,
		Nodes:        names,
		Exporter:     c.Telemetry.Exporter,
		Endpoint:     c.Telemetry.Endpoint,
		SamplingRate: c.Telemetry.SamplingRate,
	}
}
