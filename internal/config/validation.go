// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"time"

	"github.com/ManuGH/lavapool/internal/validate"
)

var (
	selectionStrategies = []string{"calls-desc", "calls-asc", "penalties"}
	cacheBackends       = []string{"memory", "redis", "none"}
	logFormats          = []string{"json", "console"}
	exporters           = []string{"grpc", "http"}
)

// Validate checks a fully merged configuration and reports every problem at once.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.NotEmpty("discord.token", cfg.Discord.Token)
	v.NotEmpty("clientName", cfg.ClientName)

	if len(cfg.Nodes) == 0 {
		v.AddError("nodes", "at least one node is required", nil)
	}
	names := make([]string, 0, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		v.Host(field+".host", n.Host)
		v.Port(field+".port", n.Port)
		v.NotEmpty(field+".password", n.Password)
		names = append(names, n.Name)
	}
	v.Unique("nodes.name", names)

	v.Duration("pool.reconnectDelay", cfg.Pool.ReconnectDelay, time.Millisecond, 0)
	v.Range("pool.reconnectTries", cfg.Pool.ReconnectTries, 1, 100)
	v.Duration("pool.resumeTimeout", cfg.Pool.ResumeTimeout, time.Second, 24*time.Hour)
	v.Duration("pool.handshakeTimeout", cfg.Pool.HandshakeTimeout, time.Millisecond, 0)
	v.Duration("pool.requestTimeout", cfg.Pool.RequestTimeout, time.Millisecond, 0)
	v.OneOf("pool.selection", cfg.Pool.Selection, selectionStrategies)
	v.NotEmpty("pool.searchPlatform", cfg.Pool.SearchPlatform)

	v.Duration("rest.timeout", cfg.REST.Timeout, time.Millisecond, 0)
	v.Range("rest.maxRetries", cfg.REST.MaxRetries, -1, 10)
	if cfg.REST.RateLimit < 0 {
		v.AddError("rest.rateLimit", "value cannot be negative", cfg.REST.RateLimit)
	}
	v.NonNegative("rest.burst", cfg.REST.Burst)

	v.OneOf("cache.backend", cfg.Cache.Backend, cacheBackends)
	if cfg.Cache.Backend != "none" {
		v.Duration("cache.ttl", cfg.Cache.TTL, time.Second, 0)
	}
	if cfg.Cache.Backend == "redis" {
		v.NotEmpty("cache.redisAddr", cfg.Cache.RedisAddr)
		v.NonNegative("cache.redisDB", cfg.Cache.RedisDB)
	}

	v.ListenAddr("admin.listen", cfg.Admin.Listen)
	v.NonNegative("admin.rateLimit", cfg.Admin.RateLimit)

	if _, err := validate.ParseLogLevel(cfg.Log.Level); err != nil {
		v.AddError("log.level", err.Error(), cfg.Log.Level)
	}
	v.OneOf("log.format", cfg.Log.Format, logFormats)

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, exporters)
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("telemetry.samplingRate", "value must be between 0 and 1", cfg.Telemetry.SamplingRate)
		}
	}

	return v.Err()
}
