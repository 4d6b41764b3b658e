// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "LAVAPOOL_"

// AppConfig is the full runtime configuration of the lavapool binary.
type AppConfig struct {
	Version    string `yaml:"-"`
	ClientName string `yaml:"clientName,omitempty" env:"CLIENT_NAME"`

	Discord   DiscordConfig   `yaml:"discord" envPrefix:"DISCORD_"`
	Nodes     []NodeConfig    `yaml:"nodes"`
	Pool      PoolConfig      `yaml:"pool" envPrefix:"POOL_"`
	REST      RESTConfig      `yaml:"rest" envPrefix:"REST_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Admin     AdminConfig     `yaml:"admin" envPrefix:"ADMIN_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

type DiscordConfig struct {
	Token string `yaml:"token,omitempty" env:"TOKEN"`
}

// NodeConfig describes one Lavalink server. Nodes are file-only.
type NodeConfig struct {
	Name     string   `yaml:"name"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Secure   bool     `yaml:"secure,omitempty"`
	Regions  []string `yaml:"regions,omitempty"`
}

type PoolConfig struct {
	ReconnectDelay   time.Duration `yaml:"reconnectDelay" env:"RECONNECT_DELAY"`
	ReconnectTries   int           `yaml:"reconnectTries" env:"RECONNECT_TRIES"`
	ResumeTimeout    time.Duration `yaml:"resumeTimeout" env:"RESUME_TIMEOUT"`
	AutoResume       bool          `yaml:"autoResume" env:"AUTO_RESUME"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout" env:"HANDSHAKE_TIMEOUT"`
	RequestTimeout   time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`
	Selection        string        `yaml:"selection" env:"SELECTION"`
	SearchPlatform   string        `yaml:"searchPlatform" env:"SEARCH_PLATFORM"`
}

type RESTConfig struct {
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"maxRetries" env:"MAX_RETRIES"`
	RateLimit  float64       `yaml:"rateLimit" env:"RATE_LIMIT"`
	Burst      int           `yaml:"burst" env:"BURST"`
}

// CacheConfig selects the search result cache. Backend is "memory", "redis" or "none".
type CacheConfig struct {
	Backend       string        `yaml:"backend" env:"BACKEND"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	RedisAddr     string        `yaml:"redisAddr,omitempty" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redisPassword,omitempty" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redisDB,omitempty" env:"REDIS_DB"`
	RedisPrefix   string        `yaml:"redisPrefix,omitempty" env:"REDIS_PREFIX"`
}

// AdminConfig configures the admin HTTP listener. An empty Listen disables it.
type AdminConfig struct {
	Listen    string `yaml:"listen" env:"LISTEN"`
	RateLimit int    `yaml:"rateLimit" env:"RATE_LIMIT"` // requests per minute per client IP
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // "json" or "console"
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	Exporter     string  `yaml:"exporter" env:"EXPORTER"` // "grpc" or "http"
	Endpoint     string  `yaml:"endpoint,omitempty" env:"ENDPOINT"`
	SamplingRate float64 `yaml:"samplingRate" env:"SAMPLING_RATE"`
	Environment  string  `yaml:"environment,omitempty" env:"ENVIRONMENT"`
}

// Defaults returns a configuration with every optional field populated.
func Defaults() AppConfig {
	return AppConfig{
		ClientName: "lavapool",
		Pool: PoolConfig{
			ReconnectDelay:   5 * time.Second,
			ReconnectTries:   3,
			ResumeTimeout:    60 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			RequestTimeout:   10 * time.Second,
			Selection:        "calls-desc",
			SearchPlatform:   "ytsearch",
		},
		REST: RESTConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 1,
			RateLimit:  50,
			Burst:      100,
		},
		Cache: CacheConfig{
			Backend:     "memory",
			TTL:         5 * time.Minute,
			RedisPrefix: "lavapool:",
		},
		Admin: AdminConfig{
			Listen:    ":9090",
			RateLimit: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			SamplingRate: 1,
		},
	}
}

// nodeDefaults fills per-node fields the file may omit.
func nodeDefaults(n NodeConfig) NodeConfig {
	if n.Port == 0 {
		n.Port = 2333
	}
	if n.Password == "" {
		n.Password = "youshallnotpass"
	}
	if n.Name == "" {
		n.Name = n.Host
	}
	return n
}
