// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads lavapool configuration.
//
// Precedence is ENV > YAML file > defaults. The file is parsed strictly;
// unknown keys are an error. Environment variables carry the LAVAPOOL_
// prefix, e.g. LAVAPOOL_DISCORD_TOKEN or LAVAPOOL_POOL_RECONNECT_DELAY.
package config
