// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const exampleHeader = `# lavapool configuration
# Every key can be overridden with LAVAPOOL_<SECTION>_<KEY>, e.g. LAVAPOOL_DISCORD_TOKEN.
# Keep the bot token out of this file and set LAVAPOOL_DISCORD_TOKEN instead.
`

// Example returns the configuration written by WriteExample.
func Example() AppConfig {
	cfg := Defaults()
	cfg.Nodes = []NodeConfig{{
		Name:     "local",
		Host:     "127.0.0.1",
		Port:     2333,
		Password: "youshallnotpass",
	}}
	return cfg
}

// ErrExists is returned by WriteExample when the target file is present and
// overwrite was not requested.
var ErrExists = errors.New("config file already exists")

// WriteExample writes Example to path atomically.
func WriteExample(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrExists)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}

	body, err := yaml.Marshal(Example())
	if err != nil {
		return fmt.Errorf("encode example: %w", err)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending config file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(append([]byte(exampleHeader), body...)); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace config: %w", err)
	}
	return nil
}
