// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ManuGH/lavapool/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// loadEnvFiles loads dotenv files without overriding variables already set.
// A missing default .env is not an error.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func loadConfig(flags *rootFlags) (*config.Loader, config.AppConfig, error) {
	if err := loadEnvFiles(flags.envFiles); err != nil {
		return nil, config.AppConfig{}, err
	}
	loader := config.NewLoader(flags.configPath, version)
	cfg, err := loader.Load()
	if err != nil {
		return nil, cfg, err
	}
	return loader, cfg, nil
}

func newConfigCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write an example config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = "lavapool.yaml"
			}
			if err := config.WriteExample(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %d node(s)\n", len(cfg.Nodes))
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
