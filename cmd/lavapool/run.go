// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuGH/lavapool/internal/admin"
	"github.com/ManuGH/lavapool/internal/bus"
	"github.com/ManuGH/lavapool/internal/config"
	"github.com/ManuGH/lavapool/internal/discordhost"
	"github.com/ManuGH/lavapool/internal/health"
	"github.com/ManuGH/lavapool/internal/lavalink"
	"github.com/ManuGH/lavapool/internal/log"
	"github.com/ManuGH/lavapool/internal/telemetry"
	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 15 * time.Second

func newRunCmd(flags *rootFlags) *cobra.Command {
	var skipChecks bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and run the node pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Configure(log.Config{Service: "lavapool", Version: version})
			loader, cfg, err := loadConfig(flags)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			log.Reconfigure(log.Config{
				Level:   cfg.Log.Level,
				Service: "lavapool",
				Version: cfg.Version,
				Console: cfg.Log.Format == "console",
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if !skipChecks {
				if err := health.PerformStartupChecks(ctx, cfg); err != nil {
					return err
				}
			}
			return run(ctx, loader, cfg)
		},
	}
	cmd.Flags().BoolVar(&skipChecks, "skip-startup-checks", false, "do not probe nodes before starting")
	return cmd
}

func run(ctx context.Context, loader *config.Loader, cfg config.AppConfig) error {
	logger := log.WithComponent("daemon")

	tp, err := telemetry.NewProvider(ctx, cfg.TracingOptions())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	searchCache, cacheCheck, err := buildCache(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("search cache: %w", err)
	}

	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	opts := cfg.ManagerOptions()
	opts.Send = discordhost.Sender(session)
	opts.Cache = searchCache
	opts.Bus = bus.NewMemoryBus(256)
	pool, err := lavalink.New(opts)
	if err != nil {
		return fmt.Errorf("node pool: %w", err)
	}

	forwarder := discordhost.NewForwarder(pool, cfg.Pool.RequestTimeout)
	unregister := forwarder.Register(session)
	removeReady := session.AddHandler(discordhost.OnReady(pool.Init))

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewNodePoolChecker(health.PoolNodes(pool)))
	if cacheCheck != nil {
		hm.RegisterChecker(cacheCheck)
	}
	hm.RegisterChecker(health.CheckerFunc{CheckName: "discord", Fn: func(context.Context) health.CheckResult {
		if !pool.Initialized() {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "waiting for gateway ready"}
		}
		return health.CheckResult{Status: health.StatusHealthy, Message: "ready"}
	}})

	if err := session.Open(); err != nil {
		_ = pool.Close(context.WithoutCancel(ctx))
		_ = searchCache.Close()
		return fmt.Errorf("open discord gateway: %w", err)
	}
	logger.Info().Int("nodes", len(cfg.Nodes)).Str("event", "daemon.started").Msg("lavapool started")

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.Listen != "" {
		router := admin.NewRouter(admin.Deps{Pool: admin.FromManager(pool), Health: hm, RateLimit: cfg.Admin.RateLimit})
		g.Go(func() error { return admin.ListenAndServe(gctx, cfg.Admin.Listen, router) })
	}

	holder := config.NewHolder(cfg, loader)
	changes := make(chan config.Change, 4)
	holder.RegisterListener(changes)
	g.Go(func() error { return holder.Watch(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case change := <-changes:
				reloadNodes(gctx, pool, change, logger)
			}
		}
	})

	runErr := g.Wait()

	logger.Info().Str("event", "daemon.stopping").Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()

	removeReady()
	unregister()
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("node pool close")
	}
	if err := session.Close(); err != nil {
		logger.Warn().Err(err).Msg("discord session close")
	}
	if err := searchCache.Close(); err != nil {
		logger.Warn().Err(err).Msg("search cache close")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("telemetry shutdown")
	}
	return runErr
}

func reloadNodes(ctx context.Context, pool *lavalink.Manager, change config.Change, logger zerolog.Logger) {
	if change.Nodes.Empty() {
		return
	}
	if !pool.Initialized() {
		logger.Warn().Str("event", "config.nodes_deferred").Msg("node changes ignored until the gateway is ready; restart to apply")
		return
	}
	if err := applyNodeDiff(ctx, pool, change.Nodes, logger); err != nil {
		logger.Error().Err(err).Str("event", "config.nodes_apply_failed").Msg("applying node changes failed")
	}
}
