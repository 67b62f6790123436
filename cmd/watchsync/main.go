// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package main is the entry point for Watchsync.
//
// Watchsync keeps watched status and playback progress consistent across
// Plex, Jellyfin and Emby servers. Each pass lists every server, matches
// the same item across servers, maps accounts to canonical users and
// writes the most advanced state to every server that lags behind.
//
// # Startup
//
//  1. Configuration: Koanf v2 (defaults, config.yaml, environment)
//  2. Logging: zerolog
//  3. Media servers: one adapter per configured server, each behind a
//     circuit breaker
//  4. State store: BadgerDB run mark and pass history
//  5. Events (optional): in-process, or NATS JetStream with -tags=nats
//  6. Runner and scheduler
//  7. Supervisor tree: scheduler, store GC and the admin API (optional)
//
// With schedule.run_once (RUN_ONLY_ONCE=true) a single pass runs and the
// process exits non-zero unless the pass completed or degraded.
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the running pass between stages; its report
// is still persisted before the process exits.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/models"
	"github.com/tomtom215/watchsync/internal/reconcile"
	"github.com/tomtom215/watchsync/internal/scheduler"
	"github.com/tomtom215/watchsync/internal/store"
	"github.com/tomtom215/watchsync/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Error().Err(err).Msg("Failed to load configuration")
		return 2
	}
	logging.Init(cfg.LoggingConfig())

	logging.Info().
		Strs("servers", cfg.ServerIDs()).
		Str("direction", cfg.Direction.Mode).
		Bool("dry_run", cfg.Sync.DryRun).
		Msg("Starting Watchsync")

	servers, err := buildServers(cfg)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to create media server clients")
		return 2
	}

	st, err := store.Open(cfg.Store.Path, cfg.Store.ReportRetention)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to open state store")
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing state store")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	ev, err := buildEvents(cfg)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to create event publisher")
		return 1
	}
	defer ev.Close()

	runnerOpts := []reconcile.RunnerOption{reconcile.WithMarkStore(st), reconcile.WithPlaylistStore(st)}
	if ev.publisher != nil {
		runnerOpts = append(runnerOpts, reconcile.WithPublisher(ev.publisher))
	}
	runner := reconcile.NewRunner(servers, cfg.RunnerOptions(), runnerOpts...)

	sched, err := scheduler.New(runner, st, cfg.SchedulerConfig())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to create scheduler")
		return 2
	}

	if cfg.Schedule.RunOnce {
		return runOnce(ctx, sched)
	}
	return serve(ctx, cfg, sched, runner, st, ev)
}

func runOnce(ctx context.Context, sched *scheduler.Scheduler) int {
	logging.Info().Msg("Running a single pass (run_once)")
	report, err := sched.RunOnce(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Pass failed")
		return 1
	}
	switch report.Status {
	case models.PassCompleted, models.PassDegraded:
		return 0
	default:
		logging.Error().Str("status", string(report.Status)).Msg("Pass did not complete")
		return 1
	}
}

func serve(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler, runner *reconcile.Runner,
	st *store.Store, ev *eventing) int {
	tree := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	addServices(tree, cfg, sched, runner, st, ev)

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
	}
	logging.Info().Msg("Watchsync stopped")
	return 0
}
