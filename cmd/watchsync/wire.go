// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/watchsync/internal/api"
	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/events"
	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/mediaserver"
	"github.com/tomtom215/watchsync/internal/reconcile"
	"github.com/tomtom215/watchsync/internal/scheduler"
	"github.com/tomtom215/watchsync/internal/store"
	"github.com/tomtom215/watchsync/internal/supervisor"
	"github.com/tomtom215/watchsync/internal/supervisor/services"
)

const storeGCInterval = time.Hour

func buildServers(cfg *config.Config) ([]mediaserver.MediaServer, error) {
	breaker := mediaserver.DefaultBreakerSettings()
	servers := make([]mediaserver.MediaServer, 0, len(cfg.Servers))
	for _, opts := range cfg.MediaServerOptions() {
		srv, err := mediaserver.New(opts, breaker)
		if err != nil {
			return nil, err
		}
		logging.Info().
			Str("server", opts.ID).
			Str("type", opts.Type).
			Str("url", opts.URL).
			Msg("Media server configured")
		servers = append(servers, srv)
	}
	return servers, nil
}

// eventing holds the optional event publisher and, for in-process events,
// the log sink consuming them.
type eventing struct {
	publisher *events.Publisher
	sink      *events.LogSink
}

func buildEvents(cfg *config.Config) (*eventing, error) {
	if !cfg.Events.Enabled {
		return &eventing{}, nil
	}
	if events.NATSAvailable {
		pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Topic)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		logging.Info().Str("url", cfg.Events.NATSURL).Str("topic", cfg.Events.Topic).Msg("Publishing pass events to NATS")
		return &eventing{publisher: pub}, nil
	}

	pub, bus := events.NewInProcessPublisher(cfg.Events.Topic)
	logging.Info().Str("topic", cfg.Events.Topic).Msg("Publishing pass events in-process (build with -tags=nats for NATS)")
	return &eventing{publisher: pub, sink: events.NewLogSink(bus, cfg.Events.Topic)}, nil
}

func (e *eventing) Close() {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing event publisher")
	}
}

func addServices(tree *supervisor.SupervisorTree, cfg *config.Config, sched *scheduler.Scheduler,
	runner *reconcile.Runner, st *store.Store, ev *eventing) {
	tree.AddSyncService(sched)
	if ev.sink != nil {
		tree.AddSyncService(ev.sink)
	}
	tree.AddMaintenanceService(services.NewGCService(st, storeGCInterval))

	if !cfg.API.Enabled {
		return
	}
	router := api.NewRouter(api.Config{
		Token:             cfg.API.Token,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
	}, sched, runner, st)
	server := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           router.SetupChi(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Bool("token_required", cfg.API.Token != "").Msg("Admin API enabled")
}
