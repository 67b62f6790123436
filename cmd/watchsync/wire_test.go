// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package main

import (
	"testing"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/events"
)

func TestBuildServers(t *testing.T) {
	cfg := &config.Config{Servers: []config.ServerConfig{
		{ID: "plex", Type: "plex", URL: "http://plex:32400", Token: "t"},
		{ID: "jf", Type: "jellyfin", URL: "http://jf:8096", Token: "t"},
	}}
	servers, err := buildServers(cfg)
	if err != nil {
		t.Fatalf("buildServers: %v", err)
	}
	if len(servers) != 2 || servers[1].ID() != "jf" {
		t.Errorf("servers = %v", servers)
	}

	cfg.Servers[0].Type = "kodi"
	if _, err := buildServers(cfg); err == nil {
		t.Error("expected error for unsupported server type")
	}
}

func TestBuildEvents(t *testing.T) {
	cfg := &config.Config{}
	ev, err := buildEvents(cfg)
	if err != nil {
		t.Fatalf("buildEvents: %v", err)
	}
	if ev.publisher != nil || ev.sink != nil {
		t.Error("disabled events should build nothing")
	}
	ev.Close()

	if events.NATSAvailable {
		t.Skip("in-process events are only used without the nats tag")
	}
	cfg.Events.Enabled = true
	cfg.Events.Topic = "watchsync.passes"
	ev, err = buildEvents(cfg)
	if err != nil {
		t.Fatalf("buildEvents: %v", err)
	}
	defer ev.Close()
	if ev.publisher == nil || ev.sink == nil {
		t.Fatal("in-process events need a publisher and a sink")
	}
	if ev.publisher.Topic() != "watchsync.passes" {
		t.Errorf("topic = %q", ev.publisher.Topic())
	}
}
