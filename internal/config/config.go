// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package config loads Watchsync configuration with Koanf v2.
//
// Configuration Loading Order:
//  1. Defaults: built-in values from defaultConfig()
//  2. Config File: optional YAML file (CONFIG_PATH or the default paths)
//  3. Environment Variables: an explicit allow-list of names
//
// Servers are normally configured in YAML. For container deployments they
// can also come from comma-separated environment lists (SERVER_URLS,
// SERVER_TOKENS, SERVER_TYPES, SERVER_IDS) or the per-backend variables
// PLEX_BASEURL/PLEX_TOKEN, JELLYFIN_BASEURL/JELLYFIN_TOKEN and
// EMBY_BASEURL/EMBY_TOKEN.
package config

import (
	"time"
)

// Config is the complete application configuration.
type Config struct {
	Servers   []ServerConfig  `koanf:"servers" validate:"dive"`
	Users     UsersConfig     `koanf:"users"`
	Libraries LibrariesConfig `koanf:"libraries"`
	Direction DirectionConfig `koanf:"direction"`
	Sync      SyncConfig      `koanf:"sync"`
	Schedule  ScheduleConfig  `koanf:"schedule"`
	Store     StoreConfig     `koanf:"store"`
	Events    EventsConfig    `koanf:"events"`
	API       APIConfig       `koanf:"api"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig describes one media server.
type ServerConfig struct {
	ID       string `koanf:"id" validate:"required,server_id"`
	Type     string `koanf:"type" validate:"required,oneof=plex jellyfin emby"`
	URL      string `koanf:"url" validate:"required,url"`
	Token    string `koanf:"token" validate:"required"`
	ReadOnly bool   `koanf:"read_only"`

	// UserTokens holds Plex per-account tokens keyed by account name or id.
	// Writes for managed Plex users need the user's own token.
	UserTokens map[string]string `koanf:"user_tokens"`

	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gte=0"`
	Timeout           time.Duration `koanf:"timeout" validate:"gte=0"`
}

// UsersConfig controls user correspondence and filtering.
type UsersConfig struct {
	// Mapping is canonical user -> server id -> local account name.
	Mapping map[string]map[string]string `koanf:"mapping"`
	Allow   []string                     `koanf:"allow"`
	Deny    []string                     `koanf:"deny"`
}

// LibrariesConfig controls library scopes and filtering.
type LibrariesConfig struct {
	Allow      []string `koanf:"allow"`
	Deny       []string `koanf:"deny"`
	TypesAllow []string `koanf:"types_allow"`
	TypesDeny  []string `koanf:"types_deny"`

	// Mapping renames a server library to the name it shares with the
	// other servers, e.g. "Series" -> "TV Shows".
	Mapping map[string]string `koanf:"mapping"`
}

// DirectionConfig selects multi-way or one-way sync.
type DirectionConfig struct {
	Mode      string   `koanf:"mode" validate:"oneof=multi one-way"`
	Receivers []string `koanf:"receivers"`
}

// SyncConfig tunes one reconciliation pass.
type SyncConfig struct {
	DryRun            bool          `koanf:"dry_run"`
	Workers           int           `koanf:"workers" validate:"min=1,max=64"`
	CallTimeout       time.Duration `koanf:"call_timeout" validate:"gt=0"`
	RetryAttempts     int           `koanf:"retry_attempts" validate:"min=1,max=10"`
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay" validate:"gte=0"`
	RetryMaxDelay     time.Duration `koanf:"retry_max_delay" validate:"gte=0"`
	MinProgress       time.Duration `koanf:"min_progress" validate:"gte=0"`
	ReleaseTags       []string      `koanf:"release_tags"`
	// Playlists syncs video playlists on servers that support them.
	Playlists bool `koanf:"playlists"`
}

// ScheduleConfig controls when passes run.
type ScheduleConfig struct {
	// Cron is a 5-field expression; when empty Interval is used.
	Cron        string        `koanf:"cron"`
	Interval    time.Duration `koanf:"interval" validate:"gte=0"`
	Timezone    string        `koanf:"timezone"`
	RunOnce     bool          `koanf:"run_once"`
	RunOnStart  bool          `koanf:"run_on_start"`
	MinInterval time.Duration `koanf:"min_interval" validate:"gte=0"`
}

// StoreConfig locates the BadgerDB state directory.
type StoreConfig struct {
	Path            string        `koanf:"path" validate:"required"`
	ReportRetention time.Duration `koanf:"report_retention" validate:"gte=0"`
}

// EventsConfig enables pass events. NATSURL is only used by binaries built
// with the nats tag.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	NATSURL string `koanf:"nats_url"`
	Topic   string `koanf:"topic" validate:"required"`
}

// APIConfig enables the admin HTTP surface.
type APIConfig struct {
	Enabled           bool   `koanf:"enabled"`
	Listen            string `koanf:"listen" validate:"required"`
	Token             string `koanf:"token"`
	RequestsPerMinute int    `koanf:"requests_per_minute" validate:"gte=0"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled off"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ServerIDs returns the configured server ids in order.
func (c *Config) ServerIDs() []string {
	ids := make([]string, len(c.Servers))
	for i, s := range c.Servers {
		ids[i] = s.ID
	}
	return ids
}

// ReadOnlyServers returns the ids of read-only servers.
func (c *Config) ReadOnlyServers() []string {
	var ids []string
	for _, s := range c.Servers {
		if s.ReadOnly {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
