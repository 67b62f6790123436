// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/config/config.yaml",
	"/etc/watchsync/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envServersKey holds server lists read from the environment until
// processServerEnv turns them into servers[] entries.
const envServersKey = "envservers"

func defaultConfig() *Config {
	return &Config{
		Direction: DirectionConfig{Mode: "multi"},
		Sync: SyncConfig{
			Workers:           10,
			CallTimeout:       30 * time.Second,
			RetryAttempts:     3,
			RetryInitialDelay: time.Second,
			RetryMaxDelay:     30 * time.Second,
			MinProgress:       60 * time.Second,
			Playlists:         true,
		},
		Schedule: ScheduleConfig{
			Interval:   time.Hour,
			RunOnStart: true,
		},
		Store: StoreConfig{
			Path:            "./data/watchsync",
			ReportRetention: 30 * 24 * time.Hour,
		},
		Events: EventsConfig{
			Enabled: false,
			NATSURL: "nats://127.0.0.1:4222",
			Topic:   "watchsync.passes",
		},
		API: APIConfig{
			Enabled:           false,
			Listen:            ":8089",
			RequestsPerMinute: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadWithKoanf loads configuration with layered sources:
//  1. Defaults
//  2. Config File (optional)
//  3. Environment Variables (highest priority)
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := postProcess(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func postProcess(k *koanf.Koanf) error {
	if err := processSliceFields(k); err != nil {
		return fmt.Errorf("failed to process slice fields: %w", err)
	}
	if err := processJSONFields(k); err != nil {
		return fmt.Errorf("failed to process JSON fields: %w", err)
	}
	if err := processSecondsFields(k); err != nil {
		return fmt.Errorf("failed to process duration fields: %w", err)
	}
	if err := processServerEnv(k); err != nil {
		return fmt.Errorf("failed to process server environment: %w", err)
	}
	return nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed as comma-separated lists when they arrive as
// strings.
var sliceConfigPaths = []string{
	"users.allow",
	"users.deny",
	"libraries.allow",
	"libraries.deny",
	"libraries.types_allow",
	"libraries.types_deny",
	"direction.receivers",
	"sync.release_tags",
	envServersKey + ".urls",
	envServersKey + ".tokens",
	envServersKey + ".types",
	envServersKey + ".ids",
	envServersKey + ".plex_urls",
	envServersKey + ".plex_tokens",
	envServersKey + ".jellyfin_urls",
	envServersKey + ".jellyfin_tokens",
	envServersKey + ".emby_urls",
	envServersKey + ".emby_tokens",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		if err := k.Set(path, splitList(strVal)); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// jsonConfigPaths arrive from the environment as JSON objects.
var jsonConfigPaths = []string{
	"users.mapping",
	"libraries.mapping",
}

func processJSONFields(k *koanf.Koanf) error {
	for _, path := range jsonConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		k.Delete(path)
		if strings.TrimSpace(strVal) == "" {
			continue
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(strVal), &decoded); err != nil {
			return fmt.Errorf("%s: invalid JSON: %w", path, err)
		}
		if err := k.Set(path, decoded); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// secondsConfigPaths accept a bare number of seconds as well as a
// duration string.
var secondsConfigPaths = []string{
	"schedule.interval",
	"schedule.min_interval",
	"sync.call_timeout",
}

func processSecondsFields(k *koanf.Koanf) error {
	for _, path := range secondsConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(strVal))
		if err != nil {
			continue
		}
		if err := k.Set(path, (time.Duration(secs) * time.Second).String()); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// processServerEnv replaces servers[] when server lists were given in the
// environment.
func processServerEnv(k *koanf.Koanf) error {
	if !k.Exists(envServersKey) {
		return nil
	}
	defer k.Delete(envServersKey)

	var servers []map[string]interface{}

	urls := k.Strings(envServersKey + ".urls")
	if len(urls) > 0 {
		tokens := k.Strings(envServersKey + ".tokens")
		types := k.Strings(envServersKey + ".types")
		ids := k.Strings(envServersKey + ".ids")
		if len(tokens) != len(urls) || len(types) != len(urls) {
			return fmt.Errorf("SERVER_URLS, SERVER_TOKENS and SERVER_TYPES must have the same length (%d, %d, %d)",
				len(urls), len(tokens), len(types))
		}
		if len(ids) != 0 && len(ids) != len(urls) {
			return fmt.Errorf("SERVER_IDS must have one entry per server URL")
		}
		for i, u := range urls {
			id := fmt.Sprintf("%s-%d", strings.ToLower(types[i]), i+1)
			if len(ids) > 0 {
				id = ids[i]
			}
			servers = append(servers, map[string]interface{}{
				"id": id, "type": strings.ToLower(types[i]), "url": u, "token": tokens[i],
			})
		}
	}

	for _, typ := range []string{"plex", "jellyfin", "emby"} {
		urls := k.Strings(envServersKey + "." + typ + "_urls")
		tokens := k.Strings(envServersKey + "." + typ + "_tokens")
		if len(urls) == 0 {
			continue
		}
		if len(tokens) != len(urls) {
			return fmt.Errorf("%s_BASEURL and %s_TOKEN must have the same length (%d, %d)",
				strings.ToUpper(typ), strings.ToUpper(typ), len(urls), len(tokens))
		}
		for i, u := range urls {
			id := typ
			if len(urls) > 1 {
				id = fmt.Sprintf("%s-%d", typ, i+1)
			}
			servers = append(servers, map[string]interface{}{
				"id": id, "type": typ, "url": u, "token": tokens[i],
			})
		}
	}

	if len(servers) == 0 {
		return nil
	}
	return k.Set("servers", servers)
}

// envMappings maps environment variable names (lower-cased) to koanf
// paths. Unlisted variables are ignored.
var envMappings = map[string]string{
	// Servers
	"server_urls":      envServersKey + ".urls",
	"server_tokens":    envServersKey + ".tokens",
	"server_types":     envServersKey + ".types",
	"server_ids":       envServersKey + ".ids",
	"plex_baseurl":     envServersKey + ".plex_urls",
	"plex_token":       envServersKey + ".plex_tokens",
	"jellyfin_baseurl": envServersKey + ".jellyfin_urls",
	"jellyfin_token":   envServersKey + ".jellyfin_tokens",
	"emby_baseurl":     envServersKey + ".emby_urls",
	"emby_token":       envServersKey + ".emby_tokens",

	// Users and libraries
	"user_mapping":           "users.mapping",
	"whitelist_users":        "users.allow",
	"blacklist_users":        "users.deny",
	"library_mapping":        "libraries.mapping",
	"whitelist_library":      "libraries.allow",
	"blacklist_library":      "libraries.deny",
	"whitelist_library_type": "libraries.types_allow",
	"blacklist_library_type": "libraries.types_deny",

	// Direction
	"sync_direction": "direction.mode",
	"sync_receivers": "direction.receivers",

	// Sync
	"dryrun":                   "sync.dry_run",
	"max_threads":              "sync.workers",
	"sync_call_timeout":        "sync.call_timeout",
	"sync_retry_attempts":      "sync.retry_attempts",
	"sync_retry_initial_delay": "sync.retry_initial_delay",
	"sync_retry_max_delay":     "sync.retry_max_delay",
	"sync_min_progress":        "sync.min_progress",
	"sync_release_tags":        "sync.release_tags",
	"sync_playlists":           "sync.playlists",

	// Schedule
	"sync_cron":         "schedule.cron",
	"sleep_duration":    "schedule.interval",
	"sync_timezone":     "schedule.timezone",
	"run_only_once":     "schedule.run_once",
	"run_on_start":      "schedule.run_on_start",
	"sync_min_interval": "schedule.min_interval",

	// Store and events
	"store_path":             "store.path",
	"store_report_retention": "store.report_retention",
	"events_enabled":         "events.enabled",
	"nats_url":               "events.nats_url",
	"events_topic":           "events.topic",

	// Admin API
	"api_enabled":             "api.enabled",
	"api_listen":              "api.listen",
	"api_token":               "api.token",
	"api_requests_per_minute": "api.requests_per_minute",

	// Logging
	"log_level":   "logging.level",
	"debug_level": "logging.level",
	"log_format":  "logging.format",
	"log_caller":  "logging.caller",
}

// envTransformFunc maps an environment variable name to its koanf path,
// or "" to skip it.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
