// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package config

import (
	"os"

	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/mediaserver"
	"github.com/tomtom215/watchsync/internal/reconcile"
	"github.com/tomtom215/watchsync/internal/scheduler"
)

// Policy builds the Director policy.
func (c *Config) Policy() reconcile.Policy {
	return reconcile.Policy{
		Users:        reconcile.Filter{Allow: c.Users.Allow, Deny: c.Users.Deny},
		Libraries:    reconcile.Filter{Allow: c.Libraries.Allow, Deny: c.Libraries.Deny},
		LibraryTypes: reconcile.Filter{Allow: c.Libraries.TypesAllow, Deny: c.Libraries.TypesDeny},
		Direction:    reconcile.Direction(c.Direction.Mode),
		Receivers:    c.Direction.Receivers,
		ReadOnly:     c.ReadOnlyServers(),
	}
}

// RunnerOptions builds the reconciliation Runner options.
func (c *Config) RunnerOptions() reconcile.Options {
	return reconcile.Options{
		Workers:     c.Sync.Workers,
		CallTimeout: c.Sync.CallTimeout,
		Retry: reconcile.RetryPolicy{
			Attempts:     c.Sync.RetryAttempts,
			InitialDelay: c.Sync.RetryInitialDelay,
			MaxDelay:     c.Sync.RetryMaxDelay,
		},
		DryRun:             c.Sync.DryRun,
		Policy:             c.Policy(),
		Users:              reconcile.MappingTable(c.Users.Mapping),
		LibraryMapping:     c.Libraries.Mapping,
		MinProgressSeconds: int(c.Sync.MinProgress.Seconds()),
		ReleaseTags:        c.Sync.ReleaseTags,
		Playlists:          c.Sync.Playlists,
	}
}

// SchedulerConfig builds the scheduler cadence.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Cron:        c.Schedule.Cron,
		Interval:    c.Schedule.Interval,
		Timezone:    c.Schedule.Timezone,
		RunOnStart:  c.Schedule.RunOnStart,
		MinInterval: c.Schedule.MinInterval,
	}
}

// MediaServerOptions returns adapter options for every server.
func (c *Config) MediaServerOptions() []mediaserver.Options {
	out := make([]mediaserver.Options, len(c.Servers))
	for i, s := range c.Servers {
		out[i] = mediaserver.Options{
			ID:                s.ID,
			Type:              s.Type,
			URL:               s.URL,
			Token:             s.Token,
			UserTokens:        s.UserTokens,
			RequestsPerSecond: s.RequestsPerSecond,
			Timeout:           s.Timeout,
		}
	}
	return out
}

// LoggingConfig returns the zerolog settings.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		Caller:    c.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	}
}
