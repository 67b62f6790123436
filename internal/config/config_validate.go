// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/watchsync/internal/reconcile"
	"github.com/tomtom215/watchsync/internal/scheduler"
	"github.com/tomtom215/watchsync/internal/validation"
)

// normalize folds case-insensitive enumerations before validation.
func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Direction.Mode = strings.ToLower(strings.TrimSpace(c.Direction.Mode))
	if c.Direction.Mode == "" {
		c.Direction.Mode = "multi"
	}
	for i := range c.Servers {
		c.Servers[i].Type = strings.ToLower(strings.TrimSpace(c.Servers[i].Type))
		c.Servers[i].URL = strings.TrimRight(strings.TrimSpace(c.Servers[i].URL), "/")
	}
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	if err := c.validateServers(); err != nil {
		return err
	}
	if err := c.validateDirection(); err != nil {
		return err
	}
	if err := c.validateUserMapping(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	return c.validateSchedule()
}

func (c *Config) validateServers() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server is required (servers[] or SERVER_URLS)")
	}
	seen := make(map[string]bool, len(c.Servers))
	writable := 0
	for _, s := range c.Servers {
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
		if !s.ReadOnly {
			writable++
		}
	}
	if len(c.Servers) < 2 {
		return fmt.Errorf("at least two servers are required to sync, got %d", len(c.Servers))
	}
	if writable == 0 {
		return fmt.Errorf("every server is read-only; nothing can be synced")
	}
	return nil
}

func (c *Config) validateDirection() error {
	return c.Policy().Validate(c.ServerIDs())
}

func (c *Config) validateUserMapping() error {
	if err := reconcile.ValidateMappingTable(c.Users.Mapping); err != nil {
		return err
	}
	known := make(map[string]bool, len(c.Servers))
	for _, id := range c.ServerIDs() {
		known[id] = true
	}
	for canonical, accounts := range c.Users.Mapping {
		for server := range accounts {
			if !known[server] {
				return fmt.Errorf("users.mapping.%s references unknown server %q", canonical, server)
			}
		}
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.RetryMaxDelay > 0 && c.Sync.RetryMaxDelay < c.Sync.RetryInitialDelay {
		return fmt.Errorf("sync.retry_max_delay (%s) must not be below sync.retry_initial_delay (%s)",
			c.Sync.RetryMaxDelay, c.Sync.RetryInitialDelay)
	}
	return nil
}

func (c *Config) validateSchedule() error {
	if _, err := scheduler.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	if c.Schedule.Cron != "" {
		next, err := scheduler.NextCronRun(c.Schedule.Cron, time.Now(), c.Schedule.Timezone)
		if err != nil {
			return fmt.Errorf("schedule.cron: %w", err)
		}
		if next.IsZero() {
			return fmt.Errorf("schedule.cron: %q never fires", c.Schedule.Cron)
		}
	} else if c.Schedule.Interval <= 0 && !c.Schedule.RunOnce {
		return fmt.Errorf("schedule.interval must be positive when schedule.cron is empty")
	}
	return nil
}
