// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"fmt"
	"strings"

	"github.com/tomtom215/watchsync/internal/mediaserver"
	"github.com/tomtom215/watchsync/internal/models"
)

// ConfigError aborts a pass before listing starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ServerError excludes one server from the current pass.
type ServerError struct {
	Server string
	Stage  string
	Err    error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s degraded during %s: %v", e.Server, e.Stage, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

// Kind returns the media server failure kind behind the error.
func (e *ServerError) Kind() mediaserver.Kind {
	return mediaserver.KindOf(e.Err)
}

// MatchConflict records items excluded from grouping because two or more
// of them, from the same server, resolved to one group.
type MatchConflict struct {
	Scope  string
	Server string
	Items  []string
	Key    string
}

func (e *MatchConflict) Error() string {
	return fmt.Sprintf("ambiguous match in %s: server %s has %d items [%s] for key %s",
		e.Scope, e.Server, len(e.Items), strings.Join(e.Items, ", "), e.Key)
}

// ActionError is an action that failed after its retries.
type ActionError struct {
	Action   models.SyncAction
	Attempts int
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed after %d attempts: %v", e.Action, e.Attempts, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
