// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package mediaserver

import (
	"fmt"
	"strings"

	"github.com/tomtom215/watchsync/internal/models"
)

// New builds the adapter for opts.Type wrapped in a circuit breaker.
func New(opts Options, breaker BreakerSettings) (MediaServer, error) {
	var s MediaServer
	switch strings.ToLower(opts.Type) {
	case models.ServerTypePlex:
		s = NewPlexClient(opts)
	case models.ServerTypeJellyfin:
		s = NewJellyfinClient(opts)
	case models.ServerTypeEmby:
		s = NewEmbyClient(opts)
	default:
		return nil, fmt.Errorf("server %s: unsupported type %q", opts.ID, opts.Type)
	}
	return WithBreaker(s, breaker), nil
}
