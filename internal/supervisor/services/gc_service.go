// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package services

import (
	"context"
	"time"

	"github.com/tomtom215/watchsync/internal/logging"
)

// GCRunner reclaims storage space.
type GCRunner interface {
	RunGC() error
}

// GCService runs store garbage collection on a fixed interval. Reports
// expire by TTL, so their value-log space is only returned by GC.
type GCService struct {
	store    GCRunner
	interval time.Duration
}

// NewGCService builds a GCService; non-positive interval selects 1h.
func NewGCService(store GCRunner, interval time.Duration) *GCService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &GCService{store: store, interval: interval}
}

// Serve implements suture.Service. GC errors are logged, not returned, so
// a full disk does not put the service into restart backoff.
func (g *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			if err := g.store.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("State store GC failed")
				continue
			}
			logging.Debug().Dur("duration", time.Since(start)).Msg("State store GC finished")
		}
	}
}

// String names the service in supervisor logs.
func (g *GCService) String() string {
	return "store-gc"
}
