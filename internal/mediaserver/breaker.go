// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package mediaserver

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/metrics"
	"github.com/tomtom215/watchsync/internal/models"
)

// BreakerSettings tunes the per-server circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerSettings: 3 trial requests in half-open, 1 minute window, 2 minute
// cool-down, trips at 60% failures over at least 10 requests.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      2 * time.Minute,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// BreakerServer guards a MediaServer with a circuit breaker. A rejected call
// fails as Unreachable.
type BreakerServer struct {
	inner MediaServer
	cb    *gobreaker.CircuitBreaker[interface{}]
	name  string
}

// breakerLister keeps the batch capability visible through the decorator.
type breakerLister struct {
	*BreakerServer
	lister WatchStateLister
}

// breakerPlaylists routes playlist calls through the same breaker.
type breakerPlaylists struct {
	b  *BreakerServer
	pl PlaylistServer
}

type breakerServerPlaylists struct {
	*BreakerServer
	*breakerPlaylists
}

type breakerListerPlaylists struct {
	*breakerLister
	*breakerPlaylists
}

// WithBreaker wraps s. The result implements WatchStateLister and
// PlaylistServer when s does.
func WithBreaker(s MediaServer, settings BreakerSettings) MediaServer {
	b := newBreakerServer(s, settings)
	l, lists := s.(WatchStateLister)
	p, playlists := s.(PlaylistServer)
	switch {
	case lists && playlists:
		return &breakerListerPlaylists{
			breakerLister:    &breakerLister{BreakerServer: b, lister: l},
			breakerPlaylists: &breakerPlaylists{b: b, pl: p},
		}
	case lists:
		return &breakerLister{BreakerServer: b, lister: l}
	case playlists:
		return &breakerServerPlaylists{BreakerServer: b, breakerPlaylists: &breakerPlaylists{b: b, pl: p}}
	default:
		return b
	}
}

func newBreakerServer(s MediaServer, settings BreakerSettings) *BreakerServer {
	name := "mediaserver-" + s.ID()

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			trip := ratio >= settings.FailureRatio
			if trip {
				logging.Warn().
					Str("server", s.ID()).
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", ratio*100).
					Msg("[CIRCUIT BREAKER] Opening media server circuit")
			}
			return trip
		},
		// A missing item says nothing about server health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("[CIRCUIT BREAKER] State transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateToString(from), stateToString(to)).Inc()
			if to == gobreaker.StateClosed {
				metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)
			}
		},
	})

	return &BreakerServer{inner: s, cb: cb, name: name}
}

// State returns the breaker state name.
func (b *BreakerServer) State() string {
	return stateToString(b.cb.State())
}

func (b *BreakerServer) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if err == nil {
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
		metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(0)
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
		return nil, newError(b.inner.ID(), op, KindUnreachable, err)
	}

	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(float64(b.cb.Counts().ConsecutiveFailures))
	return nil, err
}

// ID implements MediaServer.
func (b *BreakerServer) ID() string { return b.inner.ID() }

// ListLibraries implements MediaServer.
func (b *BreakerServer) ListLibraries(ctx context.Context) ([]models.Library, error) {
	r, err := b.execute("list_libraries", func() (interface{}, error) {
		return b.inner.ListLibraries(ctx)
	})
	if err != nil {
		return nil, err
	}
	return r.([]models.Library), nil
}

// ListItems implements MediaServer.
func (b *BreakerServer) ListItems(ctx context.Context, libraryID string) ([]models.ServerItem, error) {
	r, err := b.execute("list_items", func() (interface{}, error) {
		return b.inner.ListItems(ctx, libraryID)
	})
	if err != nil {
		return nil, err
	}
	return r.([]models.ServerItem), nil
}

// ListUsers implements MediaServer.
func (b *BreakerServer) ListUsers(ctx context.Context) ([]models.Account, error) {
	r, err := b.execute("list_users", func() (interface{}, error) {
		return b.inner.ListUsers(ctx)
	})
	if err != nil {
		return nil, err
	}
	return r.([]models.Account), nil
}

// GetWatchState implements MediaServer.
func (b *BreakerServer) GetWatchState(ctx context.Context, itemID, userID string) (models.WatchState, error) {
	r, err := b.execute("get_watch_state", func() (interface{}, error) {
		return b.inner.GetWatchState(ctx, itemID, userID)
	})
	if err != nil {
		return models.WatchState{}, err
	}
	return r.(models.WatchState), nil
}

// SetWatchState implements MediaServer.
func (b *BreakerServer) SetWatchState(ctx context.Context, itemID, userID string, state models.WatchState) error {
	_, err := b.execute("set_watch_state", func() (interface{}, error) {
		return nil, b.inner.SetWatchState(ctx, itemID, userID, state)
	})
	return err
}

// ListWatchStates implements WatchStateLister.
func (b *breakerLister) ListWatchStates(ctx context.Context, libraryID, userID string) (map[string]models.WatchState, error) {
	r, err := b.execute("list_watch_states", func() (interface{}, error) {
		return b.lister.ListWatchStates(ctx, libraryID, userID)
	})
	if err != nil {
		return nil, err
	}
	return r.(map[string]models.WatchState), nil
}

// ListPlaylists implements PlaylistServer.
func (p *breakerPlaylists) ListPlaylists(ctx context.Context, userID string) ([]models.Playlist, error) {
	r, err := p.b.execute("list_playlists", func() (interface{}, error) {
		return p.pl.ListPlaylists(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return r.([]models.Playlist), nil
}

// CreatePlaylist implements PlaylistServer.
func (p *breakerPlaylists) CreatePlaylist(ctx context.Context, userID, title string, itemIDs []string) error {
	_, err := p.b.execute("create_playlist", func() (interface{}, error) {
		return nil, p.pl.CreatePlaylist(ctx, userID, title, itemIDs)
	})
	return err
}

// AddPlaylistItems implements PlaylistServer.
func (p *breakerPlaylists) AddPlaylistItems(ctx context.Context, userID, playlistID string, itemIDs []string) error {
	_, err := p.b.execute("add_playlist_items", func() (interface{}, error) {
		return nil, p.pl.AddPlaylistItems(ctx, userID, playlistID, itemIDs)
	})
	return err
}

// RemovePlaylistItems implements PlaylistServer.
func (p *breakerPlaylists) RemovePlaylistItems(ctx context.Context, userID, playlistID string, entryIDs []string) error {
	_, err := p.b.execute("remove_playlist_items", func() (interface{}, error) {
		return nil, p.pl.RemovePlaylistItems(ctx, userID, playlistID, entryIDs)
	})
	return err
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
