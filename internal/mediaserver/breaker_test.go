// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package mediaserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/watchsync/internal/models"
)

// flakyServer fails every call with the configured error.
type flakyServer struct {
	id    string
	err   error
	calls int
}

func (f *flakyServer) ID() string { return f.id }

func (f *flakyServer) ListLibraries(context.Context) ([]models.Library, error) {
	f.calls++
	return nil, f.err
}

func (f *flakyServer) ListItems(context.Context, string) ([]models.ServerItem, error) {
	f.calls++
	return nil, f.err
}

func (f *flakyServer) ListUsers(context.Context) ([]models.Account, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []models.Account{{ID: "1", Name: "a"}}, nil
}

func (f *flakyServer) GetWatchState(context.Context, string, string) (models.WatchState, error) {
	f.calls++
	return models.WatchState{}, f.err
}

func (f *flakyServer) SetWatchState(context.Context, string, string, models.WatchState) error {
	f.calls++
	return f.err
}

func testBreakerSettings() BreakerSettings {
	return BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Hour, MinRequests: 3, FailureRatio: 0.6}
}

func TestBreakerOpensAndRejects(t *testing.T) {
	inner := &flakyServer{id: "down", err: newError("down", "list_users", KindUnreachable, errors.New("refused"))}
	s := WithBreaker(inner, testBreakerSettings())
	b := s.(*BreakerServer)

	for i := 0; i < 3; i++ {
		_, err := s.ListUsers(context.Background())
		checkTrue(t, "unreachable", errors.Is(err, ErrUnreachable))
	}
	checkStringEqual(t, "state", b.State(), "open")

	_, err := s.ListUsers(context.Background())
	checkTrue(t, "rejected as unreachable", errors.Is(err, ErrUnreachable))
	checkIntEqual(t, "inner calls", inner.calls, 3)
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	inner := &flakyServer{id: "nf", err: newError("nf", "get_watch_state", KindNotFound, errors.New("gone"))}
	s := WithBreaker(inner, testBreakerSettings())

	for i := 0; i < 5; i++ {
		_, err := s.GetWatchState(context.Background(), "x", "u")
		checkTrue(t, "not found passes through", errors.Is(err, ErrNotFound))
	}
	checkStringEqual(t, "state", s.(*BreakerServer).State(), "closed")
}

func TestBreakerKeepsListerCapability(t *testing.T) {
	jf := NewJellyfinClient(Options{ID: "jf", URL: "http://127.0.0.1:1"})
	_, ok := WithBreaker(jf, DefaultBreakerSettings()).(WatchStateLister)
	checkTrue(t, "jellyfin keeps batch listing", ok)

	_, ok = WithBreaker(&flakyServer{id: "f"}, DefaultBreakerSettings()).(WatchStateLister)
	checkTrue(t, "plain server has no batch listing", !ok)
}

func TestBreakerKeepsPlaylistCapability(t *testing.T) {
	jf := WithBreaker(NewJellyfinClient(Options{ID: "jf", URL: "http://127.0.0.1:1"}), DefaultBreakerSettings())
	_, ok := jf.(PlaylistServer)
	checkTrue(t, "jellyfin keeps playlists", ok)
	_, ok = jf.(WatchStateLister)
	checkTrue(t, "jellyfin still lists in batch", ok)

	plex := WithBreaker(NewPlexClient(Options{ID: "px", URL: "http://127.0.0.1:1"}), DefaultBreakerSettings())
	_, ok = plex.(PlaylistServer)
	checkTrue(t, "plex keeps playlists", ok)

	_, ok = WithBreaker(&flakyServer{id: "f"}, DefaultBreakerSettings()).(PlaylistServer)
	checkTrue(t, "plain server has no playlists", !ok)
}

func TestNewFactory(t *testing.T) {
	for _, typ := range []string{"plex", "Jellyfin", "emby"} {
		s, err := New(Options{ID: typ, Type: typ, URL: "http://localhost"}, DefaultBreakerSettings())
		checkNoError(t, err)
		checkStringEqual(t, "id", s.ID(), typ)
	}
	_, err := New(Options{ID: "x", Type: "kodi"}, DefaultBreakerSettings())
	checkTrue(t, "unsupported type errors", err != nil)
}
