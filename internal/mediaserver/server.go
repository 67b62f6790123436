// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package mediaserver defines the MediaServer capability consumed by the
// reconciliation engine and provides HTTP adapters for Plex, Jellyfin and
// Emby.
//
// Every adapter call fails with an *Error whose Kind is one of Unreachable,
// Unauthorized, NotFound or Timeout, so callers can classify failures with
// errors.Is(err, mediaserver.ErrTimeout) without knowing the backend.
package mediaserver

import (
	"context"

	"github.com/tomtom215/watchsync/internal/models"
)

// MediaServer is the per-server API capability.
type MediaServer interface {
	// ID is the configured server identifier.
	ID() string
	ListLibraries(ctx context.Context) ([]models.Library, error)
	ListItems(ctx context.Context, libraryID string) ([]models.ServerItem, error)
	ListUsers(ctx context.Context) ([]models.Account, error)
	GetWatchState(ctx context.Context, itemID, userID string) (models.WatchState, error)
	SetWatchState(ctx context.Context, itemID, userID string, state models.WatchState) error
}

// WatchStateLister is implemented by servers that can return one user's
// states for a whole library in a single call. Items absent from the map
// have no recorded state.
type WatchStateLister interface {
	ListWatchStates(ctx context.Context, libraryID, userID string) (map[string]models.WatchState, error)
}

// PlaylistServer is implemented by servers whose per-user video playlists
// can be read and edited. Playlists are addressed by ID and matched by
// title; entry IDs address one slot of a playlist.
type PlaylistServer interface {
	ListPlaylists(ctx context.Context, userID string) ([]models.Playlist, error)
	CreatePlaylist(ctx context.Context, userID, title string, itemIDs []string) error
	AddPlaylistItems(ctx context.Context, userID, playlistID string, itemIDs []string) error
	RemovePlaylistItems(ctx context.Context, userID, playlistID string, entryIDs []string) error
}
