// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package models

import (
	"fmt"
	"time"
)

// Server types supported by the adapters.
const (
	ServerTypePlex     = "plex"
	ServerTypeJellyfin = "jellyfin"
	ServerTypeEmby     = "emby"
)

// Library types as reported by the adapters (lowercase).
const (
	LibraryTypeMovies = "movies"
	LibraryTypeShows  = "tvshows"
)

// ProviderID is an external metadata identifier attached to an item,
// e.g. {Namespace: "imdb", Value: "tt0133093"}.
type ProviderID struct {
	Namespace string `json:"namespace"`
	Value     string `json:"value"`
}

// String returns the namespace://value form used in logs.
func (p ProviderID) String() string {
	return p.Namespace + "://" + p.Value
}

// Library is one library (section) on one server.
type Library struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Account is a local user account on one server.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ServerItem is an immutable snapshot of one media entry as seen on one server.
// Watched and ProgressSeconds reflect the server's own view (the token owner),
// per-user state is carried separately as WatchState.
type ServerItem struct {
	ServerID        string        `json:"server_id"`
	LibraryID       string        `json:"library_id"`
	ItemID          string        `json:"item_id"`
	Title           string        `json:"title"`
	Path            string        `json:"path,omitempty"`
	ProviderIDs     []ProviderID  `json:"provider_ids,omitempty"`
	Duration        time.Duration `json:"duration"`
	Watched         bool          `json:"watched"`
	ProgressSeconds int           `json:"progress_seconds"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Ref returns a short "server/item" reference for logging.
func (i ServerItem) Ref() string {
	return i.ServerID + "/" + i.ItemID
}

// WatchState is the playback state of one item for one user on one server.
type WatchState struct {
	Watched         bool      `json:"watched"`
	ProgressSeconds int       `json:"progress_seconds"`
	ObservedAt      time.Time `json:"observed_at"`
}

// InProgress reports whether the state carries a partial playback offset.
func (w WatchState) InProgress() bool {
	return !w.Watched && w.ProgressSeconds > 0
}

// String renders the state for log output.
func (w WatchState) String() string {
	if w.Watched {
		return "watched"
	}
	if w.ProgressSeconds > 0 {
		return fmt.Sprintf("progress=%ds", w.ProgressSeconds)
	}
	return "unwatched"
}

// SyncAction is one write to perform against one server. Actions live
// only within one pass.
type SyncAction struct {
	TargetServer  string     `json:"target_server"`
	TargetItem    string     `json:"target_item"`
	TargetUser    string     `json:"target_user"`
	TargetAccount string     `json:"target_account"`
	CanonicalUser string     `json:"canonical_user"`
	Library       string     `json:"library"`
	LibraryType   string     `json:"library_type"`
	Title         string     `json:"title"`
	Current       WatchState `json:"current"`
	Desired       WatchState `json:"desired"`
}

// String renders the action for log output.
func (a SyncAction) String() string {
	return fmt.Sprintf("%s/%s user=%s %s -> %s", a.TargetServer, a.TargetItem, a.CanonicalUser, a.Current, a.Desired)
}
