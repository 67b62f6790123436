// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package models

import (
	"fmt"
	"time"
)

// Playlist is one user's video playlist on one server.
type Playlist struct {
	ID      string          `json:"id"`
	Title   string          `json:"title"`
	Entries []PlaylistEntry `json:"entries"`
}

// PlaylistEntry is one slot in a playlist. EntryID addresses the slot for
// removal and differs from the ItemID it points at.
type PlaylistEntry struct {
	EntryID string `json:"entry_id"`
	ItemID  string `json:"item_id"`
}

// PlaylistRecord is the persisted membership of one canonical user's
// playlist, used to tell a removal on one server from an addition on
// another.
type PlaylistRecord struct {
	User      string                `json:"user"`
	Title     string                `json:"title"`
	Entries   []PlaylistRecordEntry `json:"entries"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// PlaylistRecordEntry identifies one item by its normalized identity and
// lists the servers whose copy of the playlist held it after the last pass.
type PlaylistRecordEntry struct {
	Providers []ProviderID `json:"providers,omitempty"`
	Signature string       `json:"signature,omitempty"`
	Title     string       `json:"title,omitempty"`
	Servers   []string     `json:"servers"`
}

// PlaylistActionKind names a playlist write.
type PlaylistActionKind string

const (
	PlaylistCreate PlaylistActionKind = "create"
	PlaylistAdd    PlaylistActionKind = "add"
	PlaylistRemove PlaylistActionKind = "remove"
)

// PlaylistAction is one playlist write against one server. ItemKeys runs
// parallel to ItemIDs for create and add; EntryIDs is set for remove.
type PlaylistAction struct {
	Kind          PlaylistActionKind `json:"kind"`
	TargetServer  string             `json:"target_server"`
	TargetUser    string             `json:"target_user"`
	TargetAccount string             `json:"target_account"`
	CanonicalUser string             `json:"canonical_user"`
	Title         string             `json:"title"`
	PlaylistID    string             `json:"playlist_id,omitempty"`
	ItemIDs       []string           `json:"item_ids,omitempty"`
	ItemKeys      []string           `json:"item_keys,omitempty"`
	EntryIDs      []string           `json:"entry_ids,omitempty"`
}

// String renders the action for log output.
func (a PlaylistAction) String() string {
	n := len(a.ItemIDs)
	if a.Kind == PlaylistRemove {
		n = len(a.EntryIDs)
	}
	return fmt.Sprintf("%s %q on %s user=%s items=%d", a.Kind, a.Title, a.TargetServer, a.CanonicalUser, n)
}
