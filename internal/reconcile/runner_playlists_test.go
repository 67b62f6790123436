// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/tomtom215/watchsync/internal/mediaserver"
	"github.com/tomtom215/watchsync/internal/models"
)

// playlistServer adds in-memory playlists to a fakeServer.
type playlistServer struct {
	*fakeServer

	plMu  sync.Mutex
	lists map[string][]models.Playlist // account id -> playlists
	seq   int
}

func newPlaylistServer(id string) *playlistServer {
	return &playlistServer{fakeServer: newFakeServer(id), lists: make(map[string][]models.Playlist)}
}

func (p *playlistServer) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%s%d", p.id, prefix, p.seq)
}

func (p *playlistServer) ListPlaylists(_ context.Context, userID string) ([]models.Playlist, error) {
	p.plMu.Lock()
	defer p.plMu.Unlock()
	out := make([]models.Playlist, len(p.lists[userID]))
	for i, pl := range p.lists[userID] {
		pl.Entries = append([]models.PlaylistEntry(nil), pl.Entries...)
		out[i] = pl
	}
	return out, nil
}

func (p *playlistServer) CreatePlaylist(_ context.Context, userID, title string, itemIDs []string) error {
	p.plMu.Lock()
	defer p.plMu.Unlock()
	pl := models.Playlist{ID: p.nextID("pl"), Title: title}
	for _, it := range itemIDs {
		pl.Entries = append(pl.Entries, models.PlaylistEntry{EntryID: p.nextID("e"), ItemID: it})
	}
	p.lists[userID] = append(p.lists[userID], pl)
	return nil
}

func (p *playlistServer) AddPlaylistItems(_ context.Context, userID, playlistID string, itemIDs []string) error {
	p.plMu.Lock()
	defer p.plMu.Unlock()
	for i := range p.lists[userID] {
		pl := &p.lists[userID][i]
		if pl.ID != playlistID {
			continue
		}
		for _, it := range itemIDs {
			pl.Entries = append(pl.Entries, models.PlaylistEntry{EntryID: p.nextID("e"), ItemID: it})
		}
		return nil
	}
	return &mediaserver.Error{Server: p.id, Op: "add_playlist_items", Kind: mediaserver.KindNotFound}
}

func (p *playlistServer) RemovePlaylistItems(_ context.Context, userID, playlistID string, entryIDs []string) error {
	p.plMu.Lock()
	defer p.plMu.Unlock()
	for i := range p.lists[userID] {
		pl := &p.lists[userID][i]
		if pl.ID != playlistID {
			continue
		}
		kept := pl.Entries[:0]
		for _, e := range pl.Entries {
			if !containsString(entryIDs, e.EntryID) {
				kept = append(kept, e)
			}
		}
		pl.Entries = kept
		return nil
	}
	return &mediaserver.Error{Server: p.id, Op: "remove_playlist_items", Kind: mediaserver.KindNotFound}
}

// items returns the item ids of title for account.
func (p *playlistServer) items(account, title string) []string {
	p.plMu.Lock()
	defer p.plMu.Unlock()
	var out []string
	for _, pl := range p.lists[account] {
		if pl.Title == title {
			for _, e := range pl.Entries {
				out = append(out, e.ItemID)
			}
		}
	}
	return out
}

type memPlaylistStore struct {
	mu      sync.Mutex
	records map[string][]models.PlaylistRecord
}

func (s *memPlaylistStore) LoadPlaylists(_ context.Context, user string) ([]models.PlaylistRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[user], nil
}

func (s *memPlaylistStore) SavePlaylists(_ context.Context, user string, records []models.PlaylistRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = make(map[string][]models.PlaylistRecord)
	}
	s.records[user] = records
	return nil
}

func TestRunSyncsPlaylists(t *testing.T) {
	a, b := newPlaylistServer("a"), newPlaylistServer("b")
	a.addItem("a1", "", showID)
	b.addItem("b1", "", showID)
	a.lists["a-alice"] = []models.Playlist{{ID: "a-pl0", Title: "Weekend", Entries: []models.PlaylistEntry{{EntryID: "a-e0", ItemID: "a1"}}}}

	opts := testOptions()
	opts.Playlists = true
	store := &memPlaylistStore{}
	r := NewRunner([]mediaserver.MediaServer{a, b}, opts, WithPlaylistStore(store))

	report, err := r.Run(context.Background())
	checkNoError(t, err)
	checkStringEqual(t, "status", string(report.Status), string(models.PassCompleted))
	checkIntEqual(t, "playlist created", report.PlaylistActionsApplied, 1)
	got := b.items("b-alice", "Weekend")
	checkIntEqual(t, "b playlist items", len(got), 1)
	checkStringEqual(t, "b playlist item", got[0], "b1")
	checkIntEqual(t, "synced to both", len(store.records["alice"][0].Entries[0].Servers), 2)

	report, err = r.Run(context.Background())
	checkNoError(t, err)
	checkIntEqual(t, "converged", report.PlaylistActionsPlanned, 0)

	// Removing the entry on a removes it on b and does not bring it back.
	a.lists["a-alice"][0].Entries = nil
	report, err = r.Run(context.Background())
	checkNoError(t, err)
	checkIntEqual(t, "removal applied", report.PlaylistActionsApplied, 1)
	checkIntEqual(t, "b playlist emptied", len(b.items("b-alice", "Weekend")), 0)
	checkIntEqual(t, "a stays empty", len(a.items("a-alice", "Weekend")), 0)

	report, err = r.Run(context.Background())
	checkNoError(t, err)
	checkIntEqual(t, "nothing after removal", report.PlaylistActionsPlanned, 0)
}

func TestRunPlaylistsDryRunAndReadOnly(t *testing.T) {
	a, b := newPlaylistServer("a"), newPlaylistServer("b")
	a.addItem("a1", "", showID)
	b.addItem("b1", "", showID)
	a.lists["a-alice"] = []models.Playlist{{ID: "a-pl0", Title: "Weekend", Entries: []models.PlaylistEntry{{EntryID: "a-e0", ItemID: "a1"}}}}
	b.lists["b-alice"] = []models.Playlist{{ID: "b-pl0", Title: "Late", Entries: []models.PlaylistEntry{{EntryID: "b-e0", ItemID: "b1"}}}}

	opts := testOptions()
	opts.Playlists = true
	opts.DryRun = true
	store := &memPlaylistStore{}
	report, err := NewRunner([]mediaserver.MediaServer{a, b}, opts, WithPlaylistStore(store)).Run(context.Background())
	checkNoError(t, err)
	checkIntEqual(t, "planned both ways", report.PlaylistActionsPlanned, 2)
	checkIntEqual(t, "nothing applied", report.PlaylistActionsApplied, 0)
	checkIntEqual(t, "b untouched", len(b.items("b-alice", "Weekend")), 0)
	checkIntEqual(t, "no state saved", len(store.records), 0)

	opts.DryRun = false
	opts.Policy.ReadOnly = []string{"a"}
	report, err = NewRunner([]mediaserver.MediaServer{a, b}, opts, WithPlaylistStore(store)).Run(context.Background())
	checkNoError(t, err)
	checkIntEqual(t, "only b written", report.PlaylistActionsApplied, 1)
	checkIntEqual(t, "a not written", len(a.items("a-alice", "Late")), 0)
	checkIntEqual(t, "b received", len(b.items("b-alice", "Weekend")), 1)
}

func TestRunPlaylistsDisabled(t *testing.T) {
	a, b := newPlaylistServer("a"), newPlaylistServer("b")
	a.addItem("a1", "", showID)
	b.addItem("b1", "", showID)
	a.lists["a-alice"] = []models.Playlist{{ID: "a-pl0", Title: "Weekend", Entries: []models.PlaylistEntry{{EntryID: "a-e0", ItemID: "a1"}}}}

	report, err := NewRunner([]mediaserver.MediaServer{a, b}, testOptions()).Run(context.Background())
	checkNoError(t, err)
	checkIntEqual(t, "no playlist work", report.PlaylistActionsPlanned, 0)
	checkIntEqual(t, "b has no playlists", len(b.items("b-alice", "Weekend")), 0)
}
