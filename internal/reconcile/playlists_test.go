// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"testing"

	"github.com/tomtom215/watchsync/internal/models"
)

var (
	matrixID = models.ProviderID{Namespace: "tmdb", Value: "603"}
	alienID  = models.ProviderID{Namespace: "tmdb", Value: "348"}
)

// playlistFixture indexes two movies present on servers a and b.
func playlistFixture() *ItemIndex {
	groups := []ItemGroup{
		{Scope: "movies/movies", Members: []models.ServerItem{
			{ServerID: "a", ItemID: "a-matrix", Title: "The Matrix", ProviderIDs: []models.ProviderID{matrixID}},
			{ServerID: "b", ItemID: "b-matrix", Title: "The Matrix", ProviderIDs: []models.ProviderID{matrixID}},
		}},
		{Scope: "movies/movies", Members: []models.ServerItem{
			{ServerID: "a", ItemID: "a-alien", Title: "Alien", ProviderIDs: []models.ProviderID{alienID}},
			{ServerID: "b", ItemID: "b-alien", Title: "Alien", ProviderIDs: []models.ProviderID{alienID}},
		}},
	}
	return NewItemIndex(groups, nil)
}

func view(server string, source bool, playlists ...models.Playlist) PlaylistView {
	v := PlaylistView{
		Server:    server,
		Account:   models.Account{ID: server + "-alice", Name: "alice"},
		Source:    source,
		Playlists: make(map[string]models.Playlist),
	}
	for _, pl := range playlists {
		v.Playlists[pl.Title] = pl
	}
	return v
}

func weekend(id string, entries ...models.PlaylistEntry) models.Playlist {
	return models.Playlist{ID: id, Title: "Weekend", Entries: entries}
}

func entry(entryID, itemID string) models.PlaylistEntry {
	return models.PlaylistEntry{EntryID: entryID, ItemID: itemID}
}

func syncedRecord(servers ...string) []models.PlaylistRecord {
	return []models.PlaylistRecord{{User: "alice", Title: "Weekend", Entries: []models.PlaylistRecordEntry{
		{Providers: []models.ProviderID{matrixID}, Title: "The Matrix", Servers: servers},
	}}}
}

func TestPlaylistDiffCreatesMissingPlaylist(t *testing.T) {
	idx := playlistFixture()
	views := []PlaylistView{
		view("a", true, weekend("p1", entry("e1", "a-matrix"))),
		view("b", true),
	}

	plan := (&PlaylistDiffer{}).Diff("alice", views, nil, idx)
	checkIntEqual(t, "actions", len(plan.Actions), 1)
	a := plan.Actions[0]
	checkStringEqual(t, "kind", string(a.Kind), string(models.PlaylistCreate))
	checkStringEqual(t, "target", a.TargetServer, "b")
	checkStringEqual(t, "user", a.TargetUser, "b-alice")
	checkIntEqual(t, "items", len(a.ItemIDs), 1)
	checkStringEqual(t, "item", a.ItemIDs[0], "b-matrix")

	checkIntEqual(t, "records", len(plan.Records), 1)
	checkIntEqual(t, "synced to a only", len(plan.Records[0].Entries[0].Servers), 1)
	plan.MarkSynced(a, idx)
	checkIntEqual(t, "synced to both", len(plan.Records[0].Entries[0].Servers), 2)
}

func TestPlaylistDiffAddsToExistingPlaylist(t *testing.T) {
	idx := playlistFixture()
	views := []PlaylistView{
		view("a", true, weekend("p1", entry("e1", "a-matrix"), entry("e2", "a-alien"))),
		view("b", true, weekend("p9", entry("f1", "b-matrix"))),
	}

	plan := (&PlaylistDiffer{}).Diff("alice", views, nil, idx)
	checkIntEqual(t, "actions", len(plan.Actions), 1)
	a := plan.Actions[0]
	checkStringEqual(t, "kind", string(a.Kind), string(models.PlaylistAdd))
	checkStringEqual(t, "playlist", a.PlaylistID, "p9")
	checkStringEqual(t, "item", a.ItemIDs[0], "b-alien")
}

func TestPlaylistDiffPropagatesRemoval(t *testing.T) {
	idx := playlistFixture()
	views := []PlaylistView{
		view("a", true, weekend("p1")),
		view("b", true, weekend("p9", entry("f1", "b-matrix"))),
	}

	plan := (&PlaylistDiffer{}).Diff("alice", views, syncedRecord("a", "b"), idx)
	checkIntEqual(t, "actions", len(plan.Actions), 1)
	a := plan.Actions[0]
	checkStringEqual(t, "kind", string(a.Kind), string(models.PlaylistRemove))
	checkStringEqual(t, "target", a.TargetServer, "b")
	checkStringEqual(t, "entry", a.EntryIDs[0], "f1")
	checkIntEqual(t, "record dropped", len(plan.Records), 0)
}

func TestPlaylistDiffRemovalBeatsAddition(t *testing.T) {
	idx := playlistFixture()
	views := []PlaylistView{
		view("a", true, weekend("p1", entry("e2", "a-alien"))),
		view("b", true, weekend("p9", entry("f1", "b-matrix"))),
	}

	plan := (&PlaylistDiffer{}).Diff("alice", views, syncedRecord("a", "b"), idx)
	var kinds []string
	for _, a := range plan.Actions {
		kinds = append(kinds, string(a.Kind)+"@"+a.TargetServer)
		checkTrue(t, "removed item never re-added to a", a.TargetServer != "a")
	}
	checkIntEqual(t, "actions", len(plan.Actions), 2)
	checkStringEqual(t, "add first", kinds[0], "add@b")
	checkStringEqual(t, "then remove", kinds[1], "remove@b")
}

func TestPlaylistDiffNeverRemovesUnsyncedEntry(t *testing.T) {
	idx := playlistFixture()
	// Recorded on a only, so b missing it is not a removal.
	views := []PlaylistView{
		view("a", true, weekend("p1", entry("e1", "a-matrix"))),
		view("b", true, weekend("p9")),
	}

	plan := (&PlaylistDiffer{}).Diff("alice", views, syncedRecord("a"), idx)
	checkIntEqual(t, "actions", len(plan.Actions), 1)
	checkStringEqual(t, "kind", string(plan.Actions[0].Kind), string(models.PlaylistAdd))
}

func TestPlaylistDiffReceiversOnlyReceive(t *testing.T) {
	idx := playlistFixture()
	views := []PlaylistView{
		view("a", true, weekend("p1", entry("e1", "a-matrix"))),
		view("b", false, weekend("p9", entry("f2", "b-alien"))),
	}

	plan := (&PlaylistDiffer{}).Diff("alice", views, nil, idx)
	checkIntEqual(t, "actions", len(plan.Actions), 1)
	a := plan.Actions[0]
	checkStringEqual(t, "target", a.TargetServer, "b")
	checkStringEqual(t, "item", a.ItemIDs[0], "b-matrix")
	checkIntEqual(t, "receiver entry not merged", len(plan.Records[0].Entries), 1)
}

func TestPlaylistDiffLeavesUnknownEntries(t *testing.T) {
	idx := playlistFixture()
	views := []PlaylistView{
		view("a", true, weekend("p1", entry("e1", "a-matrix"), entry("e3", "a-music-video"))),
		view("b", true, weekend("p9", entry("f1", "b-matrix"), entry("f3", "b-unlisted"))),
	}

	plan := (&PlaylistDiffer{}).Diff("alice", views, syncedRecord("a", "b"), idx)
	checkIntEqual(t, "converged", len(plan.Actions), 0)
	checkIntEqual(t, "only indexed entries recorded", len(plan.Records[0].Entries), 1)
}
