// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/tomtom215/watchsync/internal/models"
)

// PlaylistStore persists playlist membership per canonical user.
type PlaylistStore interface {
	LoadPlaylists(ctx context.Context, user string) ([]models.PlaylistRecord, error)
	SavePlaylists(ctx context.Context, user string, records []models.PlaylistRecord) error
}

// ItemIndex resolves playlist entries to matched item groups and back to
// the item each server holds for a group.
type ItemIndex struct {
	groups      []ItemGroup
	keys        []NormalizedKey
	byItem      map[string]int
	byProvider  map[models.ProviderID]int
	bySignature map[string]int
}

// NewItemIndex indexes groups. A group's key is the union of its members'
// provider ids, so an entry recorded from any one server still resolves.
func NewItemIndex(groups []ItemGroup, norm *Normalizer) *ItemIndex {
	if norm == nil {
		norm = NewNormalizer(nil)
	}
	x := &ItemIndex{
		groups:      groups,
		keys:        make([]NormalizedKey, len(groups)),
		byItem:      make(map[string]int),
		byProvider:  make(map[models.ProviderID]int),
		bySignature: make(map[string]int),
	}
	for i := range groups {
		var key NormalizedKey
		seen := make(map[models.ProviderID]bool)
		for _, m := range groups[i].Members {
			x.byItem[accountKey(m.ServerID, m.ItemID)] = i
			k := norm.Normalize(m)
			for _, p := range k.Providers {
				if !seen[p] {
					seen[p] = true
					key.Providers = append(key.Providers, p)
				}
			}
			if key.Signature == "" {
				key.Signature = k.Signature
			}
		}
		if key.HasProviders() {
			key.Signature = ""
		}
		x.keys[i] = key
		for _, p := range key.Providers {
			if _, ok := x.byProvider[p]; !ok {
				x.byProvider[p] = i
			}
		}
		if key.Signature != "" {
			if _, ok := x.bySignature[key.Signature]; !ok {
				x.bySignature[key.Signature] = i
			}
		}
	}
	return x
}

// Lookup returns the group holding server's item.
func (x *ItemIndex) Lookup(server, itemID string) (int, bool) {
	g, ok := x.byItem[accountKey(server, itemID)]
	return g, ok
}

// Find returns the group a recorded key resolves to.
func (x *ItemIndex) Find(key NormalizedKey) (int, bool) {
	for _, p := range key.Providers {
		if g, ok := x.byProvider[p]; ok {
			return g, true
		}
	}
	if !key.HasProviders() && key.Signature != "" {
		g, ok := x.bySignature[key.Signature]
		return g, ok
	}
	return 0, false
}

// Key returns the union key of group g.
func (x *ItemIndex) Key(g int) NormalizedKey { return x.keys[g] }

// Member returns the item server holds for group g.
func (x *ItemIndex) Member(g int, server string) (models.ServerItem, bool) {
	return x.groups[g].Member(server)
}

// Title returns a display title for group g.
func (x *ItemIndex) Title(g int) string {
	if len(x.groups[g].Members) == 0 {
		return ""
	}
	return x.groups[g].Members[0].Title
}

// PlaylistView is what one account's playlists look like on one server.
// Source views feed additions and removals; the others only receive.
type PlaylistView struct {
	Server    string
	Account   models.Account
	Source    bool
	Playlists map[string]models.Playlist
}

// PlaylistPlan is the outcome of diffing one user's playlists.
type PlaylistPlan struct {
	Actions []models.PlaylistAction
	Records []models.PlaylistRecord
}

// MarkSynced records that action's items now sit in its playlist on the
// target server.
func (p *PlaylistPlan) MarkSynced(action models.PlaylistAction, idx *ItemIndex) {
	if action.Kind == models.PlaylistRemove {
		return
	}
	for i := range p.Records {
		if p.Records[i].Title != action.Title {
			continue
		}
		for j := range p.Records[i].Entries {
			e := &p.Records[i].Entries[j]
			g, ok := idx.Find(recordKey(*e))
			if !ok {
				continue
			}
			if m, ok := idx.Member(g, action.TargetServer); ok && containsString(action.ItemIDs, m.ItemID) {
				e.Servers = addServer(e.Servers, action.TargetServer)
			}
		}
	}
}

// PlaylistDiffer plans playlist writes for one canonical user.
//
// Membership is merged across servers by title. An entry recorded as
// synced to a server but now missing there was removed by the user; it is
// dropped from the merged playlist and removed from the other servers in
// the same pass. Every other entry is added wherever it is missing.
// Playlists are created on demand but never deleted.
type PlaylistDiffer struct {
	Now func() time.Time
}

type serverEntry struct {
	group   int
	entryID string
}

// Diff plans the actions that bring every view in line with the merged
// membership, and returns the records to persist once they are applied.
func (d *PlaylistDiffer) Diff(canonical string, views []PlaylistView, previous []models.PlaylistRecord, idx *ItemIndex) PlaylistPlan {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	// Resolve every server entry to a group; entries outside the indexed
	// libraries are left alone.
	resolved := make([]map[string][]serverEntry, len(views))
	for i, v := range views {
		resolved[i] = make(map[string][]serverEntry, len(v.Playlists))
		for title, pl := range v.Playlists {
			for _, e := range pl.Entries {
				if g, ok := idx.Lookup(v.Server, e.ItemID); ok {
					resolved[i][title] = append(resolved[i][title], serverEntry{group: g, entryID: e.EntryID})
				}
			}
		}
	}

	state := make(map[string]*models.PlaylistRecord)
	for _, prev := range previous {
		rec := prev
		rec.Entries = append([]models.PlaylistRecordEntry(nil), prev.Entries...)
		for i := range rec.Entries {
			rec.Entries[i].Servers = append([]string(nil), rec.Entries[i].Servers...)
		}
		state[rec.Title] = &rec
	}

	// Removals first, so an entry removed on one server is not merged back
	// from another in the same pass.
	trashed := make(map[string][]NormalizedKey)
	for i, v := range views {
		if !v.Source {
			continue
		}
		for title := range v.Playlists {
			rec, ok := state[title]
			if !ok {
				continue
			}
			kept := rec.Entries[:0]
			for _, e := range rec.Entries {
				if containsString(e.Servers, v.Server) && indexed(idx, recordKey(e), v.Server) &&
					!holds(resolved[i][title], recordKey(e), idx) {
					trashed[title] = append(trashed[title], recordKey(e))
					continue
				}
				kept = append(kept, e)
			}
			rec.Entries = kept
		}
	}

	for i, v := range views {
		if !v.Source {
			continue
		}
		for _, title := range sortedKeys(v.Playlists) {
			rec, ok := state[title]
			if !ok {
				rec = &models.PlaylistRecord{User: canonical, Title: title}
				state[title] = rec
			}
			for _, se := range resolved[i][title] {
				key := idx.Key(se.group)
				if matchesAny(trashed[title], key) || indexOfEntry(rec.Entries, key) >= 0 {
					continue
				}
				rec.Entries = append(rec.Entries, models.PlaylistRecordEntry{
					Providers: key.Providers,
					Signature: key.Signature,
					Title:     idx.Title(se.group),
				})
			}
		}
	}

	// Entries already present on a server count as synced there.
	for i, v := range views {
		for title, entries := range resolved[i] {
			rec, ok := state[title]
			if !ok {
				continue
			}
			for _, se := range entries {
				if j := indexOfEntry(rec.Entries, idx.Key(se.group)); j >= 0 {
					rec.Entries[j].Servers = addServer(rec.Entries[j].Servers, v.Server)
				}
			}
		}
	}

	var plan PlaylistPlan
	for _, title := range sortedKeys(state) {
		rec := state[title]
		for vi, v := range views {
			pl, exists := v.Playlists[title]
			base := models.PlaylistAction{
				TargetServer:  v.Server,
				TargetUser:    v.Account.ID,
				TargetAccount: v.Account.Name,
				CanonicalUser: canonical,
				Title:         title,
				PlaylistID:    pl.ID,
			}

			var itemIDs, itemKeys []string
			for _, e := range rec.Entries {
				if containsString(e.Servers, v.Server) {
					continue
				}
				g, ok := idx.Find(recordKey(e))
				if !ok {
					continue
				}
				m, ok := idx.Member(g, v.Server)
				if !ok {
					continue
				}
				itemIDs = append(itemIDs, m.ItemID)
				itemKeys = append(itemKeys, idx.Key(g).String())
			}
			if len(itemIDs) > 0 {
				a := base
				a.Kind = models.PlaylistAdd
				if !exists {
					a.Kind = models.PlaylistCreate
				}
				a.ItemIDs, a.ItemKeys = itemIDs, itemKeys
				plan.Actions = append(plan.Actions, a)
			}

			if !exists {
				continue
			}
			var remove []string
			for _, se := range resolved[vi][title] {
				if matchesAny(trashed[title], idx.Key(se.group)) {
					remove = append(remove, se.entryID)
				}
			}
			if len(remove) > 0 {
				a := base
				a.Kind = models.PlaylistRemove
				a.EntryIDs = remove
				plan.Actions = append(plan.Actions, a)
			}
		}

		if len(rec.Entries) > 0 {
			rec.UpdatedAt = now().UTC()
			plan.Records = append(plan.Records, *rec)
		}
	}
	return plan
}

func recordKey(e models.PlaylistRecordEntry) NormalizedKey {
	return NormalizedKey{Providers: e.Providers, Signature: e.Signature}
}

// indexed reports whether server's copy of key was listed this pass. An
// entry whose item was not listed cannot be judged removed.
func indexed(idx *ItemIndex, key NormalizedKey, server string) bool {
	g, ok := idx.Find(key)
	if !ok {
		return false
	}
	_, ok = idx.Member(g, server)
	return ok
}

func holds(entries []serverEntry, key NormalizedKey, idx *ItemIndex) bool {
	for _, se := range entries {
		if idx.Key(se.group).Matches(key) {
			return true
		}
	}
	return false
}

func matchesAny(keys []NormalizedKey, key NormalizedKey) bool {
	for _, k := range keys {
		if k.Matches(key) {
			return true
		}
	}
	return false
}

func indexOfEntry(entries []models.PlaylistRecordEntry, key NormalizedKey) int {
	for i, e := range entries {
		if recordKey(e).Matches(key) {
			return i
		}
	}
	return -1
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func addServer(servers []string, server string) []string {
	if containsString(servers, server) {
		return servers
	}
	servers = append(servers, server)
	sort.Strings(servers)
	return servers
}
