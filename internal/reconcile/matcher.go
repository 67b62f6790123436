// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"sort"

	"github.com/tomtom215/watchsync/internal/models"
)

// ItemGroup is the set of per-server copies of one logical item within one
// library scope. Members hold at most one item per server, sorted by server.
// Library is the shared library name after the library mapping.
type ItemGroup struct {
	Scope       string
	Library     string
	LibraryType string
	Key         NormalizedKey
	Members     []models.ServerItem
}

// Member returns the group's item on server, if any.
func (g *ItemGroup) Member(server string) (models.ServerItem, bool) {
	for _, m := range g.Members {
		if m.ServerID == server {
			return m, true
		}
	}
	return models.ServerItem{}, false
}

// MatchResult is the Matcher output for one library scope.
type MatchResult struct {
	Groups      []ItemGroup
	Conflicts   []*MatchConflict
	Unmatchable int
}

// Matched returns the number of groups spanning more than one server.
func (r *MatchResult) Matched() int {
	n := 0
	for i := range r.Groups {
		if len(r.Groups[i].Members) > 1 {
			n++
		}
	}
	return n
}

// Matcher groups items across servers by NormalizedKey.
type Matcher struct {
	norm *Normalizer
}

// NewMatcher returns a Matcher using norm for key derivation.
func NewMatcher(norm *Normalizer) *Matcher {
	if norm == nil {
		norm = NewNormalizer(nil)
	}
	return &Matcher{norm: norm}
}

type keyedItem struct {
	item models.ServerItem
	key  NormalizedKey
}

// GroupItems clusters the items of one library scope. Provider identifiers
// link items first; filename signatures only link items that carry no
// provider identifiers at all. Any resulting cluster holding two items from
// one server drops that server's items and reports a MatchConflict.
// Unmatchable items are counted and left out.
func (m *Matcher) GroupItems(scope, library, libraryType string, itemsByServer map[string][]models.ServerItem) *MatchResult {
	res := &MatchResult{}

	servers := make([]string, 0, len(itemsByServer))
	for s := range itemsByServer {
		servers = append(servers, s)
	}
	sort.Strings(servers)

	var items []keyedItem
	for _, s := range servers {
		for _, it := range itemsByServer[s] {
			key := m.norm.Normalize(it)
			if key.Unmatchable() {
				res.Unmatchable++
				continue
			}
			items = append(items, keyedItem{item: it, key: key})
		}
	}

	excluded := make([]bool, len(items))
	for _, comp := range cluster(items, nil) {
		byServer := make(map[string][]int)
		for _, idx := range comp {
			byServer[items[idx].item.ServerID] = append(byServer[items[idx].item.ServerID], idx)
		}
		for _, s := range sortedKeys(byServer) {
			idxs := byServer[s]
			if len(idxs) < 2 {
				continue
			}
			c := &MatchConflict{Scope: scope, Server: s, Key: items[idxs[0]].key.String()}
			for _, idx := range idxs {
				excluded[idx] = true
				c.Items = append(c.Items, items[idx].item.ItemID)
			}
			res.Conflicts = append(res.Conflicts, c)
		}
	}

	for _, comp := range cluster(items, excluded) {
		g := ItemGroup{Scope: scope, Library: library, LibraryType: libraryType, Key: items[comp[0]].key}
		for _, idx := range comp {
			g.Members = append(g.Members, items[idx].item)
		}
		sort.Slice(g.Members, func(i, j int) bool { return g.Members[i].ServerID < g.Members[j].ServerID })
		res.Groups = append(res.Groups, g)
	}
	sort.Slice(res.Groups, func(i, j int) bool {
		a, b := res.Groups[i].Members[0], res.Groups[j].Members[0]
		if a.ServerID != b.ServerID {
			return a.ServerID < b.ServerID
		}
		return a.ItemID < b.ItemID
	})
	return res
}

// cluster unions items sharing a provider id, or a signature when neither
// carries provider ids, skipping excluded indices. Components come back in
// ascending order of their first member.
func cluster(items []keyedItem, excluded []bool) [][]int {
	uf := newUnionFind(len(items))
	providerOwner := make(map[models.ProviderID]int)
	signatureOwner := make(map[string]int)

	for i, ki := range items {
		if excluded != nil && excluded[i] {
			continue
		}
		if ki.key.HasProviders() {
			for _, p := range ki.key.Providers {
				if owner, ok := providerOwner[p]; ok {
					uf.union(owner, i)
				} else {
					providerOwner[p] = i
				}
			}
			continue
		}
		if owner, ok := signatureOwner[ki.key.Signature]; ok {
			uf.union(owner, i)
		} else {
			signatureOwner[ki.key.Signature] = i
		}
	}

	comps := uf.components()
	out := make([][]int, 0, len(comps))
	for _, c := range comps {
		if excluded != nil && excluded[c[0]] {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
