// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"testing"
	"time"

	"github.com/tomtom215/watchsync/internal/models"
)

func threeServerGroup() (*ItemGroup, *Identity) {
	g := &ItemGroup{Scope: "shows", LibraryType: models.LibraryTypeShows, Members: []models.ServerItem{
		{ServerID: "a", ItemID: "a1"},
		{ServerID: "b", ItemID: "b1"},
		{ServerID: "c", ItemID: "c1"},
	}}
	id := &Identity{Canonical: "alice", Accounts: map[string]models.Account{
		"a": {ID: "ua", Name: "alice"},
		"b": {ID: "ub", Name: "Alice"},
		"c": {ID: "uc", Name: "alice"},
	}}
	return g, id
}

// applyActions returns the snapshot after every action was written.
func applyActions(states StateSnapshot, actions []models.SyncAction) StateSnapshot {
	out := make(StateSnapshot, len(states))
	for k, v := range states {
		out[k] = v
	}
	for _, a := range actions {
		out[StateKey{Server: a.TargetServer, Item: a.TargetItem, Account: a.TargetUser}] = a.Desired
	}
	return out
}

func TestDiffWatchedWins(t *testing.T) {
	g, id := threeServerGroup()
	now := time.Now()
	states := StateSnapshot{
		{Server: "a", Item: "a1", Account: "ua"}: {Watched: true, ObservedAt: now},
		{Server: "b", Item: "b1", Account: "ub"}: {ProgressSeconds: 900},
	}
	d := &Differ{}
	actions := d.Diff(g, id, states)

	checkIntEqual(t, "actions", len(actions), 2)
	for _, a := range actions {
		checkTrue(t, "target watched", a.Desired.Watched)
		checkTrue(t, "not targeting the source", a.TargetServer != "a")
		checkStringEqual(t, "canonical user", a.CanonicalUser, "alice")
	}

	// Converged state yields no further actions, twice.
	converged := applyActions(states, actions)
	checkIntEqual(t, "second diff", len(d.Diff(g, id, converged)), 0)
	checkIntEqual(t, "third diff", len(d.Diff(g, id, converged)), 0)
}

func TestDiffProgressIsMonotonic(t *testing.T) {
	g, id := threeServerGroup()
	states := StateSnapshot{
		{Server: "a", Item: "a1", Account: "ua"}: {ProgressSeconds: 300},
		{Server: "b", Item: "b1", Account: "ub"}: {ProgressSeconds: 1200},
		{Server: "c", Item: "c1", Account: "uc"}: {ProgressSeconds: 30},
	}
	actions := (&Differ{MinProgressSeconds: 60}).Diff(g, id, states)

	checkIntEqual(t, "actions", len(actions), 2)
	for _, a := range actions {
		checkIntEqual(t, "target is the max offset", a.Desired.ProgressSeconds, 1200)
		checkTrue(t, "never regresses", a.Desired.ProgressSeconds >= a.Current.ProgressSeconds)
		checkTrue(t, "b already furthest", a.TargetServer != "b")
	}
}

func TestDiffNoSignal(t *testing.T) {
	g, id := threeServerGroup()
	states := StateSnapshot{{Server: "a", Item: "a1", Account: "ua"}: {ProgressSeconds: 20}}
	checkIntEqual(t, "below min progress", len((&Differ{MinProgressSeconds: 60}).Diff(g, id, states)), 0)
	checkIntEqual(t, "empty snapshot", len((&Differ{}).Diff(g, id, StateSnapshot{})), 0)
}

func TestDiffSkipsServersWithoutAccount(t *testing.T) {
	g, id := threeServerGroup()
	delete(id.Accounts, "c")
	states := StateSnapshot{{Server: "a", Item: "a1", Account: "ua"}: {Watched: true}}
	actions := (&Differ{}).Diff(g, id, states)
	checkIntEqual(t, "only b", len(actions), 1)
	checkStringEqual(t, "target", actions[0].TargetServer, "b")

	delete(id.Accounts, "b")
	checkIntEqual(t, "single participant", len((&Differ{}).Diff(g, id, states)), 0)
}

func TestDiffSourcesLimitContributors(t *testing.T) {
	g, id := threeServerGroup()
	states := StateSnapshot{{Server: "b", Item: "b1", Account: "ub"}: {Watched: true}}
	d := &Differ{Sources: map[string]bool{"a": true}}
	checkIntEqual(t, "receiver state ignored", len(d.Diff(g, id, states)), 0)
}
