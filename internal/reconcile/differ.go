// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"github.com/tomtom215/watchsync/internal/models"
)

// StateKey addresses one item's watch state for one account on one server.
type StateKey struct {
	Server  string
	Item    string
	Account string
}

// StateSnapshot holds every watch state observed during Listing. Missing
// keys read as the zero (unwatched) state.
type StateSnapshot map[StateKey]models.WatchState

// Get returns the state for key, or the zero state.
func (s StateSnapshot) Get(server, item, account string) models.WatchState {
	return s[StateKey{Server: server, Item: item, Account: account}]
}

// Differ computes convergence actions for one identity on one group.
type Differ struct {
	// MinProgressSeconds ignores smaller offsets as noise. Zero accepts any
	// positive offset.
	MinProgressSeconds int
	// Sources, when set, limits which servers contribute state to the
	// target. Nil means every server does.
	Sources map[string]bool
}

type participant struct {
	item    models.ServerItem
	account models.Account
	state   models.WatchState
}

// target computes the convergence state from the contributing participants.
// Watched on any server wins; otherwise the furthest progress wins. It
// returns false when no participant carries a signal.
func (d *Differ) target(parts []participant) (models.WatchState, bool) {
	var watched models.WatchState
	var progress models.WatchState
	minProgress := max(1, d.MinProgressSeconds)

	for _, p := range parts {
		if d.Sources != nil && !d.Sources[p.item.ServerID] {
			continue
		}
		st := p.state
		if st.Watched {
			if !watched.Watched || st.ObservedAt.After(watched.ObservedAt) {
				watched = models.WatchState{Watched: true, ObservedAt: st.ObservedAt}
			}
			continue
		}
		if st.ProgressSeconds >= minProgress && st.ProgressSeconds > progress.ProgressSeconds {
			progress = st
		}
	}

	switch {
	case watched.Watched:
		return watched, true
	case progress.ProgressSeconds > 0:
		return models.WatchState{ProgressSeconds: progress.ProgressSeconds, ObservedAt: progress.ObservedAt}, true
	default:
		return models.WatchState{}, false
	}
}

// Diff returns the actions needed to bring every member of group that
// identity has an account on to the target state. Converged groups yield
// no actions, and progress is never moved backwards.
func (d *Differ) Diff(group *ItemGroup, identity *Identity, states StateSnapshot) []models.SyncAction {
	parts := make([]participant, 0, len(group.Members))
	for _, item := range group.Members {
		acc, ok := identity.Accounts[item.ServerID]
		if !ok {
			continue
		}
		parts = append(parts, participant{
			item:    item,
			account: acc,
			state:   states.Get(item.ServerID, item.ItemID, acc.ID),
		})
	}
	if len(parts) < 2 {
		return nil
	}

	want, ok := d.target(parts)
	if !ok {
		return nil
	}

	var actions []models.SyncAction
	for _, p := range parts {
		if !needsUpdate(p.state, want) {
			continue
		}
		actions = append(actions, models.SyncAction{
			TargetServer:  p.item.ServerID,
			TargetItem:    p.item.ItemID,
			TargetUser:    p.account.ID,
			TargetAccount: p.account.Name,
			CanonicalUser: identity.Canonical,
			Library:       group.Library,
			LibraryType:   group.LibraryType,
			Title:         p.item.Title,
			Current:       p.state,
			Desired:       want,
		})
	}
	return actions
}

func needsUpdate(current, want models.WatchState) bool {
	if current.Watched {
		return false
	}
	if want.Watched {
		return true
	}
	return current.ProgressSeconds < want.ProgressSeconds
}
