// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"fmt"
	"strings"

	"github.com/tomtom215/watchsync/internal/models"
)

// Direction selects how state flows between servers.
type Direction string

const (
	// DirectionMulti syncs every server with every other server.
	DirectionMulti Direction = "multi"
	// DirectionOneWay only writes to the configured receivers.
	DirectionOneWay Direction = "one-way"
)

// Filter is an allow/deny list pair. An empty allow list allows everything;
// deny always wins. Entries compare case-insensitively.
type Filter struct {
	Allow []string
	Deny  []string
}

// Permits reports whether any of names passes the filter.
func (f Filter) Permits(names ...string) bool {
	if containsFold(f.Deny, names) {
		return false
	}
	return len(f.Allow) == 0 || containsFold(f.Allow, names)
}

func containsFold(list, names []string) bool {
	for _, entry := range list {
		for _, n := range names {
			if n != "" && strings.EqualFold(strings.TrimSpace(entry), n) {
				return true
			}
		}
	}
	return false
}

// expandFilter adds the scope name of every entry, so a filter written
// against one server's library name also covers the libraries mapped onto
// the same scope.
func expandFilter(f Filter, scope func(string) string) Filter {
	expand := func(list []string) []string {
		if len(list) == 0 {
			return nil
		}
		out := make([]string, 0, 2*len(list))
		for _, e := range list {
			out = append(out, e)
			if s := scope(e); s != "" && !strings.EqualFold(s, strings.TrimSpace(e)) {
				out = append(out, s)
			}
		}
		return out
	}
	return Filter{Allow: expand(f.Allow), Deny: expand(f.Deny)}
}

// Policy is the gating configuration applied to Differ output.
type Policy struct {
	Users        Filter
	Libraries    Filter
	LibraryTypes Filter
	Direction    Direction
	Receivers    []string
	ReadOnly     []string
}

// Validate checks the policy against the configured server ids.
func (p Policy) Validate(servers []string) error {
	known := make(map[string]bool, len(servers))
	for _, s := range servers {
		known[s] = true
	}
	switch p.Direction {
	case "", DirectionMulti:
	case DirectionOneWay:
		if len(p.Receivers) == 0 {
			return &ConfigError{Field: "direction.receivers", Reason: "one-way mode needs at least one receiver"}
		}
		for _, r := range p.Receivers {
			if !known[r] {
				return &ConfigError{Field: "direction.receivers", Reason: fmt.Sprintf("unknown server %q", r)}
			}
		}
	default:
		return &ConfigError{Field: "direction.mode", Reason: fmt.Sprintf("unsupported mode %q", p.Direction)}
	}
	for _, r := range p.ReadOnly {
		if !known[r] {
			return &ConfigError{Field: "servers.read_only", Reason: fmt.Sprintf("unknown server %q", r)}
		}
	}
	return nil
}

// Director gates actions through a Policy.
type Director struct {
	policy    Policy
	receivers map[string]bool
	readOnly  map[string]bool
}

// NewDirector builds a Director for policy.
func NewDirector(policy Policy) *Director {
	d := &Director{policy: policy, receivers: make(map[string]bool), readOnly: make(map[string]bool)}
	for _, r := range policy.Receivers {
		d.receivers[r] = true
	}
	for _, r := range policy.ReadOnly {
		d.readOnly[r] = true
	}
	return d
}

// Sources returns the servers whose state feeds the target computation,
// or nil when every server does. In one-way mode receivers only receive.
func (d *Director) Sources(servers []string) map[string]bool {
	if d.policy.Direction != DirectionOneWay {
		return nil
	}
	out := make(map[string]bool)
	for _, s := range servers {
		if !d.receivers[s] {
			out[s] = true
		}
	}
	return out
}

// Allows reports whether a single action passes every gate.
func (d *Director) Allows(a models.SyncAction) bool {
	if !d.policy.Libraries.Permits(a.Library) {
		return false
	}
	if !d.policy.LibraryTypes.Permits(a.LibraryType) {
		return false
	}
	return d.AllowsTarget(a.CanonicalUser, a.TargetAccount, a.TargetServer)
}

// AllowsTarget reports whether a write for canonical's account on server
// passes the user, direction and read-only gates. Playlist writes carry no
// library, so only these gates apply to them.
func (d *Director) AllowsTarget(canonical, account, server string) bool {
	if !d.policy.Users.Permits(canonical, account) {
		return false
	}
	if d.policy.Direction == DirectionOneWay && !d.receivers[server] {
		return false
	}
	return !d.readOnly[server]
}

// Direct splits actions into the ones to apply and the ones filtered out.
// Each action is judged on its own.
func (d *Director) Direct(actions []models.SyncAction) (kept, dropped []models.SyncAction) {
	for _, a := range actions {
		if d.Allows(a) {
			kept = append(kept, a)
		} else {
			dropped = append(dropped, a)
		}
	}
	return kept, dropped
}
