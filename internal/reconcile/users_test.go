// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"errors"
	"testing"

	"github.com/tomtom215/watchsync/internal/models"
)

func TestResolveUsersByName(t *testing.T) {
	m, err := ResolveUsers(map[string][]models.Account{
		"plex": {{ID: "1", Name: "Alice"}, {ID: "7", Name: "carol"}},
		"jf":   {{ID: "u1", Name: "alice"}, {ID: "u2", Name: "bob"}},
	}, nil)
	checkNoError(t, err)

	alice, ok := m.Identity("alice")
	checkTrue(t, "alice resolved", ok)
	checkIntEqual(t, "alice accounts", len(alice.Accounts), 2)
	checkStringEqual(t, "plex account", alice.Accounts["plex"].ID, "1")

	c, ok := m.Canonical("jf", "u1")
	checkTrue(t, "reverse lookup", ok)
	checkStringEqual(t, "canonical", c, "alice")

	cross := m.CrossServer()
	checkIntEqual(t, "cross-server identities", len(cross), 1)
	checkStringEqual(t, "only alice spans servers", cross[0].Canonical, "alice")
}

func TestResolveUsersExplicitMappingWins(t *testing.T) {
	table := MappingTable{
		"alice": {"plex": "Alice", "jf": "ally"},
	}
	m, err := ResolveUsers(map[string][]models.Account{
		"plex": {{ID: "1", Name: "Alice"}},
		"jf":   {{ID: "u1", Name: "alice"}, {ID: "u9", Name: "Ally"}},
	}, table)
	checkNoError(t, err)

	alice, _ := m.Identity("alice")
	checkStringEqual(t, "explicit jf account", alice.Accounts["jf"].ID, "u9")

	_, mapped := m.Canonical("jf", "u1")
	checkTrue(t, "name-equal account left unmapped when identity already has jf", !mapped)
}

func TestResolveUsersDuplicateNamesUnmapped(t *testing.T) {
	m, err := ResolveUsers(map[string][]models.Account{
		"plex": {{ID: "1", Name: "Bob"}, {ID: "2", Name: "bob"}},
		"jf":   {{ID: "u2", Name: "bob"}},
	}, nil)
	checkNoError(t, err)
	_, ok := m.Canonical("plex", "1")
	checkTrue(t, "ambiguous plex bob unmapped", !ok)
	checkIntEqual(t, "no cross-server identity", len(m.CrossServer()), 0)
}

func TestResolveUsersContradictoryMapping(t *testing.T) {
	table := MappingTable{
		"alice": {"plex": "Alice"},
		"bob":   {"plex": "alice"},
	}
	_, err := ResolveUsers(map[string][]models.Account{"plex": {{ID: "1", Name: "Alice"}}}, table)
	var cerr *ConfigError
	checkTrue(t, "config error", errors.As(err, &cerr))
	checkStringEqual(t, "field", cerr.Field, "users.mapping")
}

func TestResolveUsersCanonicalNamesFoldCase(t *testing.T) {
	m, err := ResolveUsers(map[string][]models.Account{
		"a": {{ID: "a1", Name: "alice"}},
		"b": {{ID: "b1", Name: "alice"}},
	}, MappingTable{"Alice": {"a": "alice"}})
	checkNoError(t, err)

	cross := m.CrossServer()
	checkIntEqual(t, "cross-server identities", len(cross), 1)
	checkStringEqual(t, "canonical", cross[0].Canonical, "alice")
	checkStringEqual(t, "b account", cross[0].Accounts["b"].ID, "b1")
}

func TestResolveUsersJoinsIdentityByMappedLogin(t *testing.T) {
	m, err := ResolveUsers(map[string][]models.Account{
		"a": {{ID: "a1", Name: "alice"}},
		"b": {{ID: "b1", Name: "Alice"}},
	}, MappingTable{"ally": {"a": "alice"}})
	checkNoError(t, err)

	c, ok := m.Canonical("b", "b1")
	checkTrue(t, "b alice mapped", ok)
	checkStringEqual(t, "joined the mapped identity", c, "ally")
	_, separate := m.Identity("alice")
	checkTrue(t, "no separate alice identity", !separate)
}

func TestValidateMappingTableCaseVariants(t *testing.T) {
	checkNoError(t, ValidateMappingTable(MappingTable{
		"Alice": {"a": "alice"},
		"alice": {"b": "al"},
	}))

	err := ValidateMappingTable(MappingTable{
		"Alice": {"a": "alice"},
		"alice": {"a": "other"},
	})
	var cerr *ConfigError
	checkTrue(t, "two accounts on one server", errors.As(err, &cerr))
}
