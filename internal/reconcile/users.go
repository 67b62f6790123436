// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"fmt"
	"strings"

	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/models"
)

// MappingTable is the configured user mapping:
// canonical identity -> server id -> account name or id.
type MappingTable map[string]map[string]string

// ValidateMappingTable rejects a table that assigns one server account to
// two canonical identities, or two accounts on one server to the same
// identity. Canonical names and account names compare case-insensitively.
func ValidateMappingTable(table MappingTable) error {
	_, err := foldMappingTable(table)
	return err
}

// foldMappingTable lower-cases canonical names and merges entries that
// differ only in case.
func foldMappingTable(table MappingTable) (MappingTable, error) {
	folded := make(MappingTable, len(table))
	owner := make(map[string]string)
	for _, name := range sortedKeys(table) {
		canonical := canonicalName(name)
		if canonical == "" {
			return nil, &ConfigError{Field: "users.mapping", Reason: "empty canonical user name"}
		}
		if folded[canonical] == nil {
			folded[canonical] = make(map[string]string)
		}
		for _, server := range sortedKeys(table[name]) {
			account := strings.TrimSpace(table[name][server])
			k := server + "\x00" + strings.ToLower(account)
			if prev, ok := owner[k]; ok && prev != canonical {
				return nil, &ConfigError{
					Field:  "users.mapping",
					Reason: fmt.Sprintf("account %q on server %s is mapped to both %q and %q", account, server, prev, canonical),
				}
			}
			owner[k] = canonical
			if prev, ok := folded[canonical][server]; ok && !strings.EqualFold(prev, account) {
				return nil, &ConfigError{
					Field:  "users.mapping",
					Reason: fmt.Sprintf("user %q is mapped to both %q and %q on server %s", canonical, prev, account, server),
				}
			}
			folded[canonical][server] = account
		}
	}
	return folded, nil
}

func canonicalName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Identity is one canonical user and its account on each server.
type Identity struct {
	Canonical string
	Accounts  map[string]models.Account
}

// UserMapping relates (server, account) pairs to canonical identities.
// It is read-only once built.
type UserMapping struct {
	identities map[string]*Identity
	byAccount  map[string]string
}

// Identities returns every identity sorted by canonical name.
func (m *UserMapping) Identities() []*Identity {
	out := make([]*Identity, 0, len(m.identities))
	for _, name := range sortedKeys(m.identities) {
		out = append(out, m.identities[name])
	}
	return out
}

// Identity looks up a canonical identity.
func (m *UserMapping) Identity(canonical string) (*Identity, bool) {
	id, ok := m.identities[canonical]
	return id, ok
}

// Canonical returns the identity an account belongs to.
func (m *UserMapping) Canonical(server, accountID string) (string, bool) {
	c, ok := m.byAccount[accountKey(server, accountID)]
	return c, ok
}

// CrossServer returns identities with accounts on at least two servers.
func (m *UserMapping) CrossServer() []*Identity {
	var out []*Identity
	for _, id := range m.Identities() {
		if len(id.Accounts) > 1 {
			out = append(out, id)
		}
	}
	return out
}

// Exclude drops one account from its identity for the rest of the pass.
// It is not safe to call concurrently with readers.
func (m *UserMapping) Exclude(server, accountID string) {
	key := accountKey(server, accountID)
	canonical, ok := m.byAccount[key]
	if !ok {
		return
	}
	delete(m.byAccount, key)
	if id, ok := m.identities[canonical]; ok {
		delete(id.Accounts, server)
	}
}

func accountKey(server, accountID string) string {
	return server + "\x00" + accountID
}

func (m *UserMapping) bind(canonical, server string, acc models.Account) {
	id, ok := m.identities[canonical]
	if !ok {
		id = &Identity{Canonical: canonical, Accounts: make(map[string]models.Account)}
		m.identities[canonical] = id
	}
	id.Accounts[server] = acc
	m.byAccount[accountKey(server, acc.ID)] = canonical
}

// ResolveUsers builds the UserMapping for one pass from the accounts each
// server listed. Explicit table entries win. A remaining account joins the
// identity named after its lower-cased login, or else the identity whose
// mapped accounts use that login, as long as that identity has no account
// on its server yet. Accounts that are ambiguous on their own server stay
// unmapped. Canonical names are lower-cased.
func ResolveUsers(accounts map[string][]models.Account, table MappingTable) (*UserMapping, error) {
	table, err := foldMappingTable(table)
	if err != nil {
		return nil, err
	}

	m := &UserMapping{identities: make(map[string]*Identity), byAccount: make(map[string]string)}
	servers := sortedKeys(accounts)

	for _, canonical := range sortedKeys(table) {
		for _, server := range sortedKeys(table[canonical]) {
			want := table[canonical][server]
			acc, ok := findAccount(accounts[server], want)
			if !ok {
				if _, listed := accounts[server]; listed {
					logging.Warn().Str("user", canonical).Str("server", server).Str("account", want).
						Msg("Mapped account not found on server")
				}
				continue
			}
			m.bind(canonical, server, acc)
		}
	}
	aliases := m.loginAliases()

	for _, server := range servers {
		byName := make(map[string][]models.Account)
		for _, acc := range accounts[server] {
			if _, mapped := m.byAccount[accountKey(server, acc.ID)]; mapped {
				continue
			}
			name := canonicalName(acc.Name)
			if name == "" {
				continue
			}
			byName[name] = append(byName[name], acc)
		}

		for _, name := range sortedKeys(byName) {
			accs := byName[name]
			if len(accs) > 1 {
				logging.Warn().Str("server", server).Str("user", name).Int("accounts", len(accs)).
					Msg("Duplicate user name on server, leaving unmapped")
				continue
			}
			canonical := name
			if _, ok := m.identities[name]; !ok {
				if alias, ok := aliases[name]; ok && alias != "" {
					canonical = alias
				}
			}
			if id, ok := m.identities[canonical]; ok {
				if _, taken := id.Accounts[server]; taken {
					logging.Debug().Str("server", server).Str("user", canonical).
						Msg("Identity already has an account on server, leaving unmapped")
					continue
				}
			}
			m.bind(canonical, server, accs[0])
		}
	}

	return m, nil
}

// loginAliases maps the lower-cased login of every bound account to its
// identity. A login shared by two identities maps to "".
func (m *UserMapping) loginAliases() map[string]string {
	aliases := make(map[string]string)
	for canonical, id := range m.identities {
		for _, acc := range id.Accounts {
			login := canonicalName(acc.Name)
			if login == "" {
				continue
			}
			if prev, ok := aliases[login]; ok && prev != canonical {
				aliases[login] = ""
				continue
			}
			aliases[login] = canonical
		}
	}
	return aliases
}

func findAccount(accounts []models.Account, want string) (models.Account, bool) {
	for _, acc := range accounts {
		if strings.EqualFold(acc.Name, want) {
			return acc, true
		}
	}
	for _, acc := range accounts {
		if acc.ID == want {
			return acc, true
		}
	}
	return models.Account{}, false
}
