// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"sort"
	"strings"
	"unicode"

	"github.com/tomtom215/watchsync/internal/models"
)

// namespaceAliases folds the provider schemes different backends and agents
// use for the same database.
var namespaceAliases = map[string]string{
	"thetvdb":                       "tvdb",
	"themoviedb":                    "tmdb",
	"com.plexapp.agents.imdb":       "imdb",
	"com.plexapp.agents.thetvdb":    "tvdb",
	"com.plexapp.agents.themoviedb": "tmdb",
	"com.plexapp.agents.tmdb":       "tmdb",
}

// ignoredNamespaces identify collections or series rather than the item.
var ignoredNamespaces = map[string]bool{
	"tmdbcollection": true,
	"collection":     true,
}

// NormalizedKey is the comparable identity of a ServerItem: a provider-id
// set, a filename signature, or neither (unmatchable).
type NormalizedKey struct {
	Providers []models.ProviderID
	Signature string
}

// HasProviders reports whether the key carries provider identifiers.
func (k NormalizedKey) HasProviders() bool { return len(k.Providers) > 0 }

// Unmatchable reports whether the key can never match another key.
func (k NormalizedKey) Unmatchable() bool {
	return len(k.Providers) == 0 && k.Signature == ""
}

// Matches reports whether two keys identify the same item. Provider sets
// match on intersection; filename signatures are only compared when
// neither side has provider identifiers.
func (k NormalizedKey) Matches(o NormalizedKey) bool {
	if k.HasProviders() || o.HasProviders() {
		for _, a := range k.Providers {
			for _, b := range o.Providers {
				if a == b {
					return true
				}
			}
		}
		return false
	}
	return k.Signature != "" && k.Signature == o.Signature
}

// String renders the key for logs.
func (k NormalizedKey) String() string {
	switch {
	case k.HasProviders():
		parts := make([]string, len(k.Providers))
		for i, p := range k.Providers {
			parts[i] = p.String()
		}
		return strings.Join(parts, ",")
	case k.Signature != "":
		return "file:" + k.Signature
	default:
		return "unmatchable"
	}
}

// Normalizer derives NormalizedKeys. It is safe for concurrent use.
type Normalizer struct {
	tags map[string]struct{}
}

// NewNormalizer builds a Normalizer with the given release-tag vocabulary.
// An empty vocabulary selects DefaultReleaseTags.
func NewNormalizer(tags []string) *Normalizer {
	if len(tags) == 0 {
		tags = DefaultReleaseTags
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			set[t] = struct{}{}
		}
	}
	return &Normalizer{tags: set}
}

// Normalize never fails; items without provider IDs or a usable path get
// an unmatchable key.
func (n *Normalizer) Normalize(item models.ServerItem) NormalizedKey {
	if providers := normalizeProviders(item.ProviderIDs); len(providers) > 0 {
		return NormalizedKey{Providers: providers}
	}
	return NormalizedKey{Signature: n.Signature(item.Path)}
}

func normalizeProviders(ids []models.ProviderID) []models.ProviderID {
	if len(ids) == 0 {
		return nil
	}

	seen := make(map[models.ProviderID]bool, len(ids))
	out := make([]models.ProviderID, 0, len(ids))
	for _, id := range ids {
		ns := strings.ToLower(strings.TrimSpace(id.Namespace))
		if alias, ok := namespaceAliases[ns]; ok {
			ns = alias
		}
		if ns == "" || ignoredNamespaces[ns] {
			continue
		}

		value := id.Value
		if i := strings.IndexByte(value, '?'); i >= 0 {
			value = value[:i]
		}
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" || value == "0" {
			continue
		}

		p := models.ProviderID{Namespace: ns, Value: value}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Signature derives the filename signature of path: base name without
// extension, bracketed segments removed, release tags dropped (everything
// after the first tag is treated as release metadata), separators
// collapsed, lower-cased. An empty result means no signature.
func (n *Normalizer) Signature(path string) string {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	base = stripExtension(base)
	base = stripBracketed(base)

	tokens := strings.FieldsFunc(strings.ToLower(base), func(r rune) bool {
		return r != '-' && !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	words := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.Trim(tok, "-")
		if tok == "" {
			continue
		}
		if n.isTag(tok) {
			if len(words) > 0 {
				break
			}
			continue
		}
		if w := alnumOnly(tok); w != "" {
			words = append(words, w)
		}
	}
	return strings.Join(words, " ")
}

func (n *Normalizer) isTag(tok string) bool {
	if _, ok := n.tags[tok]; ok {
		return true
	}
	// x264-GROUP, 1080p-WEB
	if head, _, ok := strings.Cut(tok, "-"); ok {
		_, isTag := n.tags[head]
		return isTag
	}
	return false
}

func stripExtension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || len(name)-i-1 > 5 {
		return name
	}
	for _, r := range name[i+1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return name
		}
	}
	return name[:i]
}

func stripBracketed(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '[', '{':
			depth++
			b.WriteByte(' ')
		case ']', '}':
			if depth > 0 {
				depth--
			}
			b.WriteByte(' ')
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func alnumOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
