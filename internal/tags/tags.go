// Package tags maintains the unit → tag-set index used for stem routing.
//
// The index is rebuilt wholesale off the audio goroutine and published with
// an atomic pointer swap, so a reader sees either the previous complete map
// or the new one and never takes a lock.
package tags

import (
	"strings"
	"sync/atomic"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// RosterEntry is one row of the external instrument roster. Several rows may
// share a UnitID; their tags are unioned.
type RosterEntry struct {
	UnitID string   `json:"unitId" yaml:"unit"`
	Tags   []string `json:"tags" yaml:"tags"`
}

// Set is a normalized tag set.
type Set map[string]struct{}

func (s Set) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// ContainsAll reports whether every required tag is present. An empty
// requirement never matches.
func (s Set) ContainsAll(required []string) bool {
	if len(required) == 0 {
		return false
	}
	for _, t := range required {
		if _, ok := s[t]; !ok {
			return false
		}
	}
	return true
}

// Normalize trims, NFC-normalizes and lowercases a tag.
func Normalize(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	return cases.Lower(language.Und).String(norm.NFC.String(tag))
}

// NormalizeAll normalizes tags, drops empties and duplicates, and keeps
// first-seen order.
func NormalizeAll(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		n := Normalize(t)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Index maps unit IDs to tag sets.
type Index struct {
	current atomic.Pointer[map[string]Set]
}

// Build creates a fresh map from the roster without publishing it.
func Build(roster []RosterEntry) map[string]Set {
	m := make(map[string]Set, len(roster))
	for _, row := range roster {
		id := strings.TrimSpace(row.UnitID)
		if id == "" {
			continue
		}
		set, ok := m[id]
		if !ok {
			set = make(Set, len(row.Tags))
			m[id] = set
		}
		for _, t := range NormalizeAll(row.Tags) {
			set[t] = struct{}{}
		}
	}
	return m
}

// Rebuild replaces the index with one built from roster.
func (ix *Index) Rebuild(roster []RosterEntry) {
	m := Build(roster)
	ix.current.Store(&m)
}

// Lookup returns the tag set for unitID, or nil when the unit is unknown.
// The returned set must not be modified.
func (ix *Index) Lookup(unitID string) Set {
	m := ix.current.Load()
	if m == nil {
		return nil
	}
	return (*m)[unitID]
}

func (ix *Index) Len() int {
	m := ix.current.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}
