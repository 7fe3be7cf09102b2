// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tokensession.
//
// go-tokensession is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package provider holds the ordered set of named PKCS#11 driver libraries
// that discovery walks through.
package provider

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

var (
	// ErrDuplicateProvider is returned when two entries share a name.
	ErrDuplicateProvider = errors.New("provider: duplicate provider name")

	// ErrInvalidProvider is returned for an entry without a name.
	ErrInvalidProvider = errors.New("provider: provider name is required")

	// ErrNilSource is returned when a registry is built without a source.
	ErrNilSource = errors.New("provider: source is nil")
)

// Entry names one vendor driver library. Library may be empty or point at
// a file that does not exist yet; such entries are skipped by discovery.
type Entry struct {
	Name    string `yaml:"name" json:"name" mapstructure:"name"`
	Library string `yaml:"library" json:"library" mapstructure:"library"`
}

// Source produces the configured entries in priority order.
type Source interface {
	Providers() ([]Entry, error)
}

// StaticSource is a fixed list of entries.
type StaticSource []Entry

// Providers returns a copy of the list.
func (s StaticSource) Providers() ([]Entry, error) {
	out := make([]Entry, len(s))
	copy(out, s)
	return out, nil
}

// SourceFunc adapts a function to Source.
type SourceFunc func() ([]Entry, error)

// Providers calls f.
func (f SourceFunc) Providers() ([]Entry, error) {
	return f()
}

// Registry is a reload-capable, concurrency-safe view of a Source.
type Registry struct {
	source  Source
	entries atomic.Pointer[[]Entry]
}

// NewRegistry loads src once and returns the registry.
func NewRegistry(src Source) (*Registry, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	r := &Registry{source: src}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns the entries in priority order. The slice is a copy.
func (r *Registry) List() []Entry {
	p := r.entries.Load()
	if p == nil {
		return nil
	}
	out := make([]Entry, len(*p))
	copy(out, *p)
	return out
}

// Lookup finds an entry by name, ignoring case.
func (r *Registry) Lookup(name string) (Entry, bool) {
	p := r.entries.Load()
	if p == nil {
		return Entry{}, false
	}
	for _, e := range *p {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return Entry{}, false
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	p := r.entries.Load()
	if p == nil {
		return 0
	}
	return len(*p)
}

// Reload re-reads the source and swaps the entry set atomically. On error
// the previous set stays in place.
func (r *Registry) Reload() error {
	entries, err := r.source.Providers()
	if err != nil {
		return fmt.Errorf("provider: load entries: %w", err)
	}
	if err := Validate(entries); err != nil {
		return err
	}
	normalized := make([]Entry, len(entries))
	for i, e := range entries {
		normalized[i] = Entry{
			Name:    strings.TrimSpace(e.Name),
			Library: strings.TrimSpace(e.Library),
		}
	}
	r.entries.Store(&normalized)
	return nil
}

// Validate checks that every entry is named and that names are unique
// without regard to case. Library paths are not checked.
func Validate(entries []Entry) error {
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return fmt.Errorf("%w: entry %d", ErrInvalidProvider, i)
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateProvider, name)
		}
		seen[key] = struct{}{}
	}
	return nil
}
