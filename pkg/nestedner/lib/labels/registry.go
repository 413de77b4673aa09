// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package labels implements the closed label vocabulary of a nested NER pipe.
//
// A Registry is either configured explicitly (flat entity labels and/or
// span group labels) or discovers its labels from a sample of annotated
// documents. Once configured it is frozen: the sorted label tuple and the
// label<->index table never change again.
package labels

import (
	"maps"
	"slices"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
)

// MaxDiscoverySample caps how many documents Discover looks at.
const MaxDiscoverySample = 100

// Registry owns the label vocabulary and its positional index.
type Registry struct {
	// entLabels is nil when the flat channel is not configured.
	entLabels []string
	// spansLabels is nil when no span groups are configured.
	spansLabels map[string][]string

	labels []string
	index  map[string]int

	entSet    map[string]struct{}
	groupSets map[string]map[string]struct{}

	frozen bool
}

// New creates a registry. When both arguments are nil the registry is left
// in auto-discover state; otherwise it is frozen right away with the given
// partitions.
func New(entLabels []string, spansLabels map[string][]string) (*Registry, error) {
	r := &Registry{}
	if entLabels == nil && spansLabels == nil {
		return r, nil
	}
	if err := r.Configure(entLabels, spansLabels); err != nil {
		return nil, err
	}
	return r, nil
}

// Configure freezes the registry with explicit partitions. A nil
// spansLabels leaves span groups unconfigured.
func (r *Registry) Configure(entLabels []string, spansLabels map[string][]string) error {
	if r.frozen {
		return ErrFrozen
	}
	for _, label := range entLabels {
		if label == "" {
			return configError("labels", ErrInvalidConfig, "empty entity label")
		}
	}
	for name, group := range spansLabels {
		if name == "" {
			return configError("labels", ErrInvalidConfig, "empty span group name")
		}
		for _, label := range group {
			if label == "" {
				return configError("labels", ErrInvalidConfig, "empty label in span group %q", name)
			}
		}
	}

	var ents []string
	if entLabels != nil {
		ents = dedup(entLabels)
	}
	var groups map[string][]string
	if spansLabels != nil {
		groups = make(map[string][]string, len(spansLabels))
		for name, group := range spansLabels {
			groups[name] = dedup(group)
		}
	}
	r.freeze(ents, groups)
	return nil
}

// Discover derives the vocabulary from the reference annotations of at most
// MaxDiscoverySample documents and freezes the registry.
func (r *Registry) Discover(refs []*doc.Doc) error {
	if r.frozen {
		return ErrFrozen
	}
	if len(refs) > MaxDiscoverySample {
		refs = refs[:MaxDiscoverySample]
	}

	ents := make(map[string]struct{})
	groups := make(map[string]map[string]struct{})
	for _, d := range refs {
		for _, s := range d.Ents {
			ents[s.Label] = struct{}{}
		}
		for name, group := range d.Spans {
			for _, s := range group {
				seen, ok := groups[name]
				if !ok {
					seen = make(map[string]struct{})
					groups[name] = seen
				}
				seen[s.Label] = struct{}{}
			}
		}
	}

	entLabels := sortedKeys(ents)
	spansLabels := make(map[string][]string, len(groups))
	for name, seen := range groups {
		spansLabels[name] = sortedKeys(seen)
	}

	if len(union(entLabels, spansLabels)) == 0 {
		return configError("discover", ErrNoAnnotations,
			"cannot initialize: no annotated entities or span groups in %d sample documents", len(refs))
	}

	r.freeze(entLabels, spansLabels)
	return nil
}

func (r *Registry) freeze(entLabels []string, spansLabels map[string][]string) {
	r.entLabels = entLabels
	r.spansLabels = spansLabels
	r.labels = union(entLabels, spansLabels)

	r.index = make(map[string]int, len(r.labels))
	for i, label := range r.labels {
		r.index[label] = i
	}
	r.entSet = toSet(entLabels)
	r.groupSets = make(map[string]map[string]struct{}, len(spansLabels))
	for name, group := range spansLabels {
		r.groupSets[name] = toSet(group)
	}
	r.frozen = true
}

// AddLabel always fails: the vocabulary cannot grow once a model has been
// sized for it.
func (r *Registry) AddLabel(label string) (int, error) {
	return 0, ErrUnsupportedOperation
}

// Frozen reports whether the vocabulary is fixed.
func (r *Registry) Frozen() bool {
	return r.frozen
}

// Labels returns the sorted union of all label partitions.
func (r *Registry) Labels() []string {
	return slices.Clone(r.labels)
}

// Len returns the number of labels.
func (r *Registry) Len() int {
	return len(r.labels)
}

// Index returns the position of a label in Labels.
func (r *Registry) Index(label string) (int, bool) {
	i, ok := r.index[label]
	return i, ok
}

// Label returns the label at position i.
func (r *Registry) Label(i int) (string, bool) {
	if i < 0 || i >= len(r.labels) {
		return "", false
	}
	return r.labels[i], true
}

// EntLabels returns the labels assigned to the flat entity channel, or nil
// if the channel is not configured.
func (r *Registry) EntLabels() []string {
	return slices.Clone(r.entLabels)
}

// SpansLabels returns a copy of the group -> labels mapping, or nil if no
// span groups are configured.
func (r *Registry) SpansLabels() map[string][]string {
	if r.spansLabels == nil {
		return nil
	}
	out := make(map[string][]string, len(r.spansLabels))
	for name, group := range r.spansLabels {
		out[name] = slices.Clone(group)
	}
	return out
}

// HasGroups reports whether span groups are configured. When they are not,
// annotation readers fall back to every group present on the reference
// document.
func (r *Registry) HasGroups() bool {
	return r.spansLabels != nil
}

// GroupNames returns the configured span group names in sorted order. It
// returns nil when groups are not configured and an empty, non-nil slice
// when they are configured with no groups.
func (r *Registry) GroupNames() []string {
	if r.spansLabels == nil {
		return nil
	}
	names := slices.AppendSeq(make([]string, 0, len(r.spansLabels)), maps.Keys(r.spansLabels))
	slices.Sort(names)
	return names
}

// IsEntLabel reports whether spans with this label go to the flat channel.
func (r *Registry) IsEntLabel(label string) bool {
	_, ok := r.entSet[label]
	return ok
}

// InGroup reports whether a label belongs to the named span group.
func (r *Registry) InGroup(name, label string) bool {
	_, ok := r.groupSets[name][label]
	return ok
}

func union(entLabels []string, spansLabels map[string][]string) []string {
	all := toSet(entLabels)
	for _, group := range spansLabels {
		for _, label := range group {
			all[label] = struct{}{}
		}
	}
	return sortedKeys(all)
}

func toSet(labels []string) map[string]struct{} {
	set := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		set[label] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	return slices.Sorted(maps.Keys(set))
}

// dedup drops repeated labels, keeping the first occurrence.
func dedup(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	return out
}
