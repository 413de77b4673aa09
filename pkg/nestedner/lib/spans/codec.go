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

// Package spans converts document annotations to and from the flat tuple
// representation consumed by span scoring models.
package spans

import (
	"fmt"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/labels"
)

// Codec maps annotations to tuples through a frozen label registry.
type Codec struct {
	registry *labels.Registry
}

// NewCodec creates a codec over a label registry. The registry may still be
// in auto-discover state; the codec reads it at call time.
func NewCodec(registry *labels.Registry) *Codec {
	return &Codec{registry: registry}
}

// GroupsFor returns the span group names to read from a reference
// document: the configured groups if any, otherwise every group present on
// the reference.
func (c *Codec) GroupsFor(ref *doc.Doc) []string {
	return SelectGroups(c.registry.GroupNames(), c.registry.HasGroups(), ref)
}

// SelectGroups applies the group selection policy shared by training and
// scoring: an explicit list wins, otherwise the reference's own groups.
func SelectGroups(configured []string, hasConfigured bool, ref *doc.Doc) []string {
	if hasConfigured {
		return configured
	}
	return ref.GroupNames()
}

// Candidates returns the spans of the flat channel followed by the spans
// of each named group, in order, duplicates included.
func Candidates(d *doc.Doc, groups []string) []doc.Span {
	n := len(d.Ents)
	for _, name := range groups {
		n += len(d.Group(name))
	}
	out := make([]doc.Span, 0, n)
	out = append(out, d.Ents...)
	for _, name := range groups {
		out = append(out, d.Group(name)...)
	}
	return out
}

// Flatten adds to set one tuple per span of ref's flat channel and selected
// groups. When filter is non-nil only labels it contains are kept. Labels
// outside the vocabulary are dropped silently.
func (c *Codec) Flatten(set TupleSet, docIdx int, ref *doc.Doc, filter map[string]struct{}) {
	for _, s := range Candidates(ref, c.GroupsFor(ref)) {
		if filter != nil {
			if _, ok := filter[s.Label]; !ok {
				continue
			}
		}
		labelIdx, ok := c.registry.Index(s.Label)
		if !ok {
			continue
		}
		set.Add(Tuple{Doc: docIdx, Label: labelIdx, Start: s.Start, End: s.End})
	}
}

// Truth returns the deduplicated gold tuples of a batch, indexed by example
// position, in sorted order.
func (c *Codec) Truth(examples []*doc.Example) []Tuple {
	set := make(TupleSet)
	for i, eg := range examples {
		c.Flatten(set, i, eg.Reference, nil)
	}
	return set.Sorted()
}

// Materialize writes predicted tuples onto d. The flat channel receives the
// overlap-filtered spans whose label is an entity label; every configured
// group receives all spans whose label belongs to it, overlaps included.
// Tuples are read in order; their Doc field is ignored.
func (c *Codec) Materialize(d *doc.Doc, tuples []Tuple) error {
	spans := make([]doc.Span, 0, len(tuples))
	for _, t := range tuples {
		label, ok := c.registry.Label(t.Label)
		if !ok {
			return fmt.Errorf("label index %d out of range for %d labels", t.Label, c.registry.Len())
		}
		spans = append(spans, doc.Span{Start: t.Start, End: t.End, Label: label})
	}

	ents := make([]doc.Span, 0, len(spans))
	for _, s := range spans {
		if c.registry.IsEntLabel(s.Label) {
			ents = append(ents, s)
		}
	}
	d.Ents = Filter(ents)

	for _, name := range c.registry.GroupNames() {
		group := make([]doc.Span, 0, len(spans))
		for _, s := range spans {
			if c.registry.InGroup(name, s.Label) {
				group = append(group, s)
			}
		}
		d.SetGroup(name, group)
	}
	return nil
}

// MaterializeBatch distributes tuples to documents by their Doc index and
// materializes each document. Every document is rewritten, including those
// without predictions.
func (c *Codec) MaterializeBatch(docs []*doc.Doc, tuples []Tuple) error {
	perDoc := make([][]Tuple, len(docs))
	for _, t := range tuples {
		if t.Doc < 0 || t.Doc >= len(docs) {
			return fmt.Errorf("document index %d out of range for batch of %d", t.Doc, len(docs))
		}
		perDoc[t.Doc] = append(perDoc[t.Doc], t)
	}
	for i, d := range docs {
		if err := c.Materialize(d, perDoc[i]); err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
	}
	return nil
}
