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

// Package doc holds the document model shared by the nested NER pipe, the
// scorer and the OMOP connector.
//
// A Doc carries two annotation channels:
//   - Ents: the flat entity list. Spans in it never overlap once the pipe
//     has written them.
//   - Spans: named span groups. Spans within a group may overlap each other
//     and may overlap Ents.
//
// All span offsets are token offsets (half-open), not character offsets.
package doc

import (
	"fmt"
	"maps"
	"slices"
)

// Span is a labeled token range [Start, End).
type Span struct {
	// Start is the index of the first token of the span
	Start int `json:"start"`
	// End is the index one past the last token of the span
	End int `json:"end"`
	// Label is the entity type (e.g., "DRUG", "DOSE")
	Label string `json:"label"`
}

// Len returns the number of tokens covered by the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Overlaps reports whether s and other share at least one token.
func (s Span) Overlaps(other Span) bool {
	return s.Start < other.End && other.Start < s.End
}

func (s Span) String() string {
	return fmt.Sprintf("%s[%d:%d]", s.Label, s.Start, s.End)
}

// Token is a word of the document with its character offsets in Doc.Text.
type Token struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Doc is a tokenized text with its annotations.
type Doc struct {
	ID     string  `json:"id,omitempty"`
	Text   string  `json:"text"`
	Tokens []Token `json:"tokens,omitempty"`

	// Ents is the flat, non-overlapping entity channel.
	Ents []Span `json:"ents,omitempty"`

	// Spans maps group names to possibly overlapping spans.
	Spans map[string][]Span `json:"spans,omitempty"`

	// Meta holds document-level attributes (e.g. "note_datetime").
	Meta map[string]string `json:"meta,omitempty"`

	// Extensions holds per-entity attributes keyed by attribute name, then by
	// span. Used by the OMOP connector (e.g. "negated").
	Extensions map[string]map[Span]any `json:"-"`
}

// NewDoc tokenizes text and returns an unannotated document.
func NewDoc(id, text string) *Doc {
	return &Doc{
		ID:     id,
		Text:   text,
		Tokens: Tokenize(text),
	}
}

// Len returns the number of tokens.
func (d *Doc) Len() int {
	return len(d.Tokens)
}

// Group returns the spans of a named group, or nil if the group is absent.
func (d *Doc) Group(name string) []Span {
	if d.Spans == nil {
		return nil
	}
	return d.Spans[name]
}

// HasGroup reports whether the named group exists, even if empty.
func (d *Doc) HasGroup(name string) bool {
	_, ok := d.Spans[name]
	return ok
}

// SetGroup replaces the spans of a named group.
func (d *Doc) SetGroup(name string, spans []Span) {
	if d.Spans == nil {
		d.Spans = make(map[string][]Span)
	}
	d.Spans[name] = spans
}

// GroupNames returns the names of the span groups in sorted order.
func (d *Doc) GroupNames() []string {
	names := make([]string, 0, len(d.Spans))
	for name := range d.Spans {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SpanText returns the text covered by a span, or "" if the span is out of
// range or the document is not tokenized.
func (d *Doc) SpanText(s Span) string {
	if s.Start < 0 || s.End > len(d.Tokens) || s.Start >= s.End {
		return ""
	}
	return d.Text[d.Tokens[s.Start].Start:d.Tokens[s.End-1].End]
}

// CharSpan converts character offsets into a token span. Offsets must fall
// on token boundaries.
func (d *Doc) CharSpan(startChar, endChar int, label string) (Span, error) {
	start, end := -1, -1
	for i, tok := range d.Tokens {
		if tok.Start == startChar {
			start = i
		}
		if tok.End == endChar {
			end = i + 1
			break
		}
	}
	if start < 0 || end <= start {
		return Span{}, fmt.Errorf("char offsets [%d:%d] do not align with token boundaries", startChar, endChar)
	}
	return Span{Start: start, End: end, Label: label}, nil
}

// CharOffsets returns the character offsets of a token span.
func (d *Doc) CharOffsets(s Span) (int, int, error) {
	if s.Start < 0 || s.End > len(d.Tokens) || s.Start >= s.End {
		return 0, 0, fmt.Errorf("span %s out of range for %d tokens", s, len(d.Tokens))
	}
	return d.Tokens[s.Start].Start, d.Tokens[s.End-1].End, nil
}

// SetExtension records an attribute value for a span.
func (d *Doc) SetExtension(name string, s Span, value any) {
	if d.Extensions == nil {
		d.Extensions = make(map[string]map[Span]any)
	}
	if d.Extensions[name] == nil {
		d.Extensions[name] = make(map[Span]any)
	}
	d.Extensions[name][s] = value
}

// Extension returns the attribute value recorded for a span.
func (d *Doc) Extension(name string, s Span) (any, bool) {
	v, ok := d.Extensions[name][s]
	return v, ok
}

// Copy returns a document with the same text and tokens and no annotations.
func (d *Doc) Copy() *Doc {
	return &Doc{
		ID:     d.ID,
		Text:   d.Text,
		Tokens: slices.Clone(d.Tokens),
		Meta:   maps.Clone(d.Meta),
	}
}

// Example pairs the document a pipeline writes predictions to with the
// gold-annotated reference document.
type Example struct {
	Predicted *Doc
	Reference *Doc
}

// NewExample builds an example whose predicted side is an unannotated copy
// of the reference.
func NewExample(reference *Doc) *Example {
	return &Example{
		Predicted: reference.Copy(),
		Reference: reference,
	}
}

// References returns the reference documents of a batch of examples.
func References(examples []*Example) []*Doc {
	docs := make([]*Doc, len(examples))
	for i, eg := range examples {
		docs[i] = eg.Reference
	}
	return docs
}

// Predictions returns the predicted documents of a batch of examples.
func Predictions(examples []*Example) []*Doc {
	docs := make([]*Doc, len(examples))
	for i, eg := range examples {
		docs[i] = eg.Predicted
	}
	return docs
}
