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

// Package scoring computes exact-match precision, recall and F1 for nested
// and overlapping entities found in a document's flat entity list and its
// span groups.
package scoring

import (
	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/spans"
)

// Options restricts what is scored.
type Options struct {
	// Labels limits scoring to these labels (nil = all labels).
	Labels []string

	// SpansLabels lists the span group names read on both sides. When nil
	// the group names of each reference document are used, for the
	// predicted side too.
	SpansLabels []string
}

// Report holds the scores under the keys used by training loops.
type Report struct {
	EntsP float64 `json:"ents_p"`
	EntsR float64 `json:"ents_r"`
	EntsF float64 `json:"ents_f"`
}

// Map returns the report as a flat score mapping.
func (r Report) Map() map[string]float64 {
	return map[string]float64{
		"ents_p": r.EntsP,
		"ents_r": r.EntsR,
		"ents_f": r.EntsF,
	}
}

// Func scores a batch of examples. Pipes accept a Func to override the
// default scorer.
type Func func(examples []*doc.Example, opts Options) Report

// Counts are the raw set sizes behind a Report.
type Counts struct {
	TP   int `json:"tp"`
	Pred int `json:"pred"`
	Gold int `json:"gold"`
}

// Report applies the empty-set conventions: a side with no spans scores 1
// when the other side is empty too and 0 otherwise.
func (c Counts) Report() Report {
	r := Report{EntsP: 1, EntsR: 1, EntsF: 1}
	if c.Pred > 0 {
		r.EntsP = float64(c.TP) / float64(c.Pred)
	}
	if c.Gold > 0 {
		r.EntsR = float64(c.TP) / float64(c.Gold)
	}
	if c.Pred > 0 || c.Gold > 0 {
		r.EntsF = 2 * float64(c.TP) / float64(c.Pred+c.Gold)
	}
	return r
}

type key struct {
	example    int
	start, end int
	label      string
}

// collect returns the deduplicated predicted and gold keys of a batch.
func collect(examples []*doc.Example, opts Options) (pred, gold map[key]struct{}) {
	var allow map[string]struct{}
	if opts.Labels != nil {
		allow = make(map[string]struct{}, len(opts.Labels))
		for _, label := range opts.Labels {
			allow[label] = struct{}{}
		}
	}

	pred = make(map[key]struct{})
	gold = make(map[key]struct{})
	add := func(set map[key]struct{}, i int, candidates []doc.Span) {
		for _, s := range candidates {
			if allow != nil {
				if _, ok := allow[s.Label]; !ok {
					continue
				}
			}
			set[key{example: i, start: s.Start, end: s.End, label: s.Label}] = struct{}{}
		}
	}

	for i, eg := range examples {
		groups := spans.SelectGroups(opts.SpansLabels, opts.SpansLabels != nil, eg.Reference)
		add(pred, i, spans.Candidates(eg.Predicted, groups))
		add(gold, i, spans.Candidates(eg.Reference, groups))
	}
	return pred, gold
}

// Count returns the true positive, predicted and gold set sizes.
func Count(examples []*doc.Example, opts Options) Counts {
	pred, gold := collect(examples, opts)
	c := Counts{Pred: len(pred), Gold: len(gold)}
	for k := range pred {
		if _, ok := gold[k]; ok {
			c.TP++
		}
	}
	return c
}

// Score compares predicted and reference annotations by exact
// (example, start, end, label) match.
func Score(examples []*doc.Example, opts Options) Report {
	return Count(examples, opts).Report()
}

// ScoreByLabel breaks Score down per label. Every label seen on either side
// gets an entry.
func ScoreByLabel(examples []*doc.Example, opts Options) map[string]Report {
	pred, gold := collect(examples, opts)
	counts := make(map[string]*Counts)
	get := func(label string) *Counts {
		c, ok := counts[label]
		if !ok {
			c = &Counts{}
			counts[label] = c
		}
		return c
	}
	for k := range pred {
		c := get(k.label)
		c.Pred++
		if _, ok := gold[k]; ok {
			c.TP++
		}
	}
	for k := range gold {
		get(k.label).Gold++
	}

	out := make(map[string]Report, len(counts))
	for label, c := range counts {
		out[label] = c.Report()
	}
	return out
}
