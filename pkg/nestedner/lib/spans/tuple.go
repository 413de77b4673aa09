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

package spans

import (
	"cmp"
	"slices"
)

// Tuple is the flattened form of a span used for loss computation and
// set-based scoring: (document index, label index, start, end).
type Tuple struct {
	Doc   int `json:"doc"`
	Label int `json:"label"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Compare orders tuples by document, label, start then end.
func (t Tuple) Compare(other Tuple) int {
	if c := cmp.Compare(t.Doc, other.Doc); c != 0 {
		return c
	}
	if c := cmp.Compare(t.Label, other.Label); c != 0 {
		return c
	}
	if c := cmp.Compare(t.Start, other.Start); c != 0 {
		return c
	}
	return cmp.Compare(t.End, other.End)
}

// TupleSet is a deduplicated set of tuples.
type TupleSet map[Tuple]struct{}

// Add inserts a tuple.
func (s TupleSet) Add(t Tuple) {
	s[t] = struct{}{}
}

// Has reports whether the set contains a tuple.
func (s TupleSet) Has(t Tuple) bool {
	_, ok := s[t]
	return ok
}

// Sorted returns the tuples in Compare order.
func (s TupleSet) Sorted() []Tuple {
	out := make([]Tuple, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	slices.SortFunc(out, Tuple.Compare)
	return out
}
