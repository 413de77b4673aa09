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

import "github.com/antflydb/nestedner/pkg/nestedner/lib/doc"

// Filter returns a non-overlapping subset of candidates. Candidates are
// scanned in the given order and a span is kept unless it shares a token
// with a span kept before it. There is no sorting and no tie-break on
// length or score: the first candidate wins.
func Filter(candidates []doc.Span) []doc.Span {
	kept := make([]doc.Span, 0, len(candidates))
	for _, s := range candidates {
		overlaps := false
		for _, k := range kept {
			if s.Overlaps(k) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, s)
		}
	}
	return kept
}
