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

package doc

import "regexp"

// wordPattern splits text into runs of letters/digits and single
// punctuation marks.
var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+|[^\p{L}\p{N}_\s]`)

// Tokenize splits text into word and punctuation tokens with character
// offsets. Offsets are byte offsets into text.
func Tokenize(text string) []Token {
	locs := wordPattern.FindAllStringIndex(text, -1)
	tokens := make([]Token, len(locs))
	for i, loc := range locs {
		tokens[i] = Token{
			Text:  text[loc[0]:loc[1]],
			Start: loc[0],
			End:   loc[1],
		}
	}
	return tokens
}
