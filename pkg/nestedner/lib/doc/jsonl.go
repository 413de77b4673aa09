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

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/bytedance/sonic"
)

// maxLineSize bounds a single JSON lines record (clinical notes can be long).
const maxLineSize = 16 * 1024 * 1024

// StreamDocs lazily decodes one document per line. Documents without tokens
// are tokenized on the fly. Blank lines are skipped. Iteration stops after
// the first error.
func StreamDocs(r io.Reader) iter.Seq2[*Doc, error] {
	return func(yield func(*Doc, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		line := 0
		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(strings.TrimSpace(string(raw))) == 0 {
				continue
			}
			var d Doc
			if err := sonic.Unmarshal(raw, &d); err != nil {
				yield(nil, fmt.Errorf("decoding line %d: %w", line, err))
				return
			}
			if len(d.Tokens) == 0 {
				d.Tokens = Tokenize(d.Text)
			}
			if err := d.Validate(); err != nil {
				yield(nil, fmt.Errorf("line %d: %w", line, err))
				return
			}
			if !yield(&d, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("reading documents: %w", err))
		}
	}
}

// ReadDocs decodes all documents of a JSON lines stream.
func ReadDocs(r io.Reader) ([]*Doc, error) {
	var docs []*Doc
	for d, err := range StreamDocs(r) {
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// ReadExamplesFile reads a JSON lines file of gold documents and wraps each
// of them in an Example.
func ReadExamplesFile(path string) ([]*Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening corpus: %w", err)
	}
	defer func() { _ = f.Close() }()

	docs, err := ReadDocs(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	examples := make([]*Example, len(docs))
	for i, d := range docs {
		examples[i] = NewExample(d)
	}
	return examples, nil
}

// WriteDocs encodes documents as JSON lines.
func WriteDocs(w io.Writer, docs []*Doc) error {
	bw := bufio.NewWriter(w)
	for i, d := range docs {
		data, err := sonic.Marshal(d)
		if err != nil {
			return fmt.Errorf("encoding document %d: %w", i, err)
		}
		if _, err := bw.Write(data); err != nil {
			return fmt.Errorf("writing document %d: %w", i, err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing document %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// Validate checks that every span lies within the token sequence.
func (d *Doc) Validate() error {
	check := func(where string, s Span) error {
		if s.Start < 0 || s.End > len(d.Tokens) || s.Start >= s.End {
			return fmt.Errorf("%s span %s out of range for %d tokens", where, s, len(d.Tokens))
		}
		return nil
	}
	for _, s := range d.Ents {
		if err := check("ents", s); err != nil {
			return err
		}
	}
	for name, group := range d.Spans {
		for _, s := range group {
			if err := check("group "+name, s); err != nil {
				return err
			}
		}
	}
	return nil
}
