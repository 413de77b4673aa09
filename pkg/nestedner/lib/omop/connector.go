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

// Package omop converts between documents and the OMOP CDM "note" and
// "note_nlp" tables.
//
// Character offsets in OMOP rows count Unicode code points, as produced by
// most clinical data warehouses; documents use byte offsets internally, so
// the connector converts in both directions.
package omop

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/spans"
	"github.com/bytedance/sonic"
)

// MetaNoteDatetime is the document metadata key holding note_datetime.
const MetaNoteDatetime = "note_datetime"

// NoteRow is a row of the note table.
type NoteRow struct {
	NoteID       int64  `json:"note_id"`
	NoteText     string `json:"note_text"`
	NoteDatetime string `json:"note_datetime,omitempty"`
}

// NoteNLPRow is a row of the note_nlp table.
type NoteNLPRow struct {
	NoteNLPID          int64          `json:"note_nlp_id"`
	NoteID             int64          `json:"note_id"`
	StartChar          int            `json:"start_char"`
	EndChar            int            `json:"end_char"`
	LexicalVariant     string         `json:"lexical_variant"`
	NoteNLPSourceValue string         `json:"note_nlp_source_value"`
	Extensions         map[string]any `json:"extensions,omitempty"`
}

// runeOffsets maps code point offsets to byte offsets and back for a text.
type runeOffsets struct {
	byteAt []int       // code point offset -> byte offset
	runeAt map[int]int // byte offset -> code point offset
}

func newRuneOffsets(text string) *runeOffsets {
	ro := &runeOffsets{
		byteAt: make([]int, 0, utf8.RuneCountInString(text)+1),
		runeAt: make(map[int]int, len(text)+1),
	}
	for i := range text {
		ro.runeAt[i] = len(ro.byteAt)
		ro.byteAt = append(ro.byteAt, i)
	}
	ro.runeAt[len(text)] = len(ro.byteAt)
	ro.byteAt = append(ro.byteAt, len(text))
	return ro
}

func (ro *runeOffsets) toByte(r int) (int, bool) {
	if r < 0 || r >= len(ro.byteAt) {
		return 0, false
	}
	return ro.byteAt[r], true
}

// ToDocs builds one document per note with the note_nlp rows of that note
// as flat entities, in row order. Extension attributes listed in
// extensions are copied onto each entity.
func ToDocs(notes []NoteRow, nlp []NoteNLPRow, extensions []string) ([]*doc.Doc, error) {
	byNote := make(map[int64][]NoteNLPRow)
	for _, row := range nlp {
		byNote[row.NoteID] = append(byNote[row.NoteID], row)
	}

	docs := make([]*doc.Doc, 0, len(notes))
	for _, note := range notes {
		d := doc.NewDoc(strconv.FormatInt(note.NoteID, 10), note.NoteText)
		if note.NoteDatetime != "" {
			d.Meta = map[string]string{MetaNoteDatetime: note.NoteDatetime}
		}

		offsets := newRuneOffsets(note.NoteText)
		for _, row := range byNote[note.NoteID] {
			start, okStart := offsets.toByte(row.StartChar)
			end, okEnd := offsets.toByte(row.EndChar)
			if !okStart || !okEnd {
				return nil, fmt.Errorf("note %d, note_nlp %d: offsets [%d:%d] out of range",
					note.NoteID, row.NoteNLPID, row.StartChar, row.EndChar)
			}
			span, err := d.CharSpan(start, end, row.NoteNLPSourceValue)
			if err != nil {
				return nil, fmt.Errorf("note %d, note_nlp %d: %w", note.NoteID, row.NoteNLPID, err)
			}
			for _, name := range extensions {
				if v, ok := row.Extensions[name]; ok {
					d.SetExtension(name, span, v)
				}
			}
			d.Ents = append(d.Ents, span)
		}

		if kept := spans.Filter(d.Ents); len(kept) != len(d.Ents) {
			return nil, fmt.Errorf("note %d: overlapping entities cannot be stored in the flat entity list", note.NoteID)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// FromDocs builds the note and note_nlp tables from documents. Document IDs
// must be integers. note_nlp_id is assigned sequentially across all
// documents.
func FromDocs(docs []*doc.Doc, extensions []string) ([]NoteRow, []NoteNLPRow, error) {
	notes := make([]NoteRow, 0, len(docs))
	var nlp []NoteNLPRow

	var nextID int64
	for _, d := range docs {
		noteID, err := strconv.ParseInt(d.ID, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("document %q: note_id must be an integer: %w", d.ID, err)
		}
		notes = append(notes, NoteRow{
			NoteID:       noteID,
			NoteText:     d.Text,
			NoteDatetime: d.Meta[MetaNoteDatetime],
		})

		offsets := newRuneOffsets(d.Text)
		for _, ent := range d.Ents {
			start, end, err := d.CharOffsets(ent)
			if err != nil {
				return nil, nil, fmt.Errorf("document %q: %w", d.ID, err)
			}
			row := NoteNLPRow{
				NoteNLPID:          nextID,
				NoteID:             noteID,
				StartChar:          offsets.runeAt[start],
				EndChar:            offsets.runeAt[end],
				LexicalVariant:     d.Text[start:end],
				NoteNLPSourceValue: ent.Label,
			}
			for _, name := range extensions {
				if v, ok := d.Extension(name, ent); ok {
					if row.Extensions == nil {
						row.Extensions = make(map[string]any, len(extensions))
					}
					row.Extensions[name] = v
				}
			}
			nlp = append(nlp, row)
			nextID++
		}
	}
	return notes, nlp, nil
}

// GroupsToNoteNLP exports span groups as note_nlp rows, one per span, with
// the group name recorded under the "span_group" extension. Rows are
// numbered from firstID.
func GroupsToNoteNLP(docs []*doc.Doc, groups []string, firstID int64) ([]NoteNLPRow, error) {
	var rows []NoteNLPRow
	nextID := firstID
	for _, d := range docs {
		noteID, err := strconv.ParseInt(d.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("document %q: note_id must be an integer: %w", d.ID, err)
		}
		offsets := newRuneOffsets(d.Text)
		names := groups
		if names == nil {
			names = d.GroupNames()
		}
		for _, name := range names {
			for _, s := range d.Group(name) {
				start, end, err := d.CharOffsets(s)
				if err != nil {
					return nil, fmt.Errorf("document %q, group %q: %w", d.ID, name, err)
				}
				rows = append(rows, NoteNLPRow{
					NoteNLPID:          nextID,
					NoteID:             noteID,
					StartChar:          offsets.runeAt[start],
					EndChar:            offsets.runeAt[end],
					LexicalVariant:     d.Text[start:end],
					NoteNLPSourceValue: s.Label,
					Extensions:         map[string]any{"span_group": name},
				})
				nextID++
			}
		}
	}
	return rows, nil
}

// WriteRows encodes table rows as JSON lines.
func WriteRows[T NoteRow | NoteNLPRow](w io.Writer, rows []T) error {
	bw := bufio.NewWriter(w)
	for i := range rows {
		data, err := sonic.Marshal(&rows[i])
		if err != nil {
			return fmt.Errorf("encoding row %d: %w", i, err)
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("writing row %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// ReadRows decodes JSON lines table rows.
func ReadRows[T NoteRow | NoteNLPRow](r io.Reader) ([]T, error) {
	var rows []T
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var row T
		if err := sonic.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decoding line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	return slices.Clip(rows), nil
}
