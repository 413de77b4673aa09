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

package scoring

import (
	"testing"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/stretchr/testify/assert"
)

func example(pred, gold []doc.Span) *doc.Example {
	ref := doc.NewDoc("", "a b c d e f g h")
	ref.Ents = gold
	eg := doc.NewExample(ref)
	eg.Predicted.Ents = pred
	return eg
}

var (
	spanA = doc.Span{Start: 0, End: 2, Label: "DRUG"}
	spanB = doc.Span{Start: 3, End: 4, Label: "DOSE"}
)

func TestScore_Conventions(t *testing.T) {
	tests := []struct {
		name     string
		examples []*doc.Example
		want     Report
	}{
		{
			name: "no examples",
			want: Report{EntsP: 1, EntsR: 1, EntsF: 1},
		},
		{
			name:     "nothing predicted nothing gold",
			examples: []*doc.Example{example(nil, nil)},
			want:     Report{EntsP: 1, EntsR: 1, EntsF: 1},
		},
		{
			name:     "spurious prediction",
			examples: []*doc.Example{example([]doc.Span{spanA}, nil)},
			want:     Report{EntsP: 0, EntsR: 1, EntsF: 0},
		},
		{
			name:     "missed gold",
			examples: []*doc.Example{example(nil, []doc.Span{spanA})},
			want:     Report{EntsP: 1, EntsR: 0, EntsF: 0},
		},
		{
			name:     "exact match",
			examples: []*doc.Example{example([]doc.Span{spanA}, []doc.Span{spanA})},
			want:     Report{EntsP: 1, EntsR: 1, EntsF: 1},
		},
		{
			name:     "one extra prediction",
			examples: []*doc.Example{example([]doc.Span{spanA, spanB}, []doc.Span{spanA})},
			want:     Report{EntsP: 0.5, EntsR: 1, EntsF: 2.0 / 3.0},
		},
		{
			name: "label mismatch is a miss",
			examples: []*doc.Example{example(
				[]doc.Span{{Start: 0, End: 2, Label: "DOSE"}},
				[]doc.Span{spanA},
			)},
			want: Report{EntsP: 0, EntsR: 0, EntsF: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.examples, Options{})
			assert.InDelta(t, tt.want.EntsP, got.EntsP, 1e-9)
			assert.InDelta(t, tt.want.EntsR, got.EntsR, 1e-9)
			assert.InDelta(t, tt.want.EntsF, got.EntsF, 1e-9)
		})
	}
}

func TestScore_ExampleIndexMatters(t *testing.T) {
	// Same span, but predicted on the first example and gold on the second.
	got := Score([]*doc.Example{
		example([]doc.Span{spanA}, nil),
		example(nil, []doc.Span{spanA}),
	}, Options{})
	assert.Equal(t, Report{EntsP: 0, EntsR: 0, EntsF: 0}, got)
}

func TestScore_DeduplicatesAcrossChannels(t *testing.T) {
	eg := example([]doc.Span{spanA}, []doc.Span{spanA})
	eg.Reference.SetGroup("nested", []doc.Span{spanA, spanA})
	eg.Predicted.SetGroup("nested", []doc.Span{spanA})

	c := Count([]*doc.Example{eg}, Options{})
	assert.Equal(t, Counts{TP: 1, Pred: 1, Gold: 1}, c)
}

func TestScore_GroupSelection(t *testing.T) {
	eg := example(nil, nil)
	eg.Reference.SetGroup("gold_only", []doc.Span{spanA})
	eg.Predicted.SetGroup("gold_only", []doc.Span{spanA})
	eg.Predicted.SetGroup("pred_only", []doc.Span{spanB})

	t.Run("fallback uses reference group names on both sides", func(t *testing.T) {
		c := Count([]*doc.Example{eg}, Options{})
		assert.Equal(t, Counts{TP: 1, Pred: 1, Gold: 1}, c)
	})

	t.Run("explicit groups", func(t *testing.T) {
		c := Count([]*doc.Example{eg}, Options{SpansLabels: []string{"pred_only"}})
		assert.Equal(t, Counts{TP: 0, Pred: 1, Gold: 0}, c)
	})

	t.Run("explicit empty group list reads only ents", func(t *testing.T) {
		c := Count([]*doc.Example{eg}, Options{SpansLabels: []string{}})
		assert.Equal(t, Counts{}, c)
	})
}

func TestScore_LabelAllowList(t *testing.T) {
	eg := example([]doc.Span{spanA, spanB}, []doc.Span{spanA})
	got := Score([]*doc.Example{eg}, Options{Labels: []string{"DRUG"}})
	assert.Equal(t, Report{EntsP: 1, EntsR: 1, EntsF: 1}, got)
}

func TestScoreByLabel(t *testing.T) {
	eg := example(
		[]doc.Span{spanA, spanB},
		[]doc.Span{spanA, {Start: 5, End: 6, Label: "DOSE"}},
	)
	got := ScoreByLabel([]*doc.Example{eg}, Options{})

	assert.Equal(t, Report{EntsP: 1, EntsR: 1, EntsF: 1}, got["DRUG"])
	assert.Equal(t, Report{EntsP: 0, EntsR: 0, EntsF: 0}, got["DOSE"])
	assert.Len(t, got, 2)
}

func TestReport_Map(t *testing.T) {
	m := Report{EntsP: 0.5, EntsR: 0.25, EntsF: 1.0 / 3.0}.Map()
	assert.Equal(t, 0.5, m["ents_p"])
	assert.Equal(t, 0.25, m["ents_r"])
	assert.InDelta(t, 1.0/3.0, m["ents_f"], 1e-12)
}
