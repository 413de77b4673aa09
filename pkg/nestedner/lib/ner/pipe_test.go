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

package ner

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/scoring"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/spans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeModel is a test double recording every call it receives.
type fakeModel struct {
	initialized bool
	numLabels   int

	predictions []spans.Tuple
	loss        float64

	initX []*doc.Doc
	initY []spans.Tuple

	truth          []spans.Tuple
	setAnnotations bool
	gradient       float64
	dropout        float64
	finishCalls    int
	predictCalls   int

	beginErr error
}

func (m *fakeModel) Predict(ctx context.Context, docs []*doc.Doc) ([]spans.Tuple, error) {
	m.predictCalls++
	if !m.initialized {
		return nil, ErrModelNotInitialized
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return m.predictions, nil
}

func (m *fakeModel) BeginUpdate(ctx context.Context, docs []*doc.Doc, truth []spans.Tuple, setAnnotations bool) (Output, Backprop, error) {
	if m.beginErr != nil {
		return Output{}, nil, m.beginErr
	}
	m.truth = truth
	m.setAnnotations = setAnnotations
	return Output{Loss: m.loss, Predictions: m.predictions}, func(ctx context.Context, gradient float64) error {
		m.gradient = gradient
		return nil
	}, nil
}

func (m *fakeModel) FinishUpdate(ctx context.Context, opt Optimizer) error {
	m.finishCalls++
	opt.Advance()
	return nil
}

func (m *fakeModel) Initialize(ctx context.Context, x []*doc.Doc, y []spans.Tuple) error {
	m.initX = x
	m.initY = y
	m.initialized = true
	return nil
}

func (m *fakeModel) SetNumLabels(n int) error {
	m.numLabels = n
	return nil
}

func (m *fakeModel) SetDropout(rate float64) {
	m.dropout = rate
}

type countingOptimizer struct {
	steps int
}

func (o *countingOptimizer) LearnRate() float64 { return 0.001 }
func (o *countingOptimizer) Step() int          { return o.steps }
func (o *countingOptimizer) Advance()           { o.steps++ }

const text = "prescription de doliprane 1 g trois fois par jour"

// drugExamples builds three examples annotated with DRUG and DOSE entities
// and a "measurements" group holding DOSE.
func drugExamples() []*doc.Example {
	a := doc.NewDoc("a", text)
	a.Ents = []doc.Span{{Start: 2, End: 3, Label: "DRUG"}}

	b := doc.NewDoc("b", text)
	b.Ents = []doc.Span{{Start: 3, End: 5, Label: "DOSE"}}
	b.SetGroup("measurements", []doc.Span{{Start: 3, End: 5, Label: "DOSE"}})

	c := doc.NewDoc("c", text)
	c.Ents = []doc.Span{{Start: 2, End: 3, Label: "DRUG"}, {Start: 3, End: 5, Label: "DOSE"}}

	return []*doc.Example{doc.NewExample(a), doc.NewExample(b), doc.NewExample(c)}
}

func newPipe(t *testing.T, model Model, opts ...ConfigOption) *Pipe {
	t.Helper()
	opts = append([]ConfigOption{WithLogger(zaptest.NewLogger(t))}, opts...)
	cfg, err := NewConfig(opts...)
	require.NoError(t, err)
	p, err := NewPipe(model, cfg)
	require.NoError(t, err)
	return p
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultName, cfg.Name())
	assert.Equal(t, DefaultSampleSize, cfg.SampleSize())
	assert.Nil(t, cfg.EntLabels())
	assert.Nil(t, cfg.SpansLabels())
}

func TestNewConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts []ConfigOption
	}{
		{name: "empty name", opts: []ConfigOption{WithName("")}},
		{name: "negative sample size", opts: []ConfigOption{WithSampleSize(-1)}},
		{name: "empty group name", opts: []ConfigOption{WithSpansLabels(map[string][]string{"": {"X"}})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opts...)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNewConfig_CopiesInputs(t *testing.T) {
	ents := []string{"DRUG"}
	groups := map[string][]string{"g": {"DOSE"}}
	cfg, err := NewConfig(WithEntLabels(ents...), WithSpansLabels(groups))
	require.NoError(t, err)

	ents[0] = "MUTATED"
	groups["g"][0] = "MUTATED"
	assert.Equal(t, []string{"DRUG"}, cfg.EntLabels())
	assert.Equal(t, map[string][]string{"g": {"DOSE"}}, cfg.SpansLabels())
}

func TestNewPipe_RequiresModel(t *testing.T) {
	_, err := NewPipe(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewPipe_ExplicitLabelsStartConfigured(t *testing.T) {
	p := newPipe(t, &fakeModel{},
		WithEntLabels("DRUG"),
		WithSpansLabels(map[string][]string{"nested": {"DOSE", "DRUG"}}))

	assert.Equal(t, StateConfigured, p.State())
	assert.Equal(t, []string{"DOSE", "DRUG"}, p.Labels())
	assert.Equal(t, []string{"DRUG"}, p.EntLabels())
	assert.Equal(t, map[string][]string{"nested": {"DOSE", "DRUG"}}, p.SpansLabels())
}

func TestPipe_InitializeDiscoversLabels(t *testing.T) {
	model := &fakeModel{}
	p := newPipe(t, model)
	assert.Equal(t, StateUnconfigured, p.State())

	require.NoError(t, p.Initialize(context.Background(), ExamplesFrom(drugExamples()), nil))

	assert.Equal(t, StateReady, p.State())
	assert.Equal(t, []string{"DOSE", "DRUG"}, p.EntLabels())
	assert.Equal(t, map[string][]string{"measurements": {"DOSE"}}, p.SpansLabels())
	assert.Equal(t, []string{"DOSE", "DRUG"}, p.Labels())

	assert.Equal(t, 2, model.numLabels)
	assert.Len(t, model.initX, 3)
	assert.Equal(t, []spans.Tuple{
		{Doc: 0, Label: 1, Start: 2, End: 3},
		{Doc: 1, Label: 0, Start: 3, End: 5},
		{Doc: 2, Label: 0, Start: 3, End: 5},
		{Doc: 2, Label: 1, Start: 2, End: 3},
	}, model.initY)
}

func TestPipe_InitializeWithLabelList(t *testing.T) {
	model := &fakeModel{}
	p := newPipe(t, model)

	require.NoError(t, p.Initialize(context.Background(), ExamplesFrom(drugExamples()), []string{"DRUG"}))
	assert.Equal(t, []string{"DRUG"}, p.Labels())
	assert.Nil(t, p.SpansLabels())
	assert.Equal(t, 1, model.numLabels)
}

func TestPipe_InitializeConsumesOnlySample(t *testing.T) {
	pulled := 0
	infinite := func() iter.Seq[*doc.Example] {
		return func(yield func(*doc.Example) bool) {
			for {
				pulled++
				if !yield(drugExamples()[0]) {
					return
				}
			}
		}
	}

	model := &fakeModel{}
	p := newPipe(t, model, WithSampleSize(5))
	require.NoError(t, p.Initialize(context.Background(), infinite, nil))

	assert.Len(t, model.initX, 5)
	assert.Equal(t, 5, pulled)
}

func TestPipe_InitializeWithoutAnnotations(t *testing.T) {
	empty := []*doc.Example{doc.NewExample(doc.NewDoc("x", text))}

	t.Run("discovery", func(t *testing.T) {
		p := newPipe(t, &fakeModel{})
		err := p.Initialize(context.Background(), ExamplesFrom(empty), nil)
		var cfgErr *ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.ErrorIs(t, err, ErrNoAnnotations)
		assert.Equal(t, StateUnconfigured, p.State())
	})

	t.Run("explicit labels", func(t *testing.T) {
		model := &fakeModel{}
		p := newPipe(t, model, WithEntLabels("DRUG"))
		err := p.Initialize(context.Background(), ExamplesFrom(empty), nil)
		require.ErrorIs(t, err, ErrNoAnnotations)
		assert.Contains(t, err.Error(), "must provide annotated examples")
		assert.False(t, model.initialized)
		assert.Equal(t, StateConfigured, p.State())
	})

	t.Run("labels outside vocabulary", func(t *testing.T) {
		p := newPipe(t, &fakeModel{}, WithEntLabels("ROUTE"))
		err := p.Initialize(context.Background(), ExamplesFrom(drugExamples()), nil)
		assert.ErrorIs(t, err, ErrNoAnnotations)
	})
}

func TestPipe_AddLabelRejected(t *testing.T) {
	p := newPipe(t, &fakeModel{})
	require.NoError(t, p.Initialize(context.Background(), ExamplesFrom(drugExamples()), nil))
	before := p.Labels()

	_, err := p.AddLabel("ROUTE")
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.Equal(t, before, p.Labels())
}

func TestPipe_PredictBeforeInitialize(t *testing.T) {
	p := newPipe(t, &fakeModel{}, WithEntLabels("DRUG"))
	_, err := p.Predict(context.Background(), []*doc.Doc{doc.NewDoc("x", text)})
	assert.ErrorIs(t, err, ErrModelNotInitialized)
}

func TestPipe_PredictDoesNotMutate(t *testing.T) {
	model := &fakeModel{predictions: []spans.Tuple{{Doc: 0, Label: 1, Start: 2, End: 3}}}
	p := newPipe(t, model)
	require.NoError(t, p.Initialize(context.Background(), ExamplesFrom(drugExamples()), nil))

	d := doc.NewDoc("x", text)
	got, err := p.Predict(context.Background(), []*doc.Doc{d})
	require.NoError(t, err)
	assert.Equal(t, model.predictions, got)
	assert.Empty(t, d.Ents)
	assert.Empty(t, d.Spans)

	empty, err := p.Predict(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
	assert.Equal(t, 2, model.predictCalls)
}

func TestPipe_PredictEmptyBatchBeforeInitialize(t *testing.T) {
	model := &fakeModel{}
	p := newPipe(t, model)

	_, err := p.Predict(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelNotInitialized)
	assert.Equal(t, 1, model.predictCalls)
}

func TestPipe_ScoreWithNoConfiguredGroups(t *testing.T) {
	// Groups configured as an empty set: no group is read, on either side,
	// even when the reference carries one.
	model := &fakeModel{}
	p := newPipe(t, model, WithEntLabels("DRUG"), WithSpansLabels(map[string][]string{}))

	ref := doc.NewDoc("a", text)
	ref.Ents = []doc.Span{{Start: 2, End: 3, Label: "DRUG"}}
	ref.SetGroup("other", []doc.Span{{Start: 0, End: 1, Label: "DRUG"}})
	eg := doc.NewExample(ref)
	eg.Predicted.Ents = []doc.Span{{Start: 2, End: 3, Label: "DRUG"}}
	examples := []*doc.Example{eg}

	opts := p.ScoreOptions()
	assert.NotNil(t, opts.SpansLabels)
	assert.Empty(t, opts.SpansLabels)

	require.NoError(t, p.Initialize(context.Background(), ExamplesFrom(examples), nil))
	assert.Equal(t, []spans.Tuple{{Doc: 0, Label: 0, Start: 2, End: 3}}, model.initY)

	report := p.Score(examples)
	assert.InDelta(t, 1.0, report.EntsP, 1e-9)
	assert.InDelta(t, 1.0, report.EntsR, 1e-9)
	assert.InDelta(t, 1.0, report.EntsF, 1e-9)
}

func TestConfigFile_KeepsEmptyGroups(t *testing.T) {
	tests := []struct {
		name       string
		opts       []ConfigOption
		wantSpans  map[string][]string
		wantGroups []string
	}{
		{
			name:       "configured with no groups",
			opts:       []ConfigOption{WithEntLabels("DRUG"), WithSpansLabels(map[string][]string{})},
			wantSpans:  map[string][]string{},
			wantGroups: []string{},
		},
		{
			name: "groups not configured",
			opts: []ConfigOption{WithEntLabels("DRUG")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipe(t, &fakeModel{}, tt.opts...)
			path := filepath.Join(t.TempDir(), ConfigFileName)
			require.NoError(t, SaveConfigFile(path, p))

			fc, err := LoadConfigFile(path)
			require.NoError(t, err)
			cfg, err := NewConfig(fc.Options()...)
			require.NoError(t, err)
			again, err := NewPipe(&fakeModel{}, cfg)
			require.NoError(t, err)

			assert.Equal(t, tt.wantSpans, again.SpansLabels())
			assert.Equal(t, tt.wantGroups, again.ScoreOptions().SpansLabels)
		})
	}
}

func TestPipe_Process(t *testing.T) {
	// Labels: DOSE=0, DRUG=1
	model := &fakeModel{predictions: []spans.Tuple{
		{Doc: 0, Label: 1, Start: 2, End: 5},
		{Doc: 0, Label: 0, Start: 3, End: 5},
		{Doc: 1, Label: 0, Start: 3, End: 5},
	}}
	p := newPipe(t, model)
	require.NoError(t, p.Initialize(context.Background(), ExamplesFrom(drugExamples()), nil))

	docs := []*doc.Doc{doc.NewDoc("x", text), doc.NewDoc("y", text)}
	require.NoError(t, p.Process(context.Background(), docs))

	assert.Equal(t, []doc.Span{{Start: 2, End: 5, Label: "DRUG"}}, docs[0].Ents)
	assert.Equal(t, []doc.Span{{Start: 3, End: 5, Label: "DOSE"}}, docs[0].Group("measurements"))
	assert.Equal(t, []doc.Span{{Start: 3, End: 5, Label: "DOSE"}}, docs[1].Ents)
	assert.Equal(t, []doc.Span{{Start: 3, End: 5, Label: "DOSE"}}, docs[1].Group("measurements"))
}

func TestPipe_Update(t *testing.T) {
	model := &fakeModel{
		loss:        0.75,
		predictions: []spans.Tuple{{Doc: 0, Label: 1, Start: 2, End: 3}},
	}

	var events []UpdateEvent
	p := newPipe(t, model, WithName("ner"), WithObserver(func(e UpdateEvent) {
		events = append(events, e)
	}))
	examples := drugExamples()
	require.NoError(t, p.Initialize(context.Background(), ExamplesFrom(examples), nil))

	opt := &countingOptimizer{}
	losses, err := p.Update(context.Background(), examples, UpdateOptions{
		Dropout:   0.1,
		Optimizer: opt,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]float64{"ner": 0.75}, losses)
	assert.Equal(t, model.initY, model.truth)
	assert.Equal(t, 1.0, model.gradient)
	assert.Equal(t, 0.1, model.dropout)
	assert.Equal(t, 1, model.finishCalls)
	assert.Equal(t, 1, opt.Step())
	assert.False(t, model.setAnnotations)
	assert.Empty(t, examples[0].Predicted.Ents)

	require.Len(t, events, 1)
	assert.Equal(t, "ner", events[0].Pipe)
	assert.Equal(t, 4, events[0].Truth)
	assert.Equal(t, 1, events[0].Predictions)
	assert.Equal(t, 0.75, events[0].Loss)
	assert.Len(t, events[0].Examples, 3)

	// Losses accumulate into the caller's mapping.
	losses, err = p.Update(context.Background(), examples, UpdateOptions{
		Losses:         losses,
		SetAnnotations: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.5, losses["ner"])
	assert.Equal(t, 1, model.finishCalls)
	assert.True(t, model.setAnnotations)
	assert.Equal(t, []doc.Span{{Start: 2, End: 3, Label: "DRUG"}}, examples[0].Predicted.Ents)
}

func TestPipe_UpdateCreatesLossKey(t *testing.T) {
	model := &fakeModel{}
	p := newPipe(t, model)
	require.NoError(t, p.Initialize(context.Background(), ExamplesFrom(drugExamples()), nil))

	losses := map[string]float64{"other": 2}
	got, err := p.Update(context.Background(), drugExamples(), UpdateOptions{Losses: losses})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"other": 2, DefaultName: 0}, got)
}

func TestPipe_UpdateForwardError(t *testing.T) {
	boom := errors.New("boom")
	p := newPipe(t, &fakeModel{beginErr: boom}, WithEntLabels("DRUG"))
	losses, err := p.Update(context.Background(), drugExamples(), UpdateOptions{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, map[string]float64{DefaultName: 0}, losses)
}

func TestPipe_GetLoss(t *testing.T) {
	p := newPipe(t, &fakeModel{}, WithEntLabels("DRUG"))
	loss, gradient := p.GetLoss(nil, 3.5)
	assert.Equal(t, 3.5, loss)
	assert.Equal(t, 1.0, gradient)
}

func TestPipe_Score(t *testing.T) {
	p := newPipe(t, &fakeModel{}, WithEntLabels("DRUG"), WithSpansLabels(map[string][]string{"nested": {"DOSE"}}))
	examples := drugExamples()
	examples[0].Predicted.Ents = []doc.Span{{Start: 2, End: 3, Label: "DRUG"}}

	report := p.Score(examples)
	// Gold: a/DRUG, b/DOSE (ents), c/DRUG, c/DOSE. "measurements" is not a
	// configured group so it is not scanned.
	assert.InDelta(t, 1.0, report.EntsP, 1e-9)
	assert.InDelta(t, 0.25, report.EntsR, 1e-9)

	var gotOpts scoring.Options
	custom := newPipe(t, &fakeModel{}, WithEntLabels("DRUG"), WithScorer(func(examples []*doc.Example, opts scoring.Options) scoring.Report {
		gotOpts = opts
		return scoring.Report{EntsF: 0.42}
	}))
	assert.Equal(t, 0.42, custom.Score(examples).EntsF)
	assert.Equal(t, []string{"DRUG"}, gotOpts.Labels)
	assert.Nil(t, gotOpts.SpansLabels)
}

func TestConfigFile_RoundTrip(t *testing.T) {
	p := newPipe(t, &fakeModel{})
	require.NoError(t, p.Initialize(context.Background(), ExamplesFrom(drugExamples()), nil))

	dir := t.TempDir()
	require.NoError(t, SaveConfigFile(filepath.Join(dir, ConfigFileName), p))

	fc, err := LoadConfigFile(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultName, fc.Name)

	cfg, err := NewConfig(fc.Options()...)
	require.NoError(t, err)
	again, err := NewPipe(&fakeModel{}, cfg)
	require.NoError(t, err)

	assert.Equal(t, StateConfigured, again.State())
	assert.Equal(t, p.Labels(), again.Labels())
	assert.Equal(t, p.EntLabels(), again.EntLabels())
	assert.Equal(t, p.SpansLabels(), again.SpansLabels())
}

func TestLoadConfigFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"eds","spans_labels":{"nested":["DRUG","DOSE"]},"sample_size":10}`), 0o644))

	fc, err := LoadConfigFile(path)
	require.NoError(t, err)
	cfg, err := NewConfig(fc.Options()...)
	require.NoError(t, err)

	assert.Equal(t, "eds", cfg.Name())
	assert.Equal(t, 10, cfg.SampleSize())
	assert.Nil(t, cfg.EntLabels())
	assert.Equal(t, map[string][]string{"nested": {"DRUG", "DOSE"}}, cfg.SpansLabels())

	require.NoError(t, os.WriteFile(path, []byte(`{"ent_labels":["DRUG"],"spans_labels":{}}`), 0o644))
	fc, err = LoadConfigFile(path)
	require.NoError(t, err)
	require.NotNil(t, fc.SpansLabels)
	assert.Empty(t, *fc.SpansLabels)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading ner config")
}
