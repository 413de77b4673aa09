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

// Package rules provides a gazetteer span model for the nested NER pipe.
//
// The gazetteer memorizes the token sequences annotated in gold data and
// predicts every occurrence of a known sequence with every label it was
// seen with, so nested and overlapping matches are all reported. It needs
// no numeric backend and is used for bootstrapping, tests and as a
// baseline.
package rules

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/ner"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/spans"
	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Ensure Gazetteer implements the model interfaces
var (
	_ ner.Model         = (*Gazetteer)(nil)
	_ ner.DropoutSetter = (*Gazetteer)(nil)
)

// DefaultMaxSpanLength is the longest phrase, in tokens, the gazetteer
// learns.
const DefaultMaxSpanLength = 12

// Config configures a Gazetteer.
type Config struct {
	// CaseSensitive disables lowercasing of phrases
	CaseSensitive bool

	// MaxSpanLength is the longest learned phrase in tokens (0 = default)
	MaxSpanLength int

	// Logger for logging (nil = no logging)
	Logger *zap.Logger
}

// Gazetteer is a phrase -> labels lookup model. It is safe for concurrent
// use.
type Gazetteer struct {
	mu sync.RWMutex

	caseSensitive bool
	maxSpanLength int
	logger        *zap.Logger

	// entries maps a phrase key to the label indices it was annotated with.
	entries map[string]map[int]struct{}
	// pending holds entries staged by backprop until FinishUpdate.
	pending map[string]map[int]struct{}

	longest     int
	numLabels   int
	initialized bool
	dropout     float64
	updates     uint64
}

// New creates an empty gazetteer.
func New(cfg Config) *Gazetteer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxLen := cfg.MaxSpanLength
	if maxLen <= 0 {
		maxLen = DefaultMaxSpanLength
	}
	return &Gazetteer{
		caseSensitive: cfg.CaseSensitive,
		maxSpanLength: maxLen,
		logger:        logger,
		entries:       make(map[string]map[int]struct{}),
		pending:       make(map[string]map[int]struct{}),
	}
}

// phraseKey joins the tokens of [start, end) into a lookup key.
func (g *Gazetteer) phraseKey(d *doc.Doc, start, end int) string {
	var b strings.Builder
	for i := start; i < end; i++ {
		if i > start {
			b.WriteByte(0)
		}
		text := d.Tokens[i].Text
		if !g.caseSensitive {
			text = strings.ToLower(text)
		}
		b.WriteString(text)
	}
	return b.String()
}

func add(set map[string]map[int]struct{}, key string, label int) bool {
	labels, ok := set[key]
	if !ok {
		labels = make(map[int]struct{})
		set[key] = labels
	}
	if _, ok := labels[label]; ok {
		return false
	}
	labels[label] = struct{}{}
	return true
}

// learnable reports whether a tuple can be turned into a phrase entry.
func (g *Gazetteer) learnable(docs []*doc.Doc, t spans.Tuple) bool {
	if t.Doc < 0 || t.Doc >= len(docs) {
		return false
	}
	n := t.End - t.Start
	return t.Start >= 0 && n > 0 && n <= g.maxSpanLength && t.End <= docs[t.Doc].Len()
}

// Initialize learns the phrases of the gold sample.
func (g *Gazetteer) Initialize(ctx context.Context, x []*doc.Doc, y []spans.Tuple) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entries = make(map[string]map[int]struct{})
	g.pending = make(map[string]map[int]struct{})
	g.longest = 0
	for _, t := range y {
		if !g.learnable(x, t) {
			continue
		}
		add(g.entries, g.phraseKey(x[t.Doc], t.Start, t.End), t.Label)
		g.longest = max(g.longest, t.End-t.Start)
	}
	g.initialized = true

	g.logger.Debug("Initialized gazetteer",
		zap.Int("sample_docs", len(x)),
		zap.Int("entries", len(g.entries)))
	return nil
}

// SetNumLabels fixes the label count. Entries with a larger label index are
// never predicted.
func (g *Gazetteer) SetNumLabels(n int) error {
	if n <= 0 {
		return fmt.Errorf("label count must be positive, got %d", n)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.numLabels = n
	return nil
}

// SetDropout sets the fraction of new phrases skipped by each update.
func (g *Gazetteer) SetDropout(rate float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropout = rate
}

// Predict returns every known phrase occurrence. Tuples are produced per
// document, by ascending label index, then by start and longest match
// first.
func (g *Gazetteer) Predict(ctx context.Context, docs []*doc.Doc) ([]spans.Tuple, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.initialized {
		return nil, ner.ErrModelNotInitialized
	}
	return g.predict(ctx, docs)
}

func (g *Gazetteer) predict(ctx context.Context, docs []*doc.Doc) ([]spans.Tuple, error) {
	var out []spans.Tuple
	for docIdx, d := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var found []spans.Tuple
		for start := 0; start < d.Len(); start++ {
			for end := min(d.Len(), start+g.longest); end > start; end-- {
				labels, ok := g.entries[g.phraseKey(d, start, end)]
				if !ok {
					continue
				}
				for label := range labels {
					if g.numLabels > 0 && label >= g.numLabels {
						continue
					}
					found = append(found, spans.Tuple{Doc: docIdx, Label: label, Start: start, End: end})
				}
			}
		}
		slices.SortStableFunc(found, func(a, b spans.Tuple) int {
			if a.Label != b.Label {
				return a.Label - b.Label
			}
			if a.Start != b.Start {
				return a.Start - b.Start
			}
			return b.End - a.End
		})
		out = append(out, found...)
	}
	return out, nil
}

// BeginUpdate predicts the batch and scores it against the gold tuples.
// The loss is the fraction of gold tuples missed. Backprop stages the
// missed phrases; FinishUpdate commits them.
func (g *Gazetteer) BeginUpdate(ctx context.Context, docs []*doc.Doc, truth []spans.Tuple, setAnnotations bool) (ner.Output, ner.Backprop, error) {
	g.mu.RLock()
	if !g.initialized {
		g.mu.RUnlock()
		return ner.Output{}, nil, ner.ErrModelNotInitialized
	}
	predictions, err := g.predict(ctx, docs)
	g.mu.RUnlock()
	if err != nil {
		return ner.Output{}, nil, err
	}

	predicted := make(spans.TupleSet, len(predictions))
	for _, t := range predictions {
		predicted.Add(t)
	}
	var missed []spans.Tuple
	for _, t := range truth {
		if !predicted.Has(t) {
			missed = append(missed, t)
		}
	}

	loss := 0.0
	if len(truth) > 0 {
		loss = float64(len(missed)) / float64(len(truth))
	}

	out := ner.Output{Loss: loss}
	if setAnnotations {
		out.Predictions = predictions
	}

	backprop := func(ctx context.Context, gradient float64) error {
		if gradient == 0 {
			return nil
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		for _, t := range missed {
			if !g.learnable(docs, t) {
				continue
			}
			key := g.phraseKey(docs[t.Doc], t.Start, t.End)
			if g.dropped(key) {
				continue
			}
			add(g.pending, key, t.Label)
		}
		return nil
	}
	return out, backprop, nil
}

// dropped decides deterministically, per phrase and update, whether
// dropout skips a phrase.
func (g *Gazetteer) dropped(key string) bool {
	if g.dropout <= 0 {
		return false
	}
	h := xxhash.New()
	_, _ = h.WriteString(key)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatUint(g.updates, 10))
	return float64(h.Sum64()%10000)/10000 < g.dropout
}

// FinishUpdate commits the phrases staged since the last update.
func (g *Gazetteer) FinishUpdate(ctx context.Context, opt ner.Optimizer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized {
		return ner.ErrModelNotInitialized
	}

	added := 0
	for key, labels := range g.pending {
		for label := range labels {
			if add(g.entries, key, label) {
				added++
			}
		}
		g.longest = max(g.longest, strings.Count(key, "\x00")+1)
	}
	g.pending = make(map[string]map[int]struct{})
	g.updates++
	if opt != nil {
		opt.Advance()
	}

	g.logger.Debug("Committed gazetteer update",
		zap.Int("added", added),
		zap.Int("entries", len(g.entries)),
		zap.Uint64("updates", g.updates))
	return nil
}

// Len returns the number of known phrases.
func (g *Gazetteer) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

type savedEntry struct {
	Phrase []string `json:"phrase"`
	Labels []int    `json:"labels"`
}

type savedGazetteer struct {
	CaseSensitive bool         `json:"case_sensitive"`
	MaxSpanLength int          `json:"max_span_length"`
	NumLabels     int          `json:"num_labels"`
	Entries       []savedEntry `json:"entries"`
}

// Save writes the learned phrases as JSON.
func (g *Gazetteer) Save(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.initialized {
		return ner.ErrModelNotInitialized
	}

	saved := savedGazetteer{
		CaseSensitive: g.caseSensitive,
		MaxSpanLength: g.maxSpanLength,
		NumLabels:     g.numLabels,
		Entries:       make([]savedEntry, 0, len(g.entries)),
	}
	for _, key := range slices.Sorted(maps.Keys(g.entries)) {
		labels := make([]int, 0, len(g.entries[key]))
		for label := range g.entries[key] {
			labels = append(labels, label)
		}
		slices.Sort(labels)
		saved.Entries = append(saved.Entries, savedEntry{
			Phrase: strings.Split(key, "\x00"),
			Labels: labels,
		})
	}

	data, err := sonic.Marshal(&saved)
	if err != nil {
		return fmt.Errorf("encoding gazetteer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing gazetteer: %w", err)
	}
	return nil
}

// Load reads a gazetteer written by Save. The returned model is ready to
// predict.
func Load(r io.Reader, logger *zap.Logger) (*Gazetteer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading gazetteer: %w", err)
	}
	var saved savedGazetteer
	if err := sonic.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("decoding gazetteer: %w", err)
	}

	g := New(Config{
		CaseSensitive: saved.CaseSensitive,
		MaxSpanLength: saved.MaxSpanLength,
		Logger:        logger,
	})
	for _, e := range saved.Entries {
		if len(e.Phrase) == 0 {
			continue
		}
		key := strings.Join(e.Phrase, "\x00")
		for _, label := range e.Labels {
			add(g.entries, key, label)
		}
		g.longest = max(g.longest, len(e.Phrase))
	}
	g.numLabels = saved.NumLabels
	g.initialized = true
	return g, nil
}
