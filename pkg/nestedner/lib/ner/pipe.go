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

// Package ner implements a trainable named entity recognizer for nested and
// overlapping entities.
//
// A Pipe owns the label vocabulary and the span codec and delegates all
// numeric work to a Model. Predictions are written back to two channels of
// each document: the flat, non-overlapping Ents list, and the named span
// groups where overlapping entities are kept.
//
// Lifecycle:
//
//	unconfigured -> configured (labels frozen) -> trained (model initialized) -> ready
//
// A pipe built with explicit labels starts configured. There is no
// transition back.
package ner

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/labels"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/scoring"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/spans"
	"go.uber.org/zap"
)

// State is the lifecycle stage of a Pipe.
type State int

const (
	StateUnconfigured State = iota
	StateConfigured
	StateTrained
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateTrained:
		return "trained"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ExampleSource returns a lazy, possibly infinite, sequence of training
// examples. Initialize only consumes the first few.
type ExampleSource func() iter.Seq[*doc.Example]

// ExamplesFrom adapts a slice to an ExampleSource.
func ExamplesFrom(examples []*doc.Example) ExampleSource {
	return func() iter.Seq[*doc.Example] {
		return slices.Values(examples)
	}
}

// UpdateOptions controls a training step.
type UpdateOptions struct {
	// Dropout is forwarded to models implementing DropoutSetter
	Dropout float64
	// Optimizer applies the update; nil skips FinishUpdate
	Optimizer Optimizer
	// SetAnnotations writes the forward-pass predictions to the predicted docs
	SetAnnotations bool
	// Losses accumulates the loss under the pipe name (nil = new map)
	Losses map[string]float64
}

// Pipe is the trainable nested NER component.
type Pipe struct {
	name       string
	model      Model
	registry   *labels.Registry
	codec      *spans.Codec
	scorer     scoring.Func
	observer   Observer
	logger     *zap.Logger
	sampleSize int
	state      State
}

// NewPipe creates a pipe around a model. Explicit labels in cfg freeze the
// vocabulary right away; otherwise it is discovered by Initialize.
func NewPipe(model Model, cfg *Config) (*Pipe, error) {
	if model == nil {
		return nil, configError("pipe", "model is required", ErrInvalidConfig)
	}
	if cfg == nil {
		var err error
		if cfg, err = NewConfig(); err != nil {
			return nil, err
		}
	}

	registry, err := labels.New(cfg.entLabels, cfg.spansLabels)
	if err != nil {
		return nil, err
	}

	p := &Pipe{
		name:       cfg.name,
		model:      model,
		registry:   registry,
		codec:      spans.NewCodec(registry),
		scorer:     cfg.scorer,
		observer:   cfg.observer,
		logger:     cfg.logger.Named(cfg.name),
		sampleSize: cfg.sampleSize,
		state:      StateUnconfigured,
	}
	if registry.Frozen() {
		p.state = StateConfigured
	}
	return p, nil
}

// Name returns the component name.
func (p *Pipe) Name() string { return p.name }

// State returns the lifecycle stage.
func (p *Pipe) State() State { return p.state }

// Labels returns the sorted label vocabulary. Tuple label indices refer to
// positions in this list.
func (p *Pipe) Labels() []string { return p.registry.Labels() }

// EntLabels returns the labels written to the flat entity channel.
func (p *Pipe) EntLabels() []string { return p.registry.EntLabels() }

// SpansLabels returns the span groups and their labels.
func (p *Pipe) SpansLabels() map[string][]string { return p.registry.SpansLabels() }

// AddLabel is not supported: the model output width is fixed at
// initialization.
func (p *Pipe) AddLabel(label string) (int, error) {
	return p.registry.AddLabel(label)
}

// Predict runs the model on a batch without modifying the documents. Empty
// batches still reach the model so an uninitialized model reports it.
func (p *Pipe) Predict(ctx context.Context, docs []*doc.Doc) ([]spans.Tuple, error) {
	predictions, err := p.model.Predict(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("predicting %d docs: %w", len(docs), err)
	}
	return predictions, nil
}

// SetAnnotations writes predictions to the documents they were computed
// for. Each document's flat channel and configured span groups are
// replaced.
func (p *Pipe) SetAnnotations(docs []*doc.Doc, predictions []spans.Tuple) error {
	if err := p.codec.MaterializeBatch(docs, predictions); err != nil {
		return fmt.Errorf("setting annotations: %w", err)
	}
	return nil
}

// Process predicts and annotates a batch of documents in place.
func (p *Pipe) Process(ctx context.Context, docs []*doc.Doc) error {
	predictions, err := p.Predict(ctx, docs)
	if err != nil {
		return err
	}
	return p.SetAnnotations(docs, predictions)
}

// Update runs one training step on a batch and returns the losses mapping
// with this pipe's loss accumulated under its name.
func (p *Pipe) Update(ctx context.Context, examples []*doc.Example, opts UpdateOptions) (map[string]float64, error) {
	start := time.Now()

	losses := opts.Losses
	if losses == nil {
		losses = make(map[string]float64)
	}
	if _, ok := losses[p.name]; !ok {
		losses[p.name] = 0
	}

	if ds, ok := p.model.(DropoutSetter); ok {
		ds.SetDropout(opts.Dropout)
	}

	docs := doc.Predictions(examples)
	truth := p.codec.Truth(examples)

	out, backprop, err := p.model.BeginUpdate(ctx, docs, truth, opts.SetAnnotations)
	if err != nil {
		return losses, fmt.Errorf("forward pass: %w", err)
	}
	loss, gradient := p.GetLoss(examples, out.Loss)
	if err := backprop(ctx, gradient); err != nil {
		return losses, fmt.Errorf("backward pass: %w", err)
	}
	if opts.Optimizer != nil {
		if err := p.model.FinishUpdate(ctx, opts.Optimizer); err != nil {
			return losses, fmt.Errorf("applying update: %w", err)
		}
	}
	losses[p.name] += loss

	if opts.SetAnnotations {
		if err := p.SetAnnotations(docs, out.Predictions); err != nil {
			return losses, err
		}
	}

	event := UpdateEvent{
		Pipe:        p.name,
		Examples:    examples,
		Truth:       len(truth),
		Predictions: len(out.Predictions),
		Loss:        loss,
		Duration:    time.Since(start),
	}
	p.logger.Debug("Update completed",
		zap.Int("num_examples", len(examples)),
		zap.Int("truth", event.Truth),
		zap.Int("predictions", event.Predictions),
		zap.Float64("loss", loss),
		zap.Duration("duration", event.Duration))
	if p.observer != nil {
		p.observer(event)
	}
	return losses, nil
}

// GetLoss returns the batch loss and the gradient signal passed to the
// model's backprop. The gradient is computed inside the model, so the
// signal is a constant scale of 1.
func (p *Pipe) GetLoss(examples []*doc.Example, loss float64) (float64, float64) {
	return loss, 1
}

// Initialize prepares the pipe for training from the first examples of
// source. Unless labels were configured, they are discovered from the
// sample; labels, when given, configure the flat entity channel instead.
// The model is then initialized on the sample and sized to the label
// count.
func (p *Pipe) Initialize(ctx context.Context, source ExampleSource, labelList []string) error {
	sample := make([]*doc.Example, 0, p.sampleSize)
	for eg := range source() {
		sample = append(sample, eg)
		if len(sample) == p.sampleSize {
			break
		}
	}
	refs := doc.References(sample)

	if err := p.configure(refs, labelList); err != nil {
		return err
	}

	truth := p.codec.Truth(sample)
	if len(truth) == 0 {
		return configError("initialize",
			"must provide annotated examples: call Initialize with entities annotated in at least a few reference examples",
			ErrNoAnnotations)
	}

	if err := p.model.Initialize(ctx, refs, truth); err != nil {
		return fmt.Errorf("initializing model: %w", err)
	}
	p.state = max(p.state, StateTrained)

	if err := p.model.SetNumLabels(p.registry.Len()); err != nil {
		return fmt.Errorf("setting label count: %w", err)
	}
	p.state = StateReady

	p.logger.Info("Initialized nested NER pipe",
		zap.Strings("labels", p.registry.Labels()),
		zap.Strings("ent_labels", p.registry.EntLabels()),
		zap.Strings("span_groups", p.registry.GroupNames()),
		zap.Int("sample_size", len(sample)),
		zap.Int("truth", len(truth)))
	return nil
}

func (p *Pipe) configure(refs []*doc.Doc, labelList []string) error {
	if p.registry.Frozen() {
		if labelList != nil {
			p.logger.Warn("Ignoring labels passed to Initialize: label set is already frozen",
				zap.Strings("labels", labelList))
		}
		return nil
	}

	if labelList != nil {
		if err := p.registry.Configure(labelList, nil); err != nil {
			return err
		}
	} else if err := p.registry.Discover(refs); err != nil {
		return err
	}
	p.state = StateConfigured
	return nil
}

// ScoreOptions returns the scoring restrictions matching the pipe's
// vocabulary and span groups.
func (p *Pipe) ScoreOptions() scoring.Options {
	return scoring.Options{
		Labels:      p.registry.Labels(),
		SpansLabels: p.registry.GroupNames(),
	}
}

// Score evaluates annotated examples with the configured scorer.
func (p *Pipe) Score(examples []*doc.Example) scoring.Report {
	return p.scorer(examples, p.ScoreOptions())
}
