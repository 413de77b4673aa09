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

	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/spans"
)

// ErrModelNotInitialized is returned by models asked to predict or train
// before Initialize.
var ErrModelNotInitialized = errors.New("model not initialized")

// Output is the result of a joint forward pass during training.
type Output struct {
	// Loss is the batch loss computed by the model
	Loss float64
	// Predictions are the tuples predicted during the forward pass
	Predictions []spans.Tuple
}

// Backprop propagates a loss-scaling signal through the model. The gradient
// itself is computed inside the model.
type Backprop func(ctx context.Context, gradient float64) error

// Optimizer is the opaque parameter-update policy handed to
// Model.FinishUpdate.
type Optimizer interface {
	// LearnRate is the current step size.
	LearnRate() float64
	// Step is the number of updates applied so far.
	Step() int
	// Advance records that an update was applied.
	Advance()
}

// Model scores candidate spans. The pipe only depends on this call shape;
// neural, rule-based and test implementations all satisfy it.
//
// Tuples produced by a model carry the position of the document in the
// batch and the label position in the pipe's sorted label list.
type Model interface {
	// Predict returns the tuples predicted for a batch, without modifying
	// the documents.
	Predict(ctx context.Context, docs []*doc.Doc) ([]spans.Tuple, error)

	// BeginUpdate runs the forward pass against the gold tuples and returns
	// the loss, the predictions and a backprop callback. When
	// setAnnotations is false the model may skip decoding predictions.
	BeginUpdate(ctx context.Context, docs []*doc.Doc, truth []spans.Tuple, setAnnotations bool) (Output, Backprop, error)

	// FinishUpdate applies the accumulated gradients.
	FinishUpdate(ctx context.Context, opt Optimizer) error

	// Initialize sizes and initializes parameters from a sample of
	// reference documents and their gold tuples.
	Initialize(ctx context.Context, x []*doc.Doc, y []spans.Tuple) error

	// SetNumLabels fixes the width of the output layer.
	SetNumLabels(n int) error
}

// DropoutSetter is implemented by models that support dropout.
type DropoutSetter interface {
	SetDropout(rate float64)
}
