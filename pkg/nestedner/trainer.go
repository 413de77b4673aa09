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

package nestedner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/ner"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/scoring"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Training defaults
const (
	DefaultEpochs    = 10
	DefaultBatchSize = 32
	DefaultLearnRate = 0.001
)

// ErrNoTrainingData is returned when Train is called without examples.
var ErrNoTrainingData = errors.New("no training examples")

// SGD is a constant learning-rate optimizer.
type SGD struct {
	learnRate float64
	step      int
}

var _ ner.Optimizer = (*SGD)(nil)

// NewSGD returns an optimizer with the given learning rate
// (0 = DefaultLearnRate).
func NewSGD(learnRate float64) *SGD {
	if learnRate <= 0 {
		learnRate = DefaultLearnRate
	}
	return &SGD{learnRate: learnRate}
}

func (o *SGD) LearnRate() float64 { return o.learnRate }
func (o *SGD) Step() int          { return o.step }
func (o *SGD) Advance()           { o.step++ }

// MetricsObserver exports update events to Prometheus. Pass it to
// ner.WithObserver.
func MetricsObserver(ev ner.UpdateEvent) {
	RecordUpdate(ev.Pipe, len(ev.Examples), ev.Loss, ev.Duration.Seconds())
}

// TrainerConfig configures a Trainer.
type TrainerConfig struct {
	// Epochs is the number of passes over the training set (0 = default)
	Epochs int

	// BatchSize is the number of examples per update (0 = default)
	BatchSize int

	// Dropout is passed to every update
	Dropout float64

	// LearnRate for the SGD optimizer (0 = default)
	LearnRate float64

	// Shuffle reorders training examples every epoch, seeded by Seed
	Shuffle bool
	Seed    uint64

	// Patience stops training after this many epochs without a dev F1
	// improvement (0 = never stop early)
	Patience int

	// Logger for logging (nil = no logging)
	Logger *zap.Logger
}

// EpochResult summarizes one training epoch.
type EpochResult struct {
	Epoch    int            `json:"epoch"`
	Loss     float64        `json:"loss"`
	Scores   scoring.Report `json:"scores"`
	Duration time.Duration  `json:"duration"`
}

// TrainResult summarizes a training run.
type TrainResult struct {
	RunID     string         `json:"run_id"`
	Epochs    []EpochResult  `json:"epochs"`
	BestEpoch int            `json:"best_epoch"`
	Best      scoring.Report `json:"best"`
}

// Trainer drives a pipe through epochs of updates and dev evaluations.
type Trainer struct {
	pipe      *ner.Pipe
	config    TrainerConfig
	optimizer *SGD
	runID     string
	logger    *zap.Logger
}

// NewTrainer creates a trainer for the pipe.
func NewTrainer(pipe *ner.Pipe, config TrainerConfig) (*Trainer, error) {
	if pipe == nil {
		return nil, fmt.Errorf("%w: pipe is required", ner.ErrInvalidConfig)
	}
	if config.Epochs < 0 || config.BatchSize < 0 {
		return nil, fmt.Errorf("%w: epochs and batch size must not be negative", ner.ErrInvalidConfig)
	}
	if config.Dropout < 0 || config.Dropout > 1 {
		return nil, fmt.Errorf("%w: dropout must be in [0, 1], got %v", ner.ErrInvalidConfig, config.Dropout)
	}
	if config.Epochs == 0 {
		config.Epochs = DefaultEpochs
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.NewString()
	return &Trainer{
		pipe:      pipe,
		config:    config,
		optimizer: NewSGD(config.LearnRate),
		runID:     runID,
		logger:    logger.Named("trainer").With(zap.String("run_id", runID)),
	}, nil
}

// RunID identifies this trainer's run in logs and results.
func (t *Trainer) RunID() string { return t.runID }

// Optimizer returns the optimizer used for updates.
func (t *Trainer) Optimizer() *SGD { return t.optimizer }

// Train initializes the pipe if needed and runs the configured epochs. When
// dev is empty, epochs are scored on the training set.
func (t *Trainer) Train(ctx context.Context, train, dev []*doc.Example) (*TrainResult, error) {
	if len(train) == 0 {
		return nil, ErrNoTrainingData
	}
	if t.pipe.State() != ner.StateReady {
		if err := t.pipe.Initialize(ctx, ner.ExamplesFrom(train), nil); err != nil {
			return nil, fmt.Errorf("initializing pipe: %w", err)
		}
	}
	if len(dev) == 0 {
		dev = train
	}

	t.logger.Info("Starting training",
		zap.String("pipe", t.pipe.Name()),
		zap.Int("train_examples", len(train)),
		zap.Int("dev_examples", len(dev)),
		zap.Int("epochs", t.config.Epochs),
		zap.Int("batch_size", t.config.BatchSize))

	order := slices.Clone(train)
	var rng *rand.Rand
	if t.config.Shuffle {
		rng = rand.New(rand.NewPCG(t.config.Seed, t.config.Seed))
	}

	result := &TrainResult{RunID: t.runID, BestEpoch: -1}
	stale := 0
	for epoch := range t.config.Epochs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		start := time.Now()
		if rng != nil {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}

		losses := make(map[string]float64)
		for batch := range slices.Chunk(order, t.config.BatchSize) {
			if _, err := t.pipe.Update(ctx, batch, ner.UpdateOptions{
				Dropout:   t.config.Dropout,
				Optimizer: t.optimizer,
				Losses:    losses,
			}); err != nil {
				return result, fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}

		scores, err := Evaluate(ctx, t.pipe, dev, t.config.BatchSize)
		if err != nil {
			return result, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		RecordScores(t.pipe.Name(), scores.Map())

		er := EpochResult{
			Epoch:    epoch,
			Loss:     losses[t.pipe.Name()],
			Scores:   scores,
			Duration: time.Since(start),
		}
		result.Epochs = append(result.Epochs, er)

		t.logger.Info("Epoch completed",
			zap.Int("epoch", epoch),
			zap.Float64("loss", er.Loss),
			zap.Float64("ents_p", scores.EntsP),
			zap.Float64("ents_r", scores.EntsR),
			zap.Float64("ents_f", scores.EntsF),
			zap.Duration("duration", er.Duration))

		if result.BestEpoch < 0 || scores.EntsF > result.Best.EntsF {
			result.BestEpoch = epoch
			result.Best = scores
			stale = 0
		} else {
			stale++
		}
		if t.config.Patience > 0 && stale >= t.config.Patience {
			t.logger.Info("Stopping early",
				zap.Int("epoch", epoch),
				zap.Int("best_epoch", result.BestEpoch))
			break
		}
	}
	return result, nil
}

// Evaluate annotates a fresh copy of every example's predicted document in
// batches and scores the result with the pipe's scorer. Existing predicted
// documents are replaced.
func Evaluate(ctx context.Context, pipe *ner.Pipe, examples []*doc.Example, batchSize int) (scoring.Report, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	for _, eg := range examples {
		eg.Predicted = eg.Reference.Copy()
	}
	for batch := range slices.Chunk(examples, batchSize) {
		if err := pipe.Process(ctx, doc.Predictions(batch)); err != nil {
			return scoring.Report{}, fmt.Errorf("evaluating: %w", err)
		}
	}
	return pipe.Score(examples), nil
}
