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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/ner"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/rules"
	"go.uber.org/zap"
)

// GazetteerFileName is the file holding learned phrases in a model
// directory.
const GazetteerFileName = "gazetteer.json"

// ErrModelNotFound is returned when a directory holds no saved model.
var ErrModelNotFound = errors.New("model not found")

// SaveModel writes a trained pipe and its gazetteer to dir:
//
//	dir/ner_config.yaml   frozen labels
//	dir/gazetteer.json    learned phrases
func SaveModel(dir string, pipe *ner.Pipe, g *rules.Gazetteer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}
	if err := ner.SaveConfigFile(filepath.Join(dir, ner.ConfigFileName), pipe); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, GazetteerFileName))
	if err != nil {
		return fmt.Errorf("creating gazetteer file: %w", err)
	}
	if err := g.Save(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadModel rebuilds a pipe saved by SaveModel. The pipe is ready to
// predict. When cache is not nil the gazetteer is wrapped so repeated
// batches are served from it.
func LoadModel(dir string, cache *PredictionCache, logger *zap.Logger) (*ner.Pipe, *rules.Gazetteer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fc, err := ner.LoadConfigFile(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w in %s", ErrModelNotFound, dir)
		}
		return nil, nil, err
	}

	f, err := os.Open(filepath.Join(dir, GazetteerFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w in %s: missing %s", ErrModelNotFound, dir, GazetteerFileName)
		}
		return nil, nil, fmt.Errorf("opening gazetteer: %w", err)
	}
	defer func() { _ = f.Close() }()

	g, err := rules.Load(f, logger.Named("gazetteer"))
	if err != nil {
		return nil, nil, err
	}

	cfg, err := ner.NewConfig(append(fc.Options(), ner.WithLogger(logger))...)
	if err != nil {
		return nil, nil, err
	}
	var model ner.Model = g
	if cache != nil {
		model = cache.WrapModel(g, cfg.Name())
	}
	pipe, err := ner.NewPipe(model, cfg)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Loaded model",
		zap.String("dir", dir),
		zap.String("pipe", pipe.Name()),
		zap.Strings("labels", pipe.Labels()),
		zap.Int("phrases", g.Len()))
	return pipe, g, nil
}
