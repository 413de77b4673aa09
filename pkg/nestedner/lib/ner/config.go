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
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/scoring"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultName is the component name used as the losses key.
	DefaultName = "nested_ner"

	// DefaultSampleSize is how many examples Initialize reads.
	DefaultSampleSize = 100

	// ConfigFileName is the label configuration stored next to a model.
	ConfigFileName = "ner_config.yaml"
)

// Config is the immutable configuration of a Pipe. Build it with NewConfig.
type Config struct {
	name        string
	entLabels   []string
	spansLabels map[string][]string
	scorer      scoring.Func
	observer    Observer
	logger      *zap.Logger
	sampleSize  int
}

// ConfigOption configures a Pipe.
type ConfigOption func(*Config)

// WithName sets the component name.
func WithName(name string) ConfigOption {
	return func(c *Config) {
		c.name = name
	}
}

// WithEntLabels restricts the flat entity channel to these labels.
func WithEntLabels(labels ...string) ConfigOption {
	return func(c *Config) {
		c.entLabels = append([]string{}, labels...)
	}
}

// WithSpansLabels sets the span groups and the labels each one receives.
func WithSpansLabels(spansLabels map[string][]string) ConfigOption {
	return func(c *Config) {
		c.spansLabels = make(map[string][]string, len(spansLabels))
		for name, group := range spansLabels {
			c.spansLabels[name] = slices.Clone(group)
		}
	}
}

// WithScorer overrides the default scorer.
func WithScorer(scorer scoring.Func) ConfigOption {
	return func(c *Config) {
		c.scorer = scorer
	}
}

// WithObserver registers a hook called after every update.
func WithObserver(observer Observer) ConfigOption {
	return func(c *Config) {
		c.observer = observer
	}
}

// WithLogger sets the logger (nil = no logging).
func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithSampleSize sets how many examples Initialize reads (0 = default).
func WithSampleSize(n int) ConfigOption {
	return func(c *Config) {
		c.sampleSize = n
	}
}

// NewConfig validates the options and returns a frozen configuration.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		name: DefaultName,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.name == "" {
		return nil, configError("config", "component name is required", ErrInvalidConfig)
	}
	if c.sampleSize < 0 {
		return nil, configError("config", fmt.Sprintf("negative sample size %d", c.sampleSize), ErrInvalidConfig)
	}
	if c.sampleSize == 0 {
		c.sampleSize = DefaultSampleSize
	}
	for name := range c.spansLabels {
		if name == "" {
			return nil, configError("config", "empty span group name", ErrInvalidConfig)
		}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.scorer == nil {
		c.scorer = scoring.Score
	}
	return c, nil
}

// Name returns the component name.
func (c *Config) Name() string { return c.name }

// EntLabels returns the configured flat-channel labels (nil = discover).
func (c *Config) EntLabels() []string { return slices.Clone(c.entLabels) }

// SpansLabels returns the configured span groups (nil = discover).
func (c *Config) SpansLabels() map[string][]string {
	if c.spansLabels == nil {
		return nil
	}
	out := make(map[string][]string, len(c.spansLabels))
	for name, group := range c.spansLabels {
		out[name] = slices.Clone(group)
	}
	return out
}

// SampleSize returns how many examples Initialize reads.
func (c *Config) SampleSize() int { return c.sampleSize }

// FileConfig is the on-disk form of a label configuration.
type FileConfig struct {
	Name        string              `yaml:"name,omitempty" json:"name,omitempty"`
	EntLabels   []string            `yaml:"ent_labels" json:"ent_labels"`
	// SpansLabels is nil when span groups are not configured and points to
	// an empty map when they are configured with no groups.
	SpansLabels *map[string][]string `yaml:"spans_labels,omitempty" json:"spans_labels,omitempty"`
	SampleSize  int                 `yaml:"sample_size,omitempty" json:"sample_size,omitempty"`
}

// Options converts the file configuration into pipe options.
func (fc *FileConfig) Options() []ConfigOption {
	var opts []ConfigOption
	if fc.Name != "" {
		opts = append(opts, WithName(fc.Name))
	}
	if fc.EntLabels != nil {
		opts = append(opts, WithEntLabels(fc.EntLabels...))
	}
	if fc.SpansLabels != nil {
		opts = append(opts, WithSpansLabels(*fc.SpansLabels))
	}
	if fc.SampleSize != 0 {
		opts = append(opts, WithSampleSize(fc.SampleSize))
	}
	return opts
}

// LoadConfigFile reads a label configuration. path may be a file (YAML or
// JSON) or a model directory containing ner_config.yaml.
func LoadConfigFile(path string) (*FileConfig, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, ConfigFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ner config: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing ner config: %w", err)
	}
	return &fc, nil
}

// SaveConfigFile writes the frozen labels of a pipe so that it can be
// rebuilt for prediction.
func SaveConfigFile(path string, p *Pipe) error {
	fc := FileConfig{
		Name:      p.Name(),
		EntLabels: p.EntLabels(),
	}
	if spansLabels := p.SpansLabels(); spansLabels != nil {
		fc.SpansLabels = &spansLabels
	}
	data, err := yaml.Marshal(&fc)
	if err != nil {
		return fmt.Errorf("encoding ner config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing ner config: %w", err)
	}
	return nil
}
