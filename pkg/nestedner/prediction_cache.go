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
	"encoding/binary"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/ner"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/spans"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PredictionCacheTTL is the default TTL for cached predictions
const PredictionCacheTTL = 2 * time.Minute

// Ensure CachedModel implements the model interfaces
var (
	_ ner.Model         = (*CachedModel)(nil)
	_ ner.DropoutSetter = (*CachedModel)(nil)
)

// CachedModel wraps a span model and caches Predict results per batch.
// Any call that changes parameters moves the model to a new generation, so
// predictions cached before it are never served again.
type CachedModel struct {
	model   ner.Model
	name    string
	cache   *ttlcache.Cache[string, []spans.Tuple]
	sfGroup *singleflight.Group
	logger  *zap.Logger

	generation atomic.Uint64

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedModel wraps a model with caching
func NewCachedModel(
	model ner.Model,
	name string,
	cache *ttlcache.Cache[string, []spans.Tuple],
	logger *zap.Logger,
) *CachedModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedModel{
		model:   model,
		name:    name,
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
	}
}

// Predict returns the tuples for a batch, from the cache when the same
// batch was already predicted by the current generation.
func (c *CachedModel) Predict(ctx context.Context, docs []*doc.Doc) ([]spans.Tuple, error) {
	key := c.cacheKey(docs)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit(c.name)
		c.logger.Debug("Prediction cache hit",
			zap.String("model", c.name),
			zap.Int("num_docs", len(docs)))
		return slices.Clone(item.Value()), nil
	}

	// Deduplicate concurrent identical batches
	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss(c.name)

		start := time.Now()
		tuples, err := c.model.Predict(ctx, docs)
		if err != nil {
			return nil, err
		}
		RecordPredict(c.name, len(tuples), time.Since(start).Seconds())

		c.cache.Set(key, tuples, ttlcache.DefaultTTL)

		c.logger.Debug("Prediction completed and cached",
			zap.String("model", c.name),
			zap.Int("num_docs", len(docs)),
			zap.Int("num_tuples", len(tuples)),
			zap.Duration("duration", time.Since(start)))
		return tuples, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for prediction", zap.String("model", c.name))
	}

	return slices.Clone(result.([]spans.Tuple)), nil
}

// BeginUpdate is never cached.
func (c *CachedModel) BeginUpdate(ctx context.Context, docs []*doc.Doc, truth []spans.Tuple, setAnnotations bool) (ner.Output, ner.Backprop, error) {
	return c.model.BeginUpdate(ctx, docs, truth, setAnnotations)
}

// FinishUpdate applies the update and invalidates cached predictions.
func (c *CachedModel) FinishUpdate(ctx context.Context, opt ner.Optimizer) error {
	defer c.invalidate()
	return c.model.FinishUpdate(ctx, opt)
}

// Initialize initializes the wrapped model and invalidates cached
// predictions.
func (c *CachedModel) Initialize(ctx context.Context, x []*doc.Doc, y []spans.Tuple) error {
	defer c.invalidate()
	return c.model.Initialize(ctx, x, y)
}

// SetNumLabels resizes the wrapped model and invalidates cached
// predictions.
func (c *CachedModel) SetNumLabels(n int) error {
	defer c.invalidate()
	return c.model.SetNumLabels(n)
}

// SetDropout forwards the rate when the wrapped model supports dropout.
func (c *CachedModel) SetDropout(rate float64) {
	if ds, ok := c.model.(ner.DropoutSetter); ok {
		ds.SetDropout(rate)
	}
}

// Unwrap returns the wrapped model.
func (c *CachedModel) Unwrap() ner.Model {
	return c.model
}

func (c *CachedModel) invalidate() {
	c.generation.Add(1)
}

// cacheKey hashes the model name, its generation, and the text and token
// boundaries of every document in batch order.
func (c *CachedModel) cacheKey(docs []*doc.Doc) string {
	h := xxhash.New()

	_, _ = h.WriteString(c.name)
	_, _ = h.WriteString("|g")
	_, _ = h.WriteString(strconv.FormatUint(c.generation.Load(), 10))
	_, _ = h.WriteString("|")

	var buf [8]byte
	for i, d := range docs {
		_, _ = h.WriteString("d")
		binary.BigEndian.PutUint32(buf[:4], uint32(i))
		_, _ = h.Write(buf[:4])
		_, _ = h.WriteString(":")
		_, _ = h.WriteString(d.Text)
		_, _ = h.WriteString("|")
		for _, tok := range d.Tokens {
			binary.BigEndian.PutUint32(buf[:4], uint32(tok.Start))
			binary.BigEndian.PutUint32(buf[4:], uint32(tok.End))
			_, _ = h.Write(buf[:])
		}
	}

	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Stats returns cache statistics for this model
func (c *CachedModel) Stats() PredictionCacheStats {
	return PredictionCacheStats{
		Model:            c.name,
		Generation:       c.generation.Load(),
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// PredictionCacheStats holds cache statistics for a model
type PredictionCacheStats struct {
	Model            string `json:"model"`
	Generation       uint64 `json:"generation"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
}

// PredictionCache holds the cache shared by wrapped models
type PredictionCache struct {
	cache  *ttlcache.Cache[string, []spans.Tuple]
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewPredictionCache creates a prediction cache and starts its expiry and
// stats loops. Close stops them.
func NewPredictionCache(ttl time.Duration, logger *zap.Logger) *PredictionCache {
	if ttl <= 0 {
		ttl = PredictionCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []spans.Tuple](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	pc := &PredictionCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}

	go pc.logStats(ctx)

	return pc
}

// WrapModel wraps a model with caching
func (pc *PredictionCache) WrapModel(model ner.Model, name string) *CachedModel {
	return NewCachedModel(model, name, pc.cache, pc.logger.Named(name))
}

// Close stops the cache
func (pc *PredictionCache) Close() {
	pc.cancel()
	pc.cache.Stop()
}

func (pc *PredictionCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := pc.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				total := metrics.Hits + metrics.Misses
				hitRate := float64(metrics.Hits) / float64(total) * 100
				pc.logger.Info("Prediction cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", pc.cache.Len()))
			}
		}
	}
}

// Stats returns global cache statistics
func (pc *PredictionCache) Stats() map[string]any {
	metrics := pc.cache.Metrics()
	return map[string]any{
		"hits":   metrics.Hits,
		"misses": metrics.Misses,
		"items":  pc.cache.Len(),
	}
}
