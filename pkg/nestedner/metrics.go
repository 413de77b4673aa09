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

import "github.com/prometheus/client_golang/prometheus"

var (
	updateOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "nestedner",
			Name:      "update_ops_total",
			Help:      "The total number of training updates.",
		},
		[]string{"pipe"},
	)
	updateExamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "nestedner",
			Name:      "update_examples_total",
			Help:      "The total number of examples seen by training updates.",
		},
		[]string{"pipe"},
	)
	updateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "nestedner",
			Name:      "update_duration_seconds",
			Help:      "Time taken by one training update.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"pipe"},
	)
	trainingLoss = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "nestedner",
			Name:      "training_loss",
			Help:      "Loss of the most recent training update.",
		},
		[]string{"pipe"},
	)

	predictOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "nestedner",
			Name:      "predict_ops_total",
			Help:      "The total number of prediction batches.",
		},
		[]string{"pipe"},
	)
	entityCreationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "nestedner",
			Name:      "entity_creation_ops_total",
			Help:      "The total number of span tuples predicted.",
		},
		[]string{"pipe"},
	)
	predictDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "nestedner",
			Name:      "predict_duration_seconds",
			Help:      "Time taken to predict a batch.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"pipe"},
	)

	evalScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "nestedner",
			Name:      "eval_score",
			Help:      "Most recent evaluation score.",
		},
		[]string{"pipe", "metric"}, // ents_p, ents_r, ents_f
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "nestedner",
			Name:      "cache_hits_total",
			Help:      "Total number of prediction cache hits.",
		},
		[]string{"model"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "nestedner",
			Name:      "cache_misses_total",
			Help:      "Total number of prediction cache misses.",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(updateOps)
	prometheus.MustRegister(updateExamples)
	prometheus.MustRegister(updateDuration)
	prometheus.MustRegister(trainingLoss)
	prometheus.MustRegister(predictOps)
	prometheus.MustRegister(entityCreationOps)
	prometheus.MustRegister(predictDuration)
	prometheus.MustRegister(evalScore)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}

// RecordUpdate records a completed training update
func RecordUpdate(pipe string, examples int, loss, seconds float64) {
	updateOps.WithLabelValues(pipe).Inc()
	updateExamples.WithLabelValues(pipe).Add(float64(examples))
	updateDuration.WithLabelValues(pipe).Observe(seconds)
	trainingLoss.WithLabelValues(pipe).Set(loss)
}

// RecordPredict records a prediction batch and the number of tuples it
// produced
func RecordPredict(pipe string, tuples int, seconds float64) {
	predictOps.WithLabelValues(pipe).Inc()
	entityCreationOps.WithLabelValues(pipe).Add(float64(tuples))
	predictDuration.WithLabelValues(pipe).Observe(seconds)
}

// RecordScores sets the evaluation gauges from a score mapping
func RecordScores(pipe string, scores map[string]float64) {
	for metric, v := range scores {
		evalScore.WithLabelValues(pipe, metric).Set(v)
	}
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(model string) {
	cacheHits.WithLabelValues(model).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(model string) {
	cacheMisses.WithLabelValues(model).Inc()
}
