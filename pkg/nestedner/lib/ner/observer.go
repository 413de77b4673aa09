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
	"time"

	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
)

// UpdateEvent describes one training step. It is handed to the Observer
// registered on the pipe configuration.
type UpdateEvent struct {
	// Pipe is the component name
	Pipe string
	// Examples is the batch the update was computed on
	Examples []*doc.Example
	// Truth is the number of distinct gold tuples in the batch
	Truth int
	// Predictions is the number of tuples predicted during the forward pass
	Predictions int
	// Loss is the batch loss
	Loss float64
	// Duration is the wall time of the update
	Duration time.Duration
}

// Observer receives update events. It may keep the batch for debugging but
// must not mutate it.
type Observer func(UpdateEvent)
