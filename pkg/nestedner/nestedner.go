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

// Package nestedner wires the nested NER pipe into a trainable,
// servable component: a training loop with dev evaluation, a prediction
// cache in front of span models, model directories on disk and Prometheus
// metrics.
//
// The pipe itself lives in lib/ner; lib/rules provides the gazetteer model
// used by the nestedner command.
package nestedner
