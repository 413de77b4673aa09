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

import "github.com/antflydb/nestedner/pkg/nestedner/lib/labels"

var (
	// ErrUnsupportedOperation is returned by AddLabel.
	ErrUnsupportedOperation = labels.ErrUnsupportedOperation

	// ErrNoAnnotations is wrapped when initialization finds nothing to learn.
	ErrNoAnnotations = labels.ErrNoAnnotations

	// ErrInvalidConfig is wrapped when a configuration fails validation.
	ErrInvalidConfig = labels.ErrInvalidConfig
)

// ConfigurationError reports that a pipe cannot be configured or
// initialized.
type ConfigurationError = labels.ConfigurationError

func configError(op, msg string, err error) error {
	return &ConfigurationError{Op: op, Msg: msg, Err: err}
}
