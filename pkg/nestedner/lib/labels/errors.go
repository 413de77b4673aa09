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

package labels

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedOperation is returned when adding a label to a registry.
	// The scoring model's output width is fixed to the label count at
	// initialization, so the vocabulary cannot grow afterwards.
	ErrUnsupportedOperation = errors.New("cannot add a new label to the pipe")

	// ErrFrozen is returned when discovery is attempted on a registry whose
	// labels are already fixed.
	ErrFrozen = errors.New("label registry is frozen")

	// ErrNoAnnotations is wrapped by ConfigurationError when a sample holds
	// no usable annotations.
	ErrNoAnnotations = errors.New("no annotations found")

	// ErrInvalidConfig is wrapped by ConfigurationError for malformed label
	// configurations.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ConfigurationError reports that a pipe cannot be configured or
// initialized. It is fatal for the pipe instance.
type ConfigurationError struct {
	Op  string
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Msg, e.Err)
}

// Unwrap returns the underlying sentinel error.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configError(op string, err error, format string, args ...any) error {
	return &ConfigurationError{Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}
