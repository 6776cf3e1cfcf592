/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError with errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrMultipleResults is returned when a lookup expected to match at most
	// one record matches several.
	ErrMultipleResults = errors.New("multiple results")
)

// ValidationError reports a request rejected before reaching the store.
type ValidationError struct {
	Entity string
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Entity, e.Op, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func newValidationError(entity, op, format string, args ...any) error {
	return &ValidationError{Entity: entity, Op: op, Reason: fmt.Sprintf(format, args...)}
}
