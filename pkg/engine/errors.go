/*
Copyright 2024 The MotionLake Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import "fmt"

// DomainError is an expected fault surfaced to the API caller (spec.md §7):
// unknown collection on a mutating path, duplicate collection without
// allow_existing, an advanced-query range over 7 days, a SQL engine
// failure, or a payload that is unparseable even as RAW. The API layer
// maps this to HTTP 400.
type DomainError struct {
	Message string
	Err     error
}

// NewDomainError builds a DomainError, wrapping err for %w-based inspection
// where a lower layer's error is still useful to log but not to surface
// verbatim to the caller.
func NewDomainError(message string, err error) *DomainError {
	return &DomainError{Message: message, Err: err}
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error { return e.Err }

// Invariant is a programmer-error fault (spec.md §7): malformed caller
// input such as an invalid blob key character. Also mapped to HTTP 400, but
// never logged at ERROR level — it signals a caller mistake, not a system
// fault.
type Invariant struct {
	Message string
}

// NewInvariant builds an Invariant with the given message.
func NewInvariant(message string) *Invariant { return &Invariant{Message: message} }

func (e *Invariant) Error() string { return e.Message }
