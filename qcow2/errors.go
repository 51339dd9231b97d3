/* SPDX-License-Identifier: Apache-2.0
 *
 * Copyright 2023 Damian Peckett <damian@peckett>.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package qcow2

import "fmt"

// Kind classifies why a chain operation failed.
type Kind int

const (
	// KindIoError is a filesystem-level failure.
	KindIoError Kind = iota
	// KindParseError is a header/field validation failure.
	KindParseError
	// KindTruncated is a short read where a fixed-size structure was expected.
	KindTruncated
	// KindUnsupportedFeature covers dirty/corrupt/compressed/encrypted/unknown flags.
	KindUnsupportedFeature
	// KindMisalignment is a non-cluster-aligned L2 table or allocated cluster offset.
	KindMisalignment
	// KindBadChain covers an unresolvable backing file or a base not found in the chain.
	KindBadChain
	// KindOutOfMemory is reserved for allocation failures in cache/table sizing.
	KindOutOfMemory
	// KindStateError is an operation attempted on a driver/stream that isn't ready.
	KindStateError
)

func (k Kind) String() string {
	switch k {
	case KindIoError:
		return "io error"
	case KindParseError:
		return "parse error"
	case KindTruncated:
		return "truncated image"
	case KindUnsupportedFeature:
		return "unsupported feature"
	case KindMisalignment:
		return "misalignment"
	case KindBadChain:
		return "bad chain"
	case KindOutOfMemory:
		return "out of memory"
	case KindStateError:
		return "state error"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by every fallible operation in this
// package. It carries a Kind so callers can errors.As to *Error and compare
// Kind to identify a class of failure rather than parsing a message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapErr(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
