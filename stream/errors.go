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

package stream

import (
	"errors"
	"fmt"
)

// errEOF is returned by Bridge.Pull for a clean end of stream; Stream.Next
// translates it to io.EOF. It is distinct from io.EOF so callers can't
// accidentally match it against unrelated io.Reader plumbing, but it
// stringifies the same way.
var errEOF = errors.New("EOF")

// errStreamClosed is returned by any operation attempted after Close.
var errStreamClosed = errors.New("stream: use of closed stream")

// Kind classifies a stream-level failure, mirroring qcow2.Kind for the parts
// of the pipeline that live in this package (the registry and the driver
// state machine), plus StateError for API misuse.
type Kind int

const (
	KindStateError Kind = iota
	KindUnsupportedFormat
	KindIoError
)

func (k Kind) String() string {
	switch k {
	case KindStateError:
		return "state error"
	case KindUnsupportedFormat:
		return "unsupported format"
	case KindIoError:
		return "io error"
	default:
		return "unknown error"
	}
}

// Error is the stream package's own error type, used where a failure
// originates in the bridge, registry, or driver plumbing rather than in the
// underlying qcow2 chain (those surface qcow2.Error directly, unwrapped).
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

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string) error { return &Error{Kind: kind, Msg: msg} }

func wrapErr(kind Kind, msg string, err error) error { return &Error{Kind: kind, Msg: msg, Err: err} }
