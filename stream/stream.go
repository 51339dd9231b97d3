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
	"io"

	"github.com/xcp-ng/xcp-ng-vdi-stream/qcow2"
)

// Stream is the public lifecycle object: open an image chain against a
// registered driver, pull flattened output one chunk at a time, then close
// it. It owns exactly one Bridge and one qcow2.Chain at a time.
type Stream struct {
	registry *Registry

	chain  *qcow2.Chain
	bridge *Bridge

	lastErr string
	closed  bool
}

// New creates a stream with every built-in driver registered.
func New() *Stream {
	return &Stream{registry: NewRegistry()}
}

// Open resolves format against the driver registry, opens filename and its
// backing chain, and starts the writer coroutine flattening down to (but
// not including) base. An empty base flattens to the chain's root; base
// equal to filename produces an empty delta. base, if non-empty, is also
// recorded verbatim as the output image's own backing-file name, so the
// produced delta layers correctly back onto it.
func (s *Stream) Open(format, filename, base string) error {
	if s.chain != nil {
		err := newErr(KindStateError, "stream is already open")
		s.setErr(err)
		return err
	}

	driver, err := s.registry.Lookup(format)
	if err != nil {
		s.setErr(err)
		return err
	}

	head, err := driver.Open(filename)
	if err != nil {
		s.setErr(err)
		return err
	}

	chain, err := qcow2.NewChain(head, base)
	if err != nil {
		_ = head.Close()
		s.setErr(err)
		return err
	}
	s.chain = chain

	s.bridge = NewBridge(func(b *Bridge) error {
		return Write(b, chain, base)
	})

	return nil
}

// Next returns the next chunk of flattened output, io.EOF once the stream
// is exhausted, or the first error encountered by the writer.
func (s *Stream) Next() ([]byte, error) {
	if s.closed {
		return nil, errStreamClosed
	}
	if s.bridge == nil {
		err := newErr(KindStateError, "stream is not open")
		s.setErr(err)
		return nil, err
	}

	chunk, err := s.bridge.Pull()
	if err != nil {
		if err == errEOF {
			return nil, io.EOF
		}
		s.setErr(err)
		return nil, err
	}
	return chunk, nil
}

// Close stops the writer coroutine (if still running) and releases the
// image chain. It attempts both regardless of whether either fails, and
// returns the first error encountered; it does not overwrite an earlier
// streaming error recorded via GetErrorString. Idempotent.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var first error
	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			first = err
		}
	}
	if s.chain != nil && s.chain.Head != nil {
		if err := s.chain.Head.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// GetErrorString returns the last error recorded by Open or Next, or "" if
// none has occurred.
func (s *Stream) GetErrorString() string {
	return s.lastErr
}

// Destroy releases everything Close does; callers that already called
// Close may call Destroy (or not) without consequence. It exists so the
// lifecycle mirrors the spec's new/open/read/close/destroy surface even
// though Go's GC makes an explicit destructor optional.
func (s *Stream) Destroy() error {
	return s.Close()
}

func (s *Stream) setErr(err error) {
	s.lastErr = err.Error()
}
