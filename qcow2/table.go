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

import (
	"encoding/binary"
)

// readTableInto reads n big-endian uint64 entries starting at offset in f,
// byte-swapping into dst (which must already have length n).
func readTableInto(f readerAt, offset int64, dst []uint64) error {
	buf := make([]byte, 8*len(dst))
	if _, err := f.ReadAt(buf, offset); err != nil {
		return wrapErr(KindTruncated, "reading table", err)
	}
	for i := range dst {
		dst[i] = binary.BigEndian.Uint64(buf[i*8 : i*8+8])
	}
	return nil
}

// readTable is readTableInto for callers that don't already own a buffer.
func readTable(f readerAt, offset int64, n int) ([]uint64, error) {
	dst := make([]uint64, n)
	if err := readTableInto(f, offset, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// readerAt is the subset of *os.File this package depends on, so tests can
// substitute an in-memory image without touching the filesystem.
type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}
