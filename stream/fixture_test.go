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
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xcp-ng/xcp-ng-vdi-stream/qcow2"
)

// fixtureSpec is this package's own minimal hand-built QCOW2 image layout
// (header, one L1 table, one L2 table, then data clusters), used to build
// small input chains for the writer end-to-end tests without depending on
// anything in the qcow2 package's own encoder.
type fixtureSpec struct {
	clusterBits uint32
	nClusters   int64
	backing     string
	allocated   map[int64][]byte
	zero        map[int64]bool
}

func writeStreamFixture(t *testing.T, dir, name string, spec fixtureSpec) string {
	t.Helper()

	clusterSize := int64(1) << spec.clusterBits
	l2Bits := spec.clusterBits - 3
	l2Size := int64(1) << l2Bits
	require.LessOrEqualf(t, spec.nClusters, l2Size, "fixture helper only supports a single L2 table")

	headerLen := int64(104)
	l1Offset := 2 * clusterSize
	l2Offset := 3 * clusterSize
	dataOffset := 4 * clusterSize

	buf := make([]byte, dataOffset)
	putU32 := func(off int64, v uint32) { binary.BigEndian.PutUint32(buf[off:], v) }
	putU64 := func(off int64, v uint64) { binary.BigEndian.PutUint64(buf[off:], v) }

	putU32(0, qcow2.Magic)
	putU32(4, qcow2.Version3)
	if spec.backing != "" {
		putU64(8, uint64(headerLen+8))
		putU32(16, uint32(len(spec.backing)))
	}
	putU32(20, spec.clusterBits)
	putU64(24, uint64(spec.nClusters*clusterSize))
	putU32(32, qcow2.NoEncryption)
	putU32(36, 1)
	putU64(40, uint64(l1Offset))
	putU64(48, clusterSize)
	putU32(56, 1)
	putU32(60, 0)
	putU64(64, 0)
	putU64(72, 0)
	putU64(80, 0)
	putU64(88, 0)
	putU32(96, 4)
	putU32(100, uint32(headerLen))

	if spec.backing != "" {
		copy(buf[headerLen+8:], spec.backing)
	}

	putU64(l1Offset, (uint64(1)<<63)|uint64(l2Offset))

	nextData := dataOffset
	for idx := int64(0); idx < spec.nClusters; idx++ {
		data, isAllocated := spec.allocated[idx]
		isZero := spec.zero[idx]

		var entry uint64
		if isAllocated {
			entry = (uint64(1) << 63) | uint64(nextData)
			if isZero {
				entry |= 1
			}
			buf = append(buf, make([]byte, clusterSize)...)
			copy(buf[nextData:nextData+clusterSize], data)
			nextData += clusterSize
		} else if isZero {
			entry = (uint64(1) << 63) | 1
		}
		putU64(l2Offset+idx*8, entry)
	}

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func fill(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
