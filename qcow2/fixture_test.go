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

package qcow2_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xcp-ng/xcp-ng-vdi-stream/qcow2"
)

// fixtureSpec describes a single small hand-built QCOW2 image, laid out with
// one L1 table and one L2 table (enough for every chain scenario spec.md §8
// exercises). It is a black-box byte layout, independent of anything in the
// qcow2 package itself, so it tests the reader against the format rather
// than against its own encoder.
type fixtureSpec struct {
	clusterBits uint32
	nClusters   int64
	backing     string
	// allocated maps a guest cluster index to the exact clusterSize bytes
	// that should be written at that host offset, and linked from the L2
	// table with the ClusterAllocated bit (and ClusterZero too, if also
	// present in zero).
	allocated map[int64][]byte
	// zero marks a guest cluster index as ClusterZero-only (no host offset
	// allocated, explicit-zero entry).
	zero map[int64]bool
}

// writeFixture builds spec as a real file under dir/name and returns its
// absolute path.
func writeFixture(t *testing.T, dir, name string, spec fixtureSpec) string {
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
	putU32(36, 1) // l1_size
	putU64(40, uint64(l1Offset))
	putU64(48, clusterSize) // refcount_table_offset
	putU32(56, 1)           // refcount_table_clusters
	putU32(60, 0)           // nb_snapshots
	putU64(64, 0)           // snapshots_offset
	// version-3 tail
	putU64(72, 0) // incompatible_features
	putU64(80, 0) // compatible_features
	putU64(88, 0) // autoclear_features
	putU32(96, 4) // refcount_order
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
		} else {
			entry = 0
		}
		putU64(l2Offset+idx*8, entry)
	}

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func clusterOf(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
