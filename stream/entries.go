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

import "github.com/xcp-ng/xcp-ng-vdi-stream/qcow2"

// The encoder's half of the L1/L2 entry bit layout qcow2.Header decodes. We
// only ever write entries with the COPIED flag set: a freshly flattened
// image owns every cluster it allocates outright, so there is never a
// shared/external refcount to preserve.
const (
	copiedFlag  = uint64(1) << 63
	zeroFlagBit = uint64(1) << 0
	offsetMask  = (uint64(1)<<47 - 1) << 9
)

// newL1Entry encodes an L1 table entry, COPIED always set regardless of
// whether an L2 table was reserved (spec.md §4.5 phase 3: "COPIED-only
// entries (offset 0)" for an L1 index with no allocated or zero data).
func newL1Entry(l2TableOffset int64) uint64 {
	return copiedFlag | (uint64(l2TableOffset) & offsetMask)
}

// newL2Entry encodes an L2 table entry for a cluster of the given type,
// COPIED always set (spec.md §4.5 phase 4: "Unallocated -> 0|COPIED"). offset
// is ignored (and must be 0) unless t carries ClusterAllocated.
func newL2Entry(t qcow2.ClusterType, offset int64) uint64 {
	entry := copiedFlag
	if t&qcow2.ClusterAllocated != 0 {
		entry |= uint64(offset) & offsetMask
	}
	if t&qcow2.ClusterZero != 0 {
		entry |= zeroFlagBit
	}
	return entry
}
