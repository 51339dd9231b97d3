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

// findClustersOffset resolves vaddr within this single image (not its
// chain), returning the host offset of a maximal contiguous same-typed run
// starting at vaddr, its length in bytes, and the cluster type. See
// spec.md §4.2.
func (img *Image) findClustersOffset(vaddr, nBytes int64) (hostOffset, nAvailable int64, typeMask ClusterType, err error) {
	clusterSize := img.clusterSize
	clusterBits := int64(img.Header.ClusterBits)

	clusterPadding := vaddr % clusterSize
	requested := nBytes + clusterPadding
	alignedVaddr := vaddr - clusterPadding

	l2Index := (alignedVaddr >> clusterBits) & (img.l2Size - 1)
	maxExtent := (img.l2Size - l2Index) << clusterBits
	budget := requested
	if maxExtent < budget {
		budget = maxExtent
	}

	l1Index := alignedVaddr >> (clusterBits + int64(img.l2Bits))
	if l1Index >= int64(len(img.l1Table)) {
		return 0, budget - clusterPadding, ClusterUnallocated, nil
	}

	l1Offset := l1EntryOffset(img.l1Table[l1Index])
	if l1Offset == 0 {
		return 0, budget - clusterPadding, ClusterUnallocated, nil
	}
	if l1Offset%clusterSize != 0 {
		return 0, 0, 0, newErr(KindMisalignment, "L2 table offset is not cluster-aligned")
	}

	l2Table, err := img.l2Cache.get(l1Offset)
	if err != nil {
		return 0, 0, 0, err
	}

	firstType, firstOffset := l2EntryType(l2Table[l2Index])
	if firstType&ClusterCompressed != 0 {
		return 0, 0, 0, newErr(KindUnsupportedFeature, "compressed clusters are not supported")
	}
	if firstType&ClusterAllocated != 0 && firstOffset%clusterSize != 0 {
		return 0, 0, 0, newErr(KindMisalignment, "allocated cluster offset is not cluster-aligned")
	}

	budgetClusters := budget / clusterSize
	if budget%clusterSize != 0 {
		budgetClusters++
	}

	run := int64(1)
	for run < budgetClusters && l2Index+run < img.l2Size {
		t, off := l2EntryType(l2Table[l2Index+run])
		if t&ClusterCompressed != 0 || t != firstType {
			break
		}
		if t&ClusterAllocated != 0 && off != firstOffset+run*clusterSize {
			break
		}
		run++
	}

	runBytes := run * clusterSize
	if runBytes > budget {
		runBytes = budget
	}

	nAvailable = runBytes - clusterPadding
	if firstType&ClusterAllocated != 0 {
		hostOffset = firstOffset + clusterPadding
	}
	return hostOffset, nAvailable, firstType, nil
}

// unallocatedRun reports the maximal run of Unallocated bytes starting at
// vaddr without consulting any on-disk data, bounded the same way
// findClustersOffset bounds a real lookup (does not cross an L2 table).
// Used for the degenerate "base is head" chain (spec.md §4.3).
func (img *Image) unallocatedRun(vaddr, nBytes int64) (int64, int64, ClusterType, error) {
	clusterSize := img.clusterSize
	clusterBits := int64(img.Header.ClusterBits)

	clusterPadding := vaddr % clusterSize
	requested := nBytes + clusterPadding
	alignedVaddr := vaddr - clusterPadding

	l2Index := (alignedVaddr >> clusterBits) & (img.l2Size - 1)
	maxExtent := (img.l2Size - l2Index) << clusterBits
	budget := requested
	if maxExtent < budget {
		budget = maxExtent
	}

	return 0, budget - clusterPadding, ClusterUnallocated, nil
}
