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

import "path/filepath"

// Chain is a head image plus an optional ancestor at which flattening must
// stop. A nil Base means "flatten all the way to the chain's root". Base
// equal to Head (the degenerate case) means "emit an empty delta" and is
// tracked separately since Base itself is otherwise a regular *Image.
type Chain struct {
	Head       *Image
	Base       *Image
	baseIsHead bool
}

// NewChain builds a Chain for head, resolving basePath (which may be "" for
// no base) against head's backing chain. An empty string requests the
// entire chain be flattened to its root; a path matching head itself
// requests the empty-delta degenerate case; any other path must name an
// ancestor of head, or KindBadChain is returned.
func NewChain(head *Image, basePath string) (*Chain, error) {
	if basePath == "" {
		return &Chain{Head: head}, nil
	}

	baseAbs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, wrapErr(KindBadChain, "resolving base path "+basePath, err)
	}

	if baseAbs == head.Path() {
		return &Chain{Head: head, baseIsHead: true}, nil
	}

	for anc := head.Parent; anc != nil; anc = anc.Parent {
		if anc.Path() == baseAbs {
			return &Chain{Head: head, Base: anc}, nil
		}
	}

	return nil, newErr(KindBadChain, "base image "+basePath+" is not an ancestor of the head image")
}

// FindClustersOffset resolves vaddr against the chain, ignoring Base (it
// always reads all the way to the true root). Used by the stream package to
// pull real bytes for a byte range whose type was already decided against a
// Base-bounded view, e.g. to backfill a partial output cluster.
func (c *Chain) FindClustersOffset(vaddr, nBytes int64) (hostOffset, nAvailable int64, typeMask ClusterType, origin *Image, err error) {
	remaining := nBytes
	for img := c.Head; img != nil; img = img.Parent {
		ho, avail, t, lookupErr := img.findClustersOffset(vaddr, remaining)
		if lookupErr != nil {
			return 0, 0, 0, nil, lookupErr
		}
		if t&(ClusterAllocated|ClusterZero) != 0 {
			return ho, avail, t, img, nil
		}
		remaining = avail
		if remaining <= 0 {
			break
		}
	}
	return 0, remaining, ClusterUnallocated, nil, nil
}

// findClustersOffset resolves vaddr against the chain: it walks ancestors
// from Head toward (but not including) Base, stopping as soon as one
// carries Allocated or Zero data, and intersecting run lengths across
// ancestors that report Unallocated (spec.md §4.3).
func (c *Chain) findClustersOffset(vaddr, nBytes int64) (hostOffset, nAvailable int64, typeMask ClusterType, origin *Image, err error) {
	if c.baseIsHead {
		hostOffset, nAvailable, typeMask, err = c.Head.unallocatedRun(vaddr, nBytes)
		return hostOffset, nAvailable, typeMask, nil, err
	}

	remaining := nBytes
	for img := c.Head; img != nil && img != c.Base; img = img.Parent {
		ho, avail, t, lookupErr := img.findClustersOffset(vaddr, remaining)
		if lookupErr != nil {
			return 0, 0, 0, nil, lookupErr
		}
		if t&(ClusterAllocated|ClusterZero) != 0 {
			return ho, avail, t, img, nil
		}
		remaining = avail
		if remaining <= 0 {
			break
		}
	}

	return 0, remaining, ClusterUnallocated, nil, nil
}

// ClusterVisitor is called once per contiguous run discovered by
// ForEachCluster. sector is the guest sector the run begins at,
// nAvailableBytes its length, typeMask its cluster type, origin the
// ancestor that supplied the data (nil for Unallocated), and hostOffset the
// offset within origin's file (meaningful only when Allocated is set). A
// non-nil return aborts the scan.
type ClusterVisitor func(sector int64, nAvailableBytes int64, typeMask ClusterType, origin *Image, hostOffset int64) error

// maxRequestBytes bounds how much a single ForEachCluster step asks the
// lookup engine to resolve at once; the actual run returned is usually
// much smaller, capped by L2-table boundaries.
const maxRequestBytes = 1 << 30

// ForEachCluster walks the entire guest address space of chain's head
// image, sector by sector, grouping contiguous same-typed runs and
// invoking visit once per run (spec.md §4.4).
func (c *Chain) ForEachCluster(visit ClusterVisitor) error {
	totalSectors := c.Head.Header.SectorCount()

	for sector := int64(0); sector < totalSectors; {
		vaddr := sector * 512
		remainingBytes := (totalSectors - sector) * 512

		budget := remainingBytes
		if budget > maxRequestBytes {
			budget = maxRequestBytes
		}

		hostOffset, nAvailable, typeMask, origin, err := c.findClustersOffset(vaddr, budget)
		if err != nil {
			return err
		}
		if nAvailable <= 0 {
			return newErr(KindParseError, "cluster lookup returned a non-positive run length")
		}

		if err := visit(sector, nAvailable, typeMask, origin, hostOffset); err != nil {
			return err
		}

		sector += nAvailable / 512
	}

	return nil
}
