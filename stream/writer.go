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

// Package stream turns a qcow2.Chain into a byte-exact, flattened QCOW2
// output, produced incrementally through a pull-based Bridge instead of
// being materialized in memory (spec.md §4.5-§4.7).
package stream

import (
	"bytes"

	"github.com/xcp-ng/xcp-ng-vdi-stream/qcow2"
)

// pusher is the subset of *Bridge the writer and its visitors depend on, so
// tests can drive them against a recording fake.
type pusher interface {
	Write(p []byte) error
	WriteZeros(n int64) error
	GetBuf() []byte
	GetBufSize() int
	IncreaseSize(n int) error
}

// geometry is the output image's fixed layout, derived once in phase 1 and
// threaded through the remaining phases.
type geometry struct {
	clusterBits uint32
	clusterSize int64
	l2Bits      uint32
	l2Size      int64

	virtualSize int64
	sectorsPerCluster int64

	l1Size               int64
	l1TableOffset        int64
	l2TablesOffset       int64 // == initial currentL2TableOffset in phase 3
	refcountTableOffset  int64
	refcountTableClusters int64
}

// Write runs phases 1-5 of the flattening writer against chain, pushing
// bytes through p; the final flush of whatever p still buffers (phase 6) is
// left to p, which the Bridge does once Write returns. backingFileName, if non-empty, is recorded in
// the output header verbatim (spec.md §6 scenario 6).
func Write(p pusher, chain *qcow2.Chain, backingFileName string) error {
	g, err := phase1Header(p, chain, backingFileName)
	if err != nil {
		return err
	}
	if err := phase2RefcountPlaceholder(p, g); err != nil {
		return err
	}

	dataOffset, err := phase3L1Table(p, chain, g)
	if err != nil {
		return err
	}
	if err := phase4L2Tables(p, chain, g, dataOffset); err != nil {
		return err
	}
	if err := phase5ClusterData(p, chain, g); err != nil {
		return err
	}
	return nil
}

func phase1Header(p pusher, chain *qcow2.Chain, backingFileName string) (geometry, error) {
	head := chain.Head.Header

	g := geometry{
		clusterBits:       head.ClusterBits,
		clusterSize:       head.ClusterSize(),
		l2Bits:            head.L2Bits(),
		l2Size:            head.L2Size(),
		virtualSize:       int64(head.Size),
		sectorsPerCluster: head.ClusterSize() / 512,
	}
	g.l1Size = qcow2.RequiredL1Size(g.virtualSize, g.clusterSize, g.l2Size)
	g.l1TableOffset = 2 * g.clusterSize
	g.refcountTableOffset = g.clusterSize
	g.refcountTableClusters = 1

	l1Bytes := g.l1Size * 8
	l1Clusters := (l1Bytes + g.clusterSize - 1) / g.clusterSize
	g.l2TablesOffset = g.l1TableOffset + l1Clusters*g.clusterSize

	out := &qcow2.Header{
		Magic:                 qcow2.Magic,
		Version:               head.Version,
		ClusterBits:           head.ClusterBits,
		Size:                  uint64(g.virtualSize),
		CryptMethod:           qcow2.NoEncryption,
		L1Size:                uint32(g.l1Size),
		L1TableOffset:         uint64(g.l1TableOffset),
		RefcountTableOffset:   uint64(g.refcountTableOffset),
		RefcountTableClusters: uint32(g.refcountTableClusters),
		RefcountOrder:         head.RefcountOrder,
		HeaderLength:          104,
	}

	if backingFileName != "" {
		if len(backingFileName) >= 1024 {
			return g, newErr(KindStateError, "backing file name too long")
		}
		out.BackingFileOffset = uint64(out.HeaderLength) + 8
		out.BackingFileSize = uint32(len(backingFileName))
		if out.BackingFileOffset+uint64(out.BackingFileSize) > uint64(g.clusterSize) {
			return g, newErr(KindStateError, "backing file name does not fit in the first cluster")
		}
	}

	var buf bytes.Buffer
	if err := qcow2.EncodeHeader(&buf, out); err != nil {
		return g, wrapErr(KindIoError, "encoding output header", err)
	}
	if err := p.Write(buf.Bytes()); err != nil {
		return g, err
	}

	// end-of-header-extension marker: a single zero-length, zero-type entry.
	if err := p.WriteZeros(8); err != nil {
		return g, err
	}

	emitted := int64(buf.Len()) + 8
	if backingFileName != "" {
		if err := p.Write([]byte(backingFileName)); err != nil {
			return g, err
		}
		emitted += int64(len(backingFileName))
	}

	if pad := g.clusterSize - emitted%g.clusterSize; pad != g.clusterSize {
		if err := p.WriteZeros(pad); err != nil {
			return g, err
		}
	}

	return g, nil
}

func phase2RefcountPlaceholder(p pusher, g geometry) error {
	return p.WriteZeros(g.refcountTableClusters * g.clusterSize)
}
