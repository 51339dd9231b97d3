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

	"github.com/xcp-ng/xcp-ng-vdi-stream/qcow2"
)

func writeUint64(p pusher, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return p.Write(b[:])
}

// l1IndexFor computes the output L1 index covering vaddr, against the head's
// own geometry (spec.md §4.5 phase 3: "using the head image's clusterBits/
// l2Bits" even for runs whose data came from a differently-sized ancestor).
func l1IndexFor(g geometry, vaddr int64) int64 {
	return vaddr >> (int64(g.clusterBits) + int64(g.l2Bits))
}

// l1Writer is phase 3's visitor state: one L1 entry per output L2 table,
// lazily reserving a fresh L2 table position the first time an L1 index is
// found to need one.
type l1Writer struct {
	g    geometry
	p    pusher
	next int64 // currentL2TableOffset: next reservable L2 table position

	currentL1Index int64
	entryWritten    bool
	entriesEmitted  int64
}

func newL1Writer(p pusher, g geometry) *l1Writer {
	return &l1Writer{g: g, p: p, next: g.l2TablesOffset}
}

func (w *l1Writer) emit(reserve bool) error {
	var offset int64
	if reserve {
		offset = w.next
		w.next += w.g.clusterSize
	}
	w.entriesEmitted++
	return writeUint64(w.p, newL1Entry(offset))
}

// advanceTo finalizes every L1 index strictly before idx: any that never
// had an entry written (fully Unallocated span) gets a COPIED-only entry.
func (w *l1Writer) advanceTo(idx int64) error {
	for w.currentL1Index < idx {
		if !w.entryWritten {
			if err := w.emit(false); err != nil {
				return err
			}
		}
		w.currentL1Index++
		w.entryWritten = false
	}
	return nil
}

func (w *l1Writer) visit(sector, nAvailableBytes int64, typeMask qcow2.ClusterType, _ *qcow2.Image, _ int64) error {
	vaddr := sector * 512
	endVaddr := vaddr + nAvailableBytes

	idxStart := l1IndexFor(w.g, vaddr)
	idxEnd := l1IndexFor(w.g, endVaddr-1)

	if err := w.advanceTo(idxStart); err != nil {
		return err
	}
	w.currentL1Index = idxStart

	for idx := idxStart; idx <= idxEnd; idx++ {
		if idx > idxStart {
			if !w.entryWritten {
				if err := w.emit(false); err != nil {
					return err
				}
			}
			w.currentL1Index = idx
			w.entryWritten = false
		}
		if typeMask&(qcow2.ClusterAllocated|qcow2.ClusterZero) != 0 && !w.entryWritten {
			if err := w.emit(true); err != nil {
				return err
			}
			w.entryWritten = true
		}
	}
	return nil
}

// finish closes out the final L1 index and pads with COPIED-only entries up
// to l1Size, then zero-pads to the start of the L2 tables region. It
// returns the data offset (end of all reserved L2 tables).
func (w *l1Writer) finish() (int64, error) {
	if err := w.advanceTo(w.g.l1Size - 1); err != nil {
		return 0, err
	}
	if w.currentL1Index < w.g.l1Size {
		if !w.entryWritten {
			if err := w.emit(false); err != nil {
				return 0, err
			}
		}
		w.currentL1Index++
	}
	for w.entriesEmitted < w.g.l1Size {
		if err := w.emit(false); err != nil {
			return 0, err
		}
	}

	pad := w.g.l2TablesOffset - (w.g.l1TableOffset + w.entriesEmitted*8)
	if pad > 0 {
		if err := w.p.WriteZeros(pad); err != nil {
			return 0, err
		}
	}

	return w.next, nil
}

func phase3L1Table(p pusher, chain *qcow2.Chain, g geometry) (int64, error) {
	w := newL1Writer(p, g)
	if err := chain.ForEachCluster(w.visit); err != nil {
		return 0, err
	}
	return w.finish()
}

// downgradeType applies the phase-4 type-merge rules (spec.md §4.5 phase 4)
// for combining a pending accumulator type with a newly-arriving run's type
// within the same output cluster. flush is true when the two types cannot
// be merged and the accumulator must be emitted as-is before incoming can
// be adopted fresh.
func downgradeType(acc, incoming qcow2.ClusterType) (result qcow2.ClusterType, flush bool) {
	if acc == incoming {
		return acc, false
	}
	if acc&qcow2.ClusterZero != 0 && incoming == qcow2.ClusterAllocated|qcow2.ClusterZero {
		return qcow2.ClusterAllocated | qcow2.ClusterZero, false
	}
	if acc&qcow2.ClusterAllocated != 0 && incoming == qcow2.ClusterAllocated {
		return qcow2.ClusterAllocated, false
	}
	if acc == qcow2.ClusterUnallocated {
		return incoming, false
	}
	return acc, true
}

// l2Writer is phase 4's visitor state: per output L1 index, accumulates
// sub-cluster runs into whole output clusters and emits one L2 entry per
// completed cluster, lazily reserving the table itself the same way phase 3
// reserved its L1 entry.
type l2Writer struct {
	g    geometry
	p    pusher
	data int64 // running data cluster pointer

	currentL1Index  int64
	tableReserved   bool
	entriesInTable  int64
	pendingUnalloc  int64 // whole unallocated clusters seen before the table was reserved

	accSectors int64
	accType    qcow2.ClusterType
}

func newL2Writer(p pusher, g geometry, dataOffset int64) *l2Writer {
	return &l2Writer{g: g, p: p, data: dataOffset, currentL1Index: -1}
}

func (w *l2Writer) pushEntry(t qcow2.ClusterType) error {
	var offset int64
	if t&qcow2.ClusterAllocated != 0 {
		offset = w.data
		w.data += w.g.clusterSize
	}
	w.entriesInTable++
	return writeUint64(w.p, newL2Entry(t, offset))
}

func (w *l2Writer) emitCompletedCluster() error {
	if !w.tableReserved {
		w.pendingUnalloc++
		return nil
	}
	return w.pushEntry(w.accType)
}

func (w *l2Writer) mergeRun(t qcow2.ClusterType, nSectors int64) error {
	for nSectors > 0 {
		newType, flush := downgradeType(w.accType, t)
		if flush {
			if err := w.emitCompletedCluster(); err != nil {
				return err
			}
			w.accSectors = 0
			w.accType = qcow2.ClusterUnallocated
			continue
		}
		w.accType = newType

		need := w.g.sectorsPerCluster - w.accSectors
		take := nSectors
		if take > need {
			take = need
		}
		w.accSectors += take
		nSectors -= take

		if w.accSectors == w.g.sectorsPerCluster {
			if err := w.emitCompletedCluster(); err != nil {
				return err
			}
			w.accSectors = 0
			w.accType = qcow2.ClusterUnallocated
		}
	}
	return nil
}

// finishTable rounds out (or discards) the currently-open L1 index's table
// before moving on, per the "round out to l2Size entries" and "no padding
// entry when the L1 entry itself was never written" rules.
func (w *l2Writer) finishTable() error {
	if !w.tableReserved {
		w.pendingUnalloc = 0
		w.accSectors = 0
		w.accType = qcow2.ClusterUnallocated
		return nil
	}

	if w.accSectors > 0 {
		if err := w.pushEntry(w.accType); err != nil {
			return err
		}
		w.accSectors = 0
		w.accType = qcow2.ClusterUnallocated
	}
	for w.entriesInTable < w.g.l2Size {
		if err := w.pushEntry(qcow2.ClusterUnallocated); err != nil {
			return err
		}
	}

	w.tableReserved = false
	w.entriesInTable = 0
	return nil
}

func (w *l2Writer) visit(sector, nAvailableBytes int64, typeMask qcow2.ClusterType, _ *qcow2.Image, _ int64) error {
	idx := l1IndexFor(w.g, sector*512)
	if idx != w.currentL1Index {
		if err := w.finishTable(); err != nil {
			return err
		}
		w.currentL1Index = idx
	}

	if !w.tableReserved && typeMask&(qcow2.ClusterAllocated|qcow2.ClusterZero) != 0 {
		w.tableReserved = true
		for ; w.pendingUnalloc > 0; w.pendingUnalloc-- {
			if err := w.pushEntry(qcow2.ClusterUnallocated); err != nil {
				return err
			}
		}
	}

	return w.mergeRun(typeMask, nAvailableBytes/512)
}

func phase4L2Tables(p pusher, chain *qcow2.Chain, g geometry, dataOffset int64) error {
	w := newL2Writer(p, g, dataOffset)
	if err := chain.ForEachCluster(w.visit); err != nil {
		return err
	}
	return w.finishTable()
}

// dataWriter is phase 5's visitor state: tracks how much of the current
// output cluster has already had real bytes emitted, so a run that only
// partially covers a (possibly larger) output cluster still yields
// byte-exact data by reading the rest through the chain rather than zeroing
// it (spec.md §4.5 phase 5, and scenario 5 in §8).
type dataWriter struct {
	g     geometry
	p     pusher
	chain *qcow2.Chain

	accSectors int64
	accWritten bool
}

func newDataWriter(p pusher, chain *qcow2.Chain, g geometry) *dataWriter {
	return &dataWriter{g: g, p: p, chain: chain}
}

// readChainInto fills buf with the chain's real bytes starting at vaddr,
// reading through ancestors (ignoring any Base) and zero-filling spans that
// are genuinely Unallocated anywhere in the chain.
func readChainInto(chain *qcow2.Chain, vaddr int64, buf []byte) error {
	for len(buf) > 0 {
		hostOffset, nAvailable, typeMask, origin, err := chain.FindClustersOffset(vaddr, int64(len(buf)))
		if err != nil {
			return err
		}
		n := nAvailable
		if n > int64(len(buf)) {
			n = int64(len(buf))
		}
		if n <= 0 {
			return newErr(KindIoError, "chain read returned a non-positive run length")
		}

		if typeMask == qcow2.ClusterAllocated {
			if _, err := origin.ReadAt(buf[:n], hostOffset); err != nil {
				return wrapErr(KindIoError, "reading ancestor data", err)
			}
		} else {
			for i := int64(0); i < n; i++ {
				buf[i] = 0
			}
		}

		buf = buf[n:]
		vaddr += n
	}
	return nil
}

func (w *dataWriter) copyFromOrigin(origin *qcow2.Image, hostOffset, n int64) error {
	for n > 0 {
		tail := w.p.GetBuf()
		take := n
		if take > int64(len(tail)) {
			take = int64(len(tail))
		}
		if take == 0 {
			// buffer is momentarily full; force a flush by writing nothing
			// and letting the caller observe GetBufSize() == cap on next loop.
			if err := w.p.IncreaseSize(0); err != nil {
				return err
			}
			continue
		}
		if _, err := origin.ReadAt(tail[:take], hostOffset); err != nil {
			return wrapErr(KindIoError, "reading allocated cluster data", err)
		}
		if err := w.p.IncreaseSize(int(take)); err != nil {
			return err
		}
		hostOffset += take
		n -= take
	}
	return nil
}

func (w *dataWriter) visit(sector, nAvailableBytes int64, typeMask qcow2.ClusterType, origin *qcow2.Image, hostOffset int64) error {
	vaddr := sector * 512
	nSectors := nAvailableBytes / 512

	if typeMask == qcow2.ClusterAllocated {
		if !w.accWritten && w.accSectors > 0 {
			clusterStart := vaddr - w.accSectors*512
			buf := make([]byte, w.accSectors*512)
			if err := readChainInto(w.chain, clusterStart, buf); err != nil {
				return err
			}
			if err := w.p.Write(buf); err != nil {
				return err
			}
		}

		if err := w.copyFromOrigin(origin, hostOffset, nAvailableBytes); err != nil {
			return err
		}

		w.accSectors = (w.accSectors + nSectors) % w.g.sectorsPerCluster
		w.accWritten = w.accSectors != 0
		return nil
	}

	if w.accWritten {
		remainder := w.g.sectorsPerCluster - w.accSectors
		toRead := nSectors
		if toRead > remainder {
			toRead = remainder
		}

		buf := make([]byte, toRead*512)
		if err := readChainInto(w.chain, vaddr, buf); err != nil {
			return err
		}
		if err := w.p.Write(buf); err != nil {
			return err
		}

		w.accSectors += toRead
		left := nSectors - toRead
		if w.accSectors == w.g.sectorsPerCluster {
			w.accSectors = 0
			w.accWritten = false
		}
		if left > 0 {
			w.accSectors = left % w.g.sectorsPerCluster
			w.accWritten = false
		}
		return nil
	}

	w.accSectors = (w.accSectors + nSectors) % w.g.sectorsPerCluster
	return nil
}

func (w *dataWriter) finish() error {
	if w.accSectors > 0 {
		return w.p.WriteZeros((w.g.sectorsPerCluster - w.accSectors) * 512)
	}
	return nil
}

func phase5ClusterData(p pusher, chain *qcow2.Chain, g geometry) error {
	w := newDataWriter(p, chain, g)
	if err := chain.ForEachCluster(w.visit); err != nil {
		return err
	}
	return w.finish()
}
