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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xcp-ng/xcp-ng-vdi-stream/qcow2"
)

// bufPusher is an in-memory pusher, so writer tests can inspect the exact
// bytes produced without going through the Bridge's chunking.
type bufPusher struct {
	data    []byte
	scratch [4096]byte
}

func (p *bufPusher) Write(b []byte) error {
	p.data = append(p.data, b...)
	return nil
}

func (p *bufPusher) WriteZeros(n int64) error {
	p.data = append(p.data, make([]byte, n)...)
	return nil
}

func (p *bufPusher) GetBuf() []byte { return p.scratch[:] }
func (p *bufPusher) GetBufSize() int { return 0 }

func (p *bufPusher) IncreaseSize(n int) error {
	p.data = append(p.data, p.scratch[:n]...)
	return nil
}

// flattenAndReopen runs the writer against chain, writes the result into dir
// (the same directory any backingFileName must resolve against), and
// reopens it as a standalone qcow2.Image so assertions can read it back the
// same way any other consumer would.
func flattenAndReopen(t *testing.T, dir string, chain *qcow2.Chain, backingFileName string) *qcow2.Image {
	t.Helper()

	p := &bufPusher{}
	require.NoError(t, Write(p, chain, backingFileName))

	outPath := filepath.Join(dir, "out.qcow2")
	require.NoError(t, os.WriteFile(outPath, p.data, 0o644))

	out, err := qcow2.Open(outPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = out.Close() })
	return out
}

// readFlattened reads every guest byte that img itself maps. If the writer
// recorded a backing file for img, that parent is used as the Chain's Base,
// so bytes img leaves unallocated read as zeros instead of the parent's.
func readFlattened(t *testing.T, img *qcow2.Image) []byte {
	t.Helper()

	basePath := ""
	if img.Parent != nil {
		basePath = img.Parent.Path()
	}
	chain, err := qcow2.NewChain(img, basePath)
	require.NoError(t, err)

	out := make([]byte, img.Header.Size)
	err = chain.ForEachCluster(func(sector, nAvailableBytes int64, typeMask qcow2.ClusterType, origin *qcow2.Image, hostOffset int64) error {
		start := sector * 512
		if typeMask&qcow2.ClusterAllocated == 0 {
			return nil // already zero in out
		}
		buf := make([]byte, nAvailableBytes)
		if _, rerr := origin.ReadAt(buf, hostOffset); rerr != nil {
			return rerr
		}
		copy(out[start:start+nAvailableBytes], buf)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestWriteSingleClusterFlatten(t *testing.T) {
	dir := t.TempDir()
	leafPath := writeStreamFixture(t, dir, "leaf.qcow2", fixtureSpec{
		clusterBits: 9,
		nClusters:   1,
		allocated:   map[int64][]byte{0: fill('A', 512)},
	})

	head, err := qcow2.Open(leafPath)
	require.NoError(t, err)
	defer head.Close()

	chain, err := qcow2.NewChain(head, "")
	require.NoError(t, err)

	out := flattenAndReopen(t, dir, chain, "")
	got := readFlattened(t, out)
	assert.Equal(t, fill('A', 512), got)
}

func TestWriteTwoImageChainMergesAllocations(t *testing.T) {
	dir := t.TempDir()
	writeStreamFixture(t, dir, "base.qcow2", fixtureSpec{
		clusterBits: 9,
		nClusters:   4,
		allocated: map[int64][]byte{
			0: fill('B', 512),
			1: fill('b', 512),
			2: fill('b', 512),
			3: fill('b', 512),
		},
	})
	leafPath := writeStreamFixture(t, dir, "leaf.qcow2", fixtureSpec{
		clusterBits: 9,
		nClusters:   4,
		backing:     "base.qcow2",
		allocated:   map[int64][]byte{2: fill('L', 512)},
	})

	head, err := qcow2.Open(leafPath)
	require.NoError(t, err)
	defer head.Close()

	chain, err := qcow2.NewChain(head, "")
	require.NoError(t, err)

	out := flattenAndReopen(t, dir, chain, "")
	got := readFlattened(t, out)

	expected := append(append(append(fill('B', 512), fill('b', 512)...), fill('L', 512)...), fill('b', 512)...)
	assert.Equal(t, expected, got)
}

func TestWriteThreeImageChainMergesAllocations(t *testing.T) {
	dir := t.TempDir()
	writeStreamFixture(t, dir, "grandparent.qcow2", fixtureSpec{
		clusterBits: 9,
		nClusters:   2,
		allocated: map[int64][]byte{
			0: fill('G', 512),
			1: fill('g', 512),
		},
	})
	writeStreamFixture(t, dir, "parent.qcow2", fixtureSpec{
		clusterBits: 9,
		nClusters:   2,
		backing:     "grandparent.qcow2",
		allocated:   map[int64][]byte{0: fill('P', 512)},
	})
	leafPath := writeStreamFixture(t, dir, "leaf.qcow2", fixtureSpec{
		clusterBits: 9,
		nClusters:   2,
		backing:     "parent.qcow2",
		allocated:   map[int64][]byte{1: fill('L', 512)},
	})

	head, err := qcow2.Open(leafPath)
	require.NoError(t, err)
	defer head.Close()

	chain, err := qcow2.NewChain(head, "")
	require.NoError(t, err)

	out := flattenAndReopen(t, dir, chain, "")
	got := readFlattened(t, out)

	expected := append(fill('P', 512), fill('L', 512)...)
	assert.Equal(t, expected, got)
}

func TestWriteBaseExcludesAncestorDelta(t *testing.T) {
	dir := t.TempDir()
	basePath := writeStreamFixture(t, dir, "base.qcow2", fixtureSpec{
		clusterBits: 9,
		nClusters:   2,
		allocated:   map[int64][]byte{0: fill('B', 512), 1: fill('b', 512)},
	})
	leafPath := writeStreamFixture(t, dir, "leaf.qcow2", fixtureSpec{
		clusterBits: 9,
		nClusters:   2,
		backing:     "base.qcow2",
		allocated:   map[int64][]byte{0: fill('L', 512)},
	})

	head, err := qcow2.Open(leafPath)
	require.NoError(t, err)
	defer head.Close()

	chain, err := qcow2.NewChain(head, basePath)
	require.NoError(t, err)

	out := flattenAndReopen(t, dir, chain, "base.qcow2")
	got := readFlattened(t, out)

	// Cluster 0 is the leaf's own override ('L'); cluster 1 is not in the
	// delta above base, so it stays unallocated/zero in the flattened output
	// even though base itself has 'b' there.
	expected := append(fill('L', 512), make([]byte, 512)...)
	assert.Equal(t, expected, got)
	assert.Equal(t, "base.qcow2", out.BackingFileName())
}

func TestWriteBaseEqualsHeadIsEmptyDelta(t *testing.T) {
	dir := t.TempDir()
	leafPath := writeStreamFixture(t, dir, "leaf.qcow2", fixtureSpec{
		clusterBits: 9,
		nClusters:   2,
		allocated:   map[int64][]byte{0: fill('L', 512), 1: fill('l', 512)},
	})

	head, err := qcow2.Open(leafPath)
	require.NoError(t, err)
	defer head.Close()

	chain, err := qcow2.NewChain(head, leafPath)
	require.NoError(t, err)

	out := flattenAndReopen(t, dir, chain, "")
	got := readFlattened(t, out)
	assert.Equal(t, make([]byte, 1024), got)
}

func TestWriteMixedClusterSizesBackfillsRealData(t *testing.T) {
	dir := t.TempDir()
	// Parent has 512-byte clusters (finer grained); child has 1024-byte
	// clusters. One output (child-sized) cluster must end up containing two
	// parent clusters' worth of real data, not zero padding, even though
	// the child allocates nothing there itself.
	writeStreamFixture(t, dir, "parent.qcow2", fixtureSpec{
		clusterBits: 9,
		nClusters:   2,
		allocated: map[int64][]byte{
			0: fill('P', 512),
			1: fill('Q', 512),
		},
	})
	leafPath := writeStreamFixture(t, dir, "leaf.qcow2", fixtureSpec{
		clusterBits: 10,
		nClusters:   1,
		backing:     "parent.qcow2",
	})

	head, err := qcow2.Open(leafPath)
	require.NoError(t, err)
	defer head.Close()

	chain, err := qcow2.NewChain(head, "")
	require.NoError(t, err)

	out := flattenAndReopen(t, dir, chain, "")
	got := readFlattened(t, out)

	expected := append(fill('P', 512), fill('Q', 512)...)
	assert.Equal(t, expected, got)
}

func TestWriteZeroClusterStaysZeroNotUnallocated(t *testing.T) {
	dir := t.TempDir()
	leafPath := writeStreamFixture(t, dir, "leaf.qcow2", fixtureSpec{
		clusterBits: 9,
		nClusters:   2,
		allocated:   map[int64][]byte{0: fill('A', 512)},
		zero:        map[int64]bool{1: true},
	})

	head, err := qcow2.Open(leafPath)
	require.NoError(t, err)
	defer head.Close()

	chain, err := qcow2.NewChain(head, "")
	require.NoError(t, err)

	out := flattenAndReopen(t, dir, chain, "")
	got := readFlattened(t, out)
	assert.Equal(t, append(fill('A', 512), make([]byte, 512)...), got)

	// Cluster 1 must be emitted as an explicit Zero entry, not left Unallocated.
	outChain, err := qcow2.NewChain(out, "")
	require.NoError(t, err)
	var types []qcow2.ClusterType
	require.NoError(t, outChain.ForEachCluster(func(sector, nAvailableBytes int64, typeMask qcow2.ClusterType, origin *qcow2.Image, hostOffset int64) error {
		types = append(types, typeMask)
		return nil
	}))
	assert.Equal(t, []qcow2.ClusterType{qcow2.ClusterAllocated, qcow2.ClusterZero}, types)
}
