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

// l2CacheCapacities maps clusterBits (9..21) to a small prime capacity, so
// the hash-bucket chains stay short without the cache ever growing past a
// few dozen megabytes of tables (spec.md §3).
var l2CacheCapacities = map[uint32]int{
	9:  4099,
	10: 2053,
	11: 1031,
	12: 521,
	13: 257,
	14: 131,
	15: 67,
	16: 37,
	17: 17,
	18: 11,
	19: 5,
	20: 3,
	21: 1,
}

const l2CacheNil = -1

// l2CacheEntry is one arena slot: a full on-disk L2 table loaded in host
// byte order, plus bucket-chain and global-LRU links by slot index.
type l2CacheEntry struct {
	offset int64
	table  []uint64

	bucketNext int
	bucketPrev int
	lruNext    int
	lruPrev    int
}

// l2Cache is a fixed-capacity, hash-bucketed LRU of L2 tables keyed by their
// on-disk offset. A miss with room to spare allocates a fresh slot; a miss
// once full evicts the LRU tail and reuses its backing buffer in place, so
// steady-state operation never allocates ([]uint64) after warm-up.
type l2Cache struct {
	capacity int
	buckets  []int // head slot index per bucket, l2CacheNil if empty
	entries  []l2CacheEntry
	free     []int // slot indices never yet used
	lruHead  int
	lruTail  int
	size     int
	l2Size   int64

	// load fills dst (length l2Size, host byte order) from the table at
	// offset. dst is reused across evictions so a warm cache never
	// reallocates.
	load func(offset int64, dst []uint64) error
}

// newL2Cache builds a cache sized for the given clusterBits. load fetches
// and byte-swaps a single L2 table from disk on a miss, filling the
// provided destination slice in place.
func newL2Cache(clusterBits uint32, l2Size int64, load func(offset int64, dst []uint64) error) *l2Cache {
	capacity, ok := l2CacheCapacities[clusterBits]
	if !ok {
		capacity = 1
	}

	c := &l2Cache{
		capacity: capacity,
		buckets:  make([]int, capacity),
		entries:  make([]l2CacheEntry, capacity),
		free:     make([]int, capacity),
		lruHead:  l2CacheNil,
		lruTail:  l2CacheNil,
		l2Size:   l2Size,
		load:     load,
	}
	for i := range c.buckets {
		c.buckets[i] = l2CacheNil
	}
	for i := 0; i < capacity; i++ {
		c.free[i] = capacity - 1 - i
	}
	return c
}

func (c *l2Cache) bucketFor(offset int64) int {
	h := (offset >> 32) ^ (offset & 0xFFFFFFFF)
	b := h % int64(c.capacity)
	if b < 0 {
		b += int64(c.capacity)
	}
	return int(b)
}

// get returns the L2 table at offset, loading and caching it on a miss.
func (c *l2Cache) get(offset int64) ([]uint64, error) {
	bucket := c.bucketFor(offset)

	for i := c.buckets[bucket]; i != l2CacheNil; i = c.entries[i].bucketNext {
		if c.entries[i].offset == offset {
			c.touch(i)
			return c.entries[i].table, nil
		}
	}

	var slot int
	var table []uint64
	if n := len(c.free); n > 0 {
		slot = c.free[n-1]
		c.free = c.free[:n-1]
		c.size++
		table = make([]uint64, c.l2Size)
	} else {
		slot = c.lruTail
		table = c.entries[slot].table // reuse the evicted entry's buffer
		c.evictFromBucket(slot)
	}

	if err := c.load(offset, table); err != nil {
		return nil, err
	}

	c.entries[slot] = l2CacheEntry{
		offset:     offset,
		table:      table,
		bucketNext: c.buckets[bucket],
		bucketPrev: l2CacheNil,
	}
	if c.buckets[bucket] != l2CacheNil {
		c.entries[c.buckets[bucket]].bucketPrev = slot
	}
	c.buckets[bucket] = slot

	c.pushFront(slot)

	return table, nil
}

// evictFromBucket unlinks slot from its hash bucket chain ahead of reuse.
func (c *l2Cache) evictFromBucket(slot int) {
	e := &c.entries[slot]
	bucket := c.bucketFor(e.offset)

	if e.bucketPrev != l2CacheNil {
		c.entries[e.bucketPrev].bucketNext = e.bucketNext
	} else {
		c.buckets[bucket] = e.bucketNext
	}
	if e.bucketNext != l2CacheNil {
		c.entries[e.bucketNext].bucketPrev = e.bucketPrev
	}

	c.unlinkLRU(slot)
}

func (c *l2Cache) unlinkLRU(slot int) {
	e := &c.entries[slot]
	if e.lruPrev != l2CacheNil {
		c.entries[e.lruPrev].lruNext = e.lruNext
	} else {
		c.lruHead = e.lruNext
	}
	if e.lruNext != l2CacheNil {
		c.entries[e.lruNext].lruPrev = e.lruPrev
	} else {
		c.lruTail = e.lruPrev
	}
}

func (c *l2Cache) pushFront(slot int) {
	e := &c.entries[slot]
	e.lruPrev = l2CacheNil
	e.lruNext = c.lruHead
	if c.lruHead != l2CacheNil {
		c.entries[c.lruHead].lruPrev = slot
	}
	c.lruHead = slot
	if c.lruTail == l2CacheNil {
		c.lruTail = slot
	}
}

// touch moves slot to the MRU head.
func (c *l2Cache) touch(slot int) {
	if c.lruHead == slot {
		return
	}
	c.unlinkLRU(slot)
	c.pushFront(slot)
}
