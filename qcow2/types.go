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

const (
	// Magic is the QCOW magic bytes: 'Q', 'F', 'I', 0xfb.
	Magic uint32 = 0x514649FB

	// Version2 is the original QCOW2 format.
	Version2 uint32 = 2
	// Version3 adds the incompatible/compatible/autoclear feature bitmasks.
	Version3 uint32 = 3

	// NoEncryption means the image is not encrypted.
	NoEncryption uint32 = 0

	// v3DefaultRefcountOrder is assumed for a version-2 header (spec.md §3).
	v3DefaultRefcountOrder uint32 = 4
	// v2HeaderLength is the in-memory size this module assigns to a loaded
	// version-2 header before any version-3 fields exist.
	v2HeaderLength uint32 = 72
	// v3HeaderLength is the in-memory size of the full version-3 header,
	// also used when re-emitting a header derived from a version-2 input.
	v3HeaderLength uint32 = 104
)

// Incompatible feature bits (version 3 only).
const (
	IncompatibleDirty        uint64 = 1 << 0
	IncompatibleCorrupt      uint64 = 1 << 1
	IncompatibleExternalData uint64 = 1 << 2
	IncompatibleExtendedL2   uint64 = 1 << 3

	// knownIncompatibleFeatures is the mask of incompatible bits this reader
	// tolerates being set (besides DIRTY/CORRUPT, which are always rejected).
	knownIncompatibleFeatures = IncompatibleExternalData
)

// Header is the fixed-size portion of a QCOW2 image header, decoded from
// big-endian on-disk fields into host byte order. Version-2 images are
// loaded with the version-3-only fields defaulted per spec.md §3.
type Header struct {
	Magic                 uint32
	Version               uint32
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64 // virtual size, in bytes
	CryptMethod           uint32
	L1Size                uint32
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64

	// Version 3 only (defaulted when loading a version-2 header).
	IncompatibleFeatures uint64
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	RefcountOrder uint32
	HeaderLength  uint32
}

// ClusterSize returns 2^ClusterBits.
func (h *Header) ClusterSize() int64 {
	return int64(1) << h.ClusterBits
}

// L2Bits returns the number of L2 index bits (each L2 entry is 8 bytes).
func (h *Header) L2Bits() uint32 {
	return h.ClusterBits - 3
}

// L2Size returns the number of entries in one L2 table.
func (h *Header) L2Size() int64 {
	return int64(1) << h.L2Bits()
}

// SectorCount returns the virtual size rounded up to a 512-byte sector,
// expressed as a sector count.
func (h *Header) SectorCount() int64 {
	return (int64(h.Size) + 511) / 512
}

// ClusterType is a bitmask describing one guest cluster's allocation state.
type ClusterType uint8

const (
	// ClusterUnallocated (zero value) means neither Allocated nor Zero is set:
	// there is no L1/L2 entry, or the entry carries a zero host offset.
	ClusterUnallocated ClusterType = 0
	// ClusterAllocated means the entry has a host offset.
	ClusterAllocated ClusterType = 1 << 0
	// ClusterZero means the zero flag is set (explicit zero fill).
	ClusterZero ClusterType = 1 << 1
	// ClusterCompressed means the entry is compressed; always rejected.
	ClusterCompressed ClusterType = 1 << 2
)

func (t ClusterType) String() string {
	switch t {
	case ClusterUnallocated:
		return "unallocated"
	case ClusterAllocated:
		return "allocated"
	case ClusterZero:
		return "unallocated+zero"
	case ClusterAllocated | ClusterZero:
		return "allocated+zero"
	case ClusterCompressed:
		return "compressed"
	default:
		return "invalid"
	}
}

// L1 table entry bit layout (on-disk, also used in-memory once byte-swapped).
const (
	l1CopiedFlag  uint64 = 1 << 63
	l1OffsetMask  uint64 = (uint64(1)<<47 - 1) << 9
	l2CopiedFlag  uint64 = 1 << 63
	l2ZeroFlag    uint64 = 1 << 0
	l2CompFlag    uint64 = 1 << 62
	l2OffsetMask  uint64 = (uint64(1)<<47 - 1) << 9
)

// l1EntryOffset extracts the L2 table host offset from a raw L1 entry.
func l1EntryOffset(entry uint64) int64 {
	return int64(entry & l1OffsetMask)
}

// l2EntryType decodes the ClusterType and host offset of a raw L2 entry.
func l2EntryType(entry uint64) (ClusterType, int64) {
	if entry&l2CompFlag != 0 {
		return ClusterCompressed, 0
	}
	offset := int64(entry & l2OffsetMask)
	var t ClusterType
	if entry&l2ZeroFlag != 0 {
		t |= ClusterZero
	}
	if offset != 0 {
		t |= ClusterAllocated
	}
	return t, offset
}
