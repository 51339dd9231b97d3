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

import (
	"encoding/binary"
	"fmt"
	"io"
)

// rawV2Header is the on-disk layout common to version 2 and 3 (72 bytes).
type rawV2Header struct {
	Magic                 uint32
	Version               uint32
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64
	CryptMethod           uint32
	L1Size                uint32
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64
}

// rawV3Extra is the additional fixed layout present from HeaderLength byte
// 72 through 104 on a version-3 image.
type rawV3Extra struct {
	IncompatibleFeatures uint64
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	RefcountOrder        uint32
	HeaderLength         uint32
}

// readHeader decodes the fixed header prefix of f and validates the
// invariants spec.md §3 requires before any L1/backing-file work is done.
func readHeader(f io.ReaderAt) (*Header, error) {
	var v2 rawV2Header
	if err := binary.Read(io.NewSectionReader(f, 0, int64(v2HeaderLength)), binary.BigEndian, &v2); err != nil {
		return nil, wrapErr(KindTruncated, "reading header", err)
	}

	if v2.Magic != Magic {
		return nil, newErr(KindParseError, "bad magic bytes")
	}
	if v2.Version != Version2 && v2.Version != Version3 {
		return nil, newErr(KindParseError, fmt.Sprintf("unsupported version %d", v2.Version))
	}
	if v2.ClusterBits < 9 || v2.ClusterBits > 21 {
		return nil, newErr(KindParseError, fmt.Sprintf("cluster_bits %d out of range [9,21]", v2.ClusterBits))
	}
	if v2.RefcountTableClusters < 1 {
		return nil, newErr(KindParseError, "refcount_table_clusters must be >= 1")
	}

	hdr := &Header{
		Magic:                 v2.Magic,
		Version:               v2.Version,
		BackingFileOffset:     v2.BackingFileOffset,
		BackingFileSize:       v2.BackingFileSize,
		ClusterBits:           v2.ClusterBits,
		Size:                  v2.Size,
		CryptMethod:           v2.CryptMethod,
		L1Size:                v2.L1Size,
		L1TableOffset:         v2.L1TableOffset,
		RefcountTableOffset:   v2.RefcountTableOffset,
		RefcountTableClusters: v2.RefcountTableClusters,
		NbSnapshots:           v2.NbSnapshots,
		SnapshotsOffset:       v2.SnapshotsOffset,
		RefcountOrder:         v3DefaultRefcountOrder,
		HeaderLength:          v2HeaderLength,
	}

	if v2.Version == Version3 {
		var extra rawV3Extra
		if err := binary.Read(io.NewSectionReader(f, int64(v2HeaderLength), int64(v3HeaderLength-v2HeaderLength)), binary.BigEndian, &extra); err != nil {
			return nil, wrapErr(KindTruncated, "reading version-3 header fields", err)
		}

		if extra.RefcountOrder > 6 {
			return nil, newErr(KindParseError, fmt.Sprintf("refcount_order %d out of range [0,6]", extra.RefcountOrder))
		}
		if extra.HeaderLength < v3HeaderLength {
			return nil, newErr(KindParseError, fmt.Sprintf("header_length %d too small for version 3", extra.HeaderLength))
		}

		if extra.IncompatibleFeatures&IncompatibleDirty != 0 {
			return nil, newErr(KindUnsupportedFeature, "image is dirty")
		}
		if extra.IncompatibleFeatures&IncompatibleCorrupt != 0 {
			return nil, newErr(KindUnsupportedFeature, "image is corrupt")
		}
		if extra.IncompatibleFeatures&^knownIncompatibleFeatures != 0 {
			return nil, newErr(KindUnsupportedFeature,
				fmt.Sprintf("unknown incompatible feature bits 0x%x", extra.IncompatibleFeatures&^knownIncompatibleFeatures))
		}

		hdr.IncompatibleFeatures = extra.IncompatibleFeatures
		hdr.CompatibleFeatures = extra.CompatibleFeatures
		hdr.AutoclearFeatures = extra.AutoclearFeatures
		hdr.RefcountOrder = extra.RefcountOrder
		hdr.HeaderLength = extra.HeaderLength
	}

	if hdr.CryptMethod != NoEncryption {
		return nil, newErr(KindUnsupportedFeature, "encryption is not supported")
	}
	if int64(hdr.HeaderLength) > hdr.ClusterSize() {
		return nil, newErr(KindParseError, "header_length exceeds cluster size")
	}
	if hdr.BackingFileOffset != 0 {
		if hdr.BackingFileOffset+uint64(hdr.BackingFileSize) > uint64(hdr.ClusterSize()) {
			return nil, newErr(KindParseError, "backing file name overruns first cluster")
		}
		if hdr.BackingFileSize >= 1024 {
			return nil, newErr(KindParseError, "backing file name too long")
		}
	}

	minL1Size := requiredL1Size(int64(hdr.Size), hdr.ClusterSize(), hdr.L2Size())
	if int64(hdr.L1Size) < minL1Size {
		return nil, newErr(KindParseError, "l1_size too small for virtual size")
	}
	if hdr.L1Size >= 1<<22 {
		return nil, newErr(KindParseError, "l1_size too large")
	}

	return hdr, nil
}

// RequiredL1Size is ⌈virtualSize / (clusterSize·l2Size)⌉, exported so the
// stream package can size an output header's L1 table the same way this
// package validates one on load.
func RequiredL1Size(virtualSize, clusterSize, l2Size int64) int64 {
	return requiredL1Size(virtualSize, clusterSize, l2Size)
}

// requiredL1Size is ⌈virtualSize / (clusterSize·l2Size)⌉.
func requiredL1Size(virtualSize, clusterSize, l2Size int64) int64 {
	perL1Entry := clusterSize * l2Size
	if perL1Entry == 0 {
		return 0
	}
	return (virtualSize + perL1Entry - 1) / perL1Entry
}

// readBackingFileName reads the backing-file path referenced by hdr, if any.
func readBackingFileName(f io.ReaderAt, hdr *Header) (string, error) {
	if hdr.BackingFileOffset == 0 || hdr.BackingFileSize == 0 {
		return "", nil
	}

	buf := make([]byte, hdr.BackingFileSize)
	if _, err := f.ReadAt(buf, int64(hdr.BackingFileOffset)); err != nil {
		return "", wrapErr(KindTruncated, "reading backing file name", err)
	}
	return string(buf), nil
}

// EncodeHeader serializes hdr in the on-disk big-endian layout. The output
// is always the version-3 shape (104 bytes); callers that loaded a
// version-2 image and want to re-emit one set hdr.HeaderLength accordingly
// (spec.md §6: a version-2 input still gets a version-3-sized header with
// version field preserved as 2).
func EncodeHeader(w io.Writer, hdr *Header) error {
	v2 := rawV2Header{
		Magic:                 hdr.Magic,
		Version:               hdr.Version,
		BackingFileOffset:     hdr.BackingFileOffset,
		BackingFileSize:       hdr.BackingFileSize,
		ClusterBits:           hdr.ClusterBits,
		Size:                  hdr.Size,
		CryptMethod:           hdr.CryptMethod,
		L1Size:                hdr.L1Size,
		L1TableOffset:         hdr.L1TableOffset,
		RefcountTableOffset:   hdr.RefcountTableOffset,
		RefcountTableClusters: hdr.RefcountTableClusters,
		NbSnapshots:           hdr.NbSnapshots,
		SnapshotsOffset:       hdr.SnapshotsOffset,
	}
	if err := binary.Write(w, binary.BigEndian, &v2); err != nil {
		return wrapErr(KindIoError, "encoding header", err)
	}

	extra := rawV3Extra{
		IncompatibleFeatures: hdr.IncompatibleFeatures,
		CompatibleFeatures:   hdr.CompatibleFeatures,
		AutoclearFeatures:    hdr.AutoclearFeatures,
		RefcountOrder:        hdr.RefcountOrder,
		HeaderLength:         hdr.HeaderLength,
	}
	if err := binary.Write(w, binary.BigEndian, &extra); err != nil {
		return wrapErr(KindIoError, "encoding version-3 header fields", err)
	}

	return nil
}
