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

// Package qcow2 reads QCOW2 images and their backing-file chains: header
// parsing, L1/L2 lookup, and a chain-wide cluster scan. It never writes to
// an image; producing a new one is the job of the sibling stream package.
package qcow2

import (
	"os"
	"path/filepath"
)

// Image is one ancestor in a backing-file chain, opened read-only.
type Image struct {
	f    *os.File
	path string

	Header *Header

	clusterSize int64
	l2Bits      uint32
	l2Size      int64

	l1Table []uint64
	l2Cache *l2Cache

	backingFileName string

	// Parent is the next ancestor toward the root of the chain, or nil if
	// this image has no backing file.
	Parent *Image
}

// Open opens filename and recursively opens its backing-file chain. On any
// failure, every image opened so far (including filename itself) is closed
// before the error is returned.
func Open(filename string) (*Image, error) {
	img, err := openOne(filename)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func openOne(filename string) (img *Image, err error) {
	absPath, pathErr := filepath.Abs(filename)
	if pathErr != nil {
		return nil, wrapErr(KindIoError, "resolving path "+filename, pathErr)
	}

	f, openErr := os.OpenFile(absPath, os.O_RDONLY, 0)
	if openErr != nil {
		return nil, wrapErr(KindIoError, "opening "+absPath, openErr)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	hdr, hdrErr := readHeader(f)
	if hdrErr != nil {
		return nil, hdrErr
	}

	backingName, backingErr := readBackingFileName(f, hdr)
	if backingErr != nil {
		return nil, backingErr
	}

	clusterSize := hdr.ClusterSize()
	l2Bits := hdr.ClusterBits - 3
	l2Size := int64(1) << l2Bits

	l1Table, l1Err := readTable(f, int64(hdr.L1TableOffset), int(hdr.L1Size))
	if l1Err != nil {
		return nil, l1Err
	}
	for _, entry := range l1Table {
		if off := l1EntryOffset(entry); off != 0 && off%clusterSize != 0 {
			return nil, newErr(KindMisalignment, "L1 entry offset is not cluster-aligned")
		}
	}

	img = &Image{
		f:               f,
		path:            absPath,
		Header:          hdr,
		clusterSize:     clusterSize,
		l2Bits:          l2Bits,
		l2Size:          l2Size,
		l1Table:         l1Table,
		backingFileName: backingName,
	}
	img.l2Cache = newL2Cache(hdr.ClusterBits, l2Size, img.loadL2Table)

	defer func() {
		if err != nil {
			_ = img.Close()
		}
	}()

	if backingName != "" {
		parentPath := filepath.Join(filepath.Dir(absPath), backingName)
		parent, parentErr := openOne(parentPath)
		if parentErr != nil {
			return nil, wrapErr(KindBadChain, "opening backing file "+backingName, parentErr)
		}
		img.Parent = parent
	}

	return img, nil
}

// ReadAt performs a positioned read against this image's own file, bypassing
// any chain/backing-file resolution. Callers resolve the (Image, offset)
// pair themselves via Chain.FindClustersOffset first.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	return img.f.ReadAt(p, off)
}

// loadL2Table is the l2Cache loader: read one L2 table from disk at offset.
func (img *Image) loadL2Table(offset int64, dst []uint64) error {
	return readTableInto(img.f, offset, dst)
}

// BackingFileName returns the raw backing-file name recorded in the header,
// or "" if this image has no backing file.
func (img *Image) BackingFileName() string {
	return img.backingFileName
}

// Path returns the absolute path this image was opened from.
func (img *Image) Path() string {
	return img.path
}

// Close releases this image's file handle and recursively closes its
// parents. It always attempts to close every level even if an earlier
// level fails; the returned error is the first one encountered.
func (img *Image) Close() error {
	if img == nil {
		return nil
	}

	var first error
	if img.f != nil {
		if err := img.f.Close(); err != nil && first == nil {
			first = wrapErr(KindIoError, "closing "+img.path, err)
		}
		img.f = nil
	}
	img.l1Table = nil
	img.l2Cache = nil

	if img.Parent != nil {
		if err := img.Parent.Close(); err != nil && first == nil {
			first = err
		}
		img.Parent = nil
	}

	return first
}
