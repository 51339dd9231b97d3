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
	"fmt"
	"io"
)

// DumpInfo writes one human-readable field per line describing the head
// image currently open on s, in the fixed order spec.md §6 requires.
func (s *Stream) DumpInfo(w io.Writer) error {
	if s.chain == nil {
		err := newErr(KindStateError, "stream is not open")
		s.setErr(err)
		return err
	}

	head := s.chain.Head
	hdr := head.Header

	bitsPerRefcountEntry := int64(1) << hdr.RefcountOrder
	refcountBlockEntries := hdr.ClusterSize() * 8 / bitsPerRefcountEntry
	refcountTableEntries := int64(hdr.RefcountTableClusters) * hdr.ClusterSize() / 8

	lines := []any{
		hdr.Version,
		hdr.HeaderLength,
		hdr.Size,
		head.BackingFileName(),
		hdr.CryptMethod,
		hdr.ClusterSize(),
		hdr.ClusterSize() / 512,
		refcountTableEntries,
		refcountBlockEntries,
		hdr.L1Size,
		hdr.L2Size(),
		hdr.NbSnapshots,
		fmt.Sprintf("0x%x", hdr.IncompatibleFeatures),
		fmt.Sprintf("0x%x", hdr.CompatibleFeatures),
		fmt.Sprintf("0x%x", hdr.AutoclearFeatures),
	}

	for _, v := range lines {
		if _, err := fmt.Fprintf(w, "%v\n", v); err != nil {
			return wrapErr(KindIoError, "writing image info", err)
		}
	}
	return nil
}
