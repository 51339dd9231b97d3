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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookupKnownDriver(t *testing.T) {
	r := NewRegistry()
	d, err := r.Lookup("qcow2")
	require.NoError(t, err)
	assert.Equal(t, "qcow2", d.Name)
	assert.NotNil(t, d.Open)
}

func TestRegistryLookupUnknownFormat(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("vhd")
	require.Error(t, err)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindUnsupportedFormat, serr.Kind)
}
