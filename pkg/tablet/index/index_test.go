// Copyright 2023 Vostok DB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vostokdb/vostok/pkg/tablet/types"
)

func TestProbeMiss(t *testing.T) {
	idx := NewBTreeIndex()
	results, err := idx.Probe([][]byte{[]byte("nope")})
	require.NoError(t, err)
	assert.False(t, results[0].Found)
}

func TestUpsertAndProbe(t *testing.T) {
	idx := NewBTreeIndex()
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		prev, err := idx.Upsert(key, types.RowLocation{Seg: 1, Row: uint32(i)})
		require.NoError(t, err)
		assert.False(t, prev.Found)
	}
	assert.Equal(t, 100, idx.Len())

	keys := [][]byte{[]byte("key-000"), []byte("key-042"), []byte("absent")}
	results, err := idx.Probe(keys)
	require.NoError(t, err)
	assert.Equal(t, types.ProbeResult{Loc: types.RowLocation{Seg: 1, Row: 0}, Found: true}, results[0])
	assert.Equal(t, types.ProbeResult{Loc: types.RowLocation{Seg: 1, Row: 42}, Found: true}, results[1])
	assert.False(t, results[2].Found)
}

func TestUpsertDisplaces(t *testing.T) {
	idx := NewBTreeIndex()
	old := types.RowLocation{Seg: 1, Row: 5}
	_, err := idx.Upsert([]byte("k"), old)
	require.NoError(t, err)

	prev, err := idx.Upsert([]byte("k"), types.RowLocation{Seg: 2, Row: 0})
	require.NoError(t, err)
	require.True(t, prev.Found)
	assert.Equal(t, old, prev.Loc)
	assert.Equal(t, 1, idx.Len())

	results, err := idx.Probe([][]byte{[]byte("k")})
	require.NoError(t, err)
	assert.Equal(t, types.RowLocation{Seg: 2, Row: 0}, results[0].Loc)
}

func TestUpsertCopiesKey(t *testing.T) {
	idx := NewBTreeIndex()
	key := []byte("mutable")
	_, err := idx.Upsert(key, types.RowLocation{})
	require.NoError(t, err)
	key[0] = 'X'

	results, err := idx.Probe([][]byte{[]byte("mutable")})
	require.NoError(t, err)
	assert.True(t, results[0].Found)
}
