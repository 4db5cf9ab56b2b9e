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
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/vostokdb/vostok/pkg/tablet/types"
)

// Index maps serialized primary keys to the segment+row currently holding
// the key's live value. Probe is batched; Upsert returns the displaced
// prior location, if any.
type Index interface {
	Probe(keys [][]byte) ([]types.ProbeResult, error)
	Upsert(key []byte, loc types.RowLocation) (prev types.ProbeResult, err error)
}

type entry struct {
	key []byte
	loc types.RowLocation
}

func (e *entry) Less(than btree.Item) bool {
	return bytes.Compare(e.key, than.(*entry).key) < 0
}

// BTreeIndex is the in-memory primary index implementation.
type BTreeIndex struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

func NewBTreeIndex() *BTreeIndex {
	return &BTreeIndex{tree: btree.New(32)}
}

func (idx *BTreeIndex) Probe(keys [][]byte) ([]types.ProbeResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	results := make([]types.ProbeResult, len(keys))
	for i, key := range keys {
		if item := idx.tree.Get(&entry{key: key}); item != nil {
			results[i] = types.ProbeResult{Loc: item.(*entry).loc, Found: true}
		}
	}
	return results, nil
}

func (idx *BTreeIndex) Upsert(key []byte, loc types.RowLocation) (prev types.ProbeResult, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	k := make([]byte, len(key))
	copy(k, key)
	if old := idx.tree.ReplaceOrInsert(&entry{key: k, loc: loc}); old != nil {
		prev = types.ProbeResult{Loc: old.(*entry).loc, Found: true}
	}
	return
}

// Len reports the number of live keys, for tests and debug output.
func (idx *BTreeIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tree.Len()
}
