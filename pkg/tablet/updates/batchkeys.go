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

package updates

import (
	"fmt"

	"github.com/vostokdb/vostok/pkg/container"
)

// BatchKeys holds the primary keys of a contiguous run of update
// segments, loaded together under one memory reservation. Segment idx in
// [StartIdx, EndIdx) occupies Keys rows
// [Offsets[idx-StartIdx], Offsets[idx-StartIdx+1]).
//
// Invariant: len(Offsets) == EndIdx-StartIdx+1, Offsets is non-decreasing
// and Offsets[len-1] == Keys.Length().
type BatchKeys struct {
	Keys     *container.Column
	StartIdx uint32
	EndIdx   uint32
	Offsets  []uint32
}

func (b *BatchKeys) NumSegments() int {
	return int(b.EndIdx - b.StartIdx)
}

func (b *BatchKeys) IsLast(idx uint32) bool {
	return idx == b.EndIdx-1
}

// SegmentRange returns the key row range of segment idx.
func (b *BatchKeys) SegmentRange(idx uint32) (lo, hi int) {
	rel := idx - b.StartIdx
	return int(b.Offsets[rel]), int(b.Offsets[rel+1])
}

func (b *BatchKeys) SegmentRows(idx uint32) int {
	lo, hi := b.SegmentRange(idx)
	return hi - lo
}

// SegmentKeys materializes the key cells of segment idx.
func (b *BatchKeys) SegmentKeys(idx uint32) [][]byte {
	lo, hi := b.SegmentRange(idx)
	keys := make([][]byte, 0, hi-lo)
	for i := lo; i < hi; i++ {
		keys = append(keys, b.Keys.Get(i))
	}
	return keys
}

// AllKeys materializes every key cell of the batch, in segment order.
func (b *BatchKeys) AllKeys() [][]byte {
	keys := make([][]byte, 0, b.Keys.Length())
	for i := 0; i < b.Keys.Length(); i++ {
		keys = append(keys, b.Keys.Get(i))
	}
	return keys
}

// Size is the accountable memory footprint of the batch.
func (b *BatchKeys) Size() int64 {
	return int64(b.Keys.Size()) + 4*int64(len(b.Offsets))
}

func (b *BatchKeys) String() string {
	return fmt.Sprintf("BatchKeys<[%d,%d),keys=%d>", b.StartIdx, b.EndIdx, b.Keys.Length())
}
