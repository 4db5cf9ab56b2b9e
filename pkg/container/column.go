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

package container

// Column is a variable-length binary column: cell i lives in
// data[offsets[i]:offsets[i+1]]. Cells are opaque to this layer; typed
// interpretation happens above the storage boundary.
type Column struct {
	offsets []uint32
	data    []byte
}

func NewColumn() *Column {
	return &Column{offsets: []uint32{0}}
}

func (c *Column) Append(v []byte) {
	c.data = append(c.data, v...)
	c.offsets = append(c.offsets, uint32(len(c.data)))
}

// AppendFrom appends cell row of other.
func (c *Column) AppendFrom(other *Column, row int) {
	c.Append(other.Get(row))
}

func (c *Column) Get(i int) []byte {
	return c.data[c.offsets[i]:c.offsets[i+1]]
}

func (c *Column) Length() int {
	return len(c.offsets) - 1
}

// Size is the accountable in-memory footprint in bytes.
func (c *Column) Size() int {
	return len(c.data) + 4*len(c.offsets)
}

func (c *Column) Offsets() []uint32 {
	return c.offsets
}

func (c *Column) Data() []byte {
	return c.data
}

// FromRaw rebuilds a column from its serialized parts. The parts are
// retained, not copied.
func FromRaw(offsets []uint32, data []byte) *Column {
	return &Column{offsets: offsets, data: data}
}

// Chunk is a set of equal-length columns, one per selected schema column.
type Chunk struct {
	Cols []*Column
}

func NewChunk(ncols int) *Chunk {
	cols := make([]*Column, ncols)
	for i := range cols {
		cols[i] = NewColumn()
	}
	return &Chunk{Cols: cols}
}

func (ck *Chunk) NumCols() int {
	return len(ck.Cols)
}

func (ck *Chunk) NumRows() int {
	if len(ck.Cols) == 0 {
		return 0
	}
	return ck.Cols[0].Length()
}

func (ck *Chunk) Size() int {
	size := 0
	for _, col := range ck.Cols {
		size += col.Size()
	}
	return size
}
