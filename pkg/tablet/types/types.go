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

package types

import "fmt"

// Version is a monotonically increasing token identifying a point in the
// tablet's applied-update history.
type Version int64

func (v Version) String() string {
	return fmt.Sprintf("v%d", int64(v))
}

// SegmentRef is the compact internal reference the primary index stores
// for an existing segment. It is cheap to keep per row, but file naming
// needs a SegmentIdentity, see below.
type SegmentRef uint32

// RowsetID is the globally unique rowset identifier.
type RowsetID string

// SegmentIdentity names one segment within a tablet. A segment can be
// addressed by either the globally-unique rowset id or by the tablet-local
// sequential one; different subsystems address segments differently, so
// both are retained.
type SegmentIdentity struct {
	UniqueRowsetID RowsetID
	SeqRowsetID    uint32
	SegmentID      uint32
}

func (id SegmentIdentity) String() string {
	return fmt.Sprintf("SEG<%s-%d-%d>", id.UniqueRowsetID, id.SeqRowsetID, id.SegmentID)
}

// RowLocation is the current physical position of a live row.
type RowLocation struct {
	Seg SegmentRef
	Row uint32
}

func (l RowLocation) String() string {
	return fmt.Sprintf("<%d:%d>", l.Seg, l.Row)
}

// ProbeResult is the outcome of one primary-index point lookup. The
// explicit Found flag replaces any numeric not-found sentinel.
type ProbeResult struct {
	Loc   RowLocation
	Found bool
}

// ColumnID identifies a schema column.
type ColumnID uint16

type ColumnSpec struct {
	ID      ColumnID
	Name    string
	Default []byte
}

// Schema describes a tablet's columns. KeyColumn must reference one of
// Columns; it carries the serialized primary key.
type Schema struct {
	Name      string
	KeyColumn ColumnID
	Columns   []ColumnSpec
}

func (s *Schema) ColumnIndex(id ColumnID) (int, bool) {
	for i := range s.Columns {
		if s.Columns[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *Schema) Column(id ColumnID) (*ColumnSpec, bool) {
	if i, ok := s.ColumnIndex(id); ok {
		return &s.Columns[i], true
	}
	return nil, false
}

// RowsetSegmentStat aggregates output counters of one apply. It is
// accumulated during materialization and flushed into rowset metadata
// once at the end of finalize.
type RowsetSegmentStat struct {
	NumRowsWritten int64
	TotalRowSize   int64
	TotalDataSize  int64
	TotalIndexSize int64
	NumSegment     int64
}

func (s *RowsetSegmentStat) Merge(o RowsetSegmentStat) {
	s.NumRowsWritten += o.NumRowsWritten
	s.TotalRowSize += o.TotalRowSize
	s.TotalDataSize += o.TotalDataSize
	s.TotalIndexSize += o.TotalIndexSize
	s.NumSegment += o.NumSegment
}

func (s RowsetSegmentStat) String() string {
	return fmt.Sprintf("Stat<rows=%d,rowsize=%d,data=%d,index=%d,segs=%d>",
		s.NumRowsWritten, s.TotalRowSize, s.TotalDataSize, s.TotalIndexSize, s.NumSegment)
}
