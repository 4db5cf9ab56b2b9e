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

	"github.com/vostokdb/vostok/pkg/tablet/types"
)

// SegmentUpdateState maps each row of one update segment to either the
// existing row it replaces or to insert status.
//
// Every update row appears in exactly one of SrcToUpdate's values or
// InsertRows (assuming keys are unique within the segment); row i is in
// InsertRows iff SrcLocations[i].Found is false.
type SegmentUpdateState struct {
	Inited bool

	// SrcLocations holds the probe result per update row.
	SrcLocations []types.ProbeResult

	// ReadVersion is the applied version the probe above observed; the
	// basis for conflict detection at finalize.
	ReadVersion types.Version

	// SrcToUpdate maps an existing row location to the update row
	// replacing it.
	SrcToUpdate map[types.RowLocation]uint32

	// InsertRows lists update rows with no existing row, in encounter
	// order.
	InsertRows []uint32
}

// buildPartition derives SrcToUpdate and InsertRows from SrcLocations.
// Present keys populate the map; duplicates within the segment are
// resolved last-row-wins, matching upsert semantics. Absent keys append
// to InsertRows in encounter order.
func (s *SegmentUpdateState) buildPartition() {
	s.SrcToUpdate = make(map[types.RowLocation]uint32, len(s.SrcLocations))
	s.InsertRows = s.InsertRows[:0]
	for row, res := range s.SrcLocations {
		if res.Found {
			s.SrcToUpdate[res.Loc] = uint32(row)
		} else {
			s.InsertRows = append(s.InsertRows, uint32(row))
		}
	}
}

func (s *SegmentUpdateState) NumRows() int {
	return len(s.SrcLocations)
}

func (s *SegmentUpdateState) String() string {
	return fmt.Sprintf("SegState<rows=%d,upd=%d,ins=%d,%s>",
		len(s.SrcLocations), len(s.SrcToUpdate), len(s.InsertRows), s.ReadVersion)
}
