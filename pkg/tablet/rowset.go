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

package tablet

import (
	"path/filepath"

	"github.com/vostokdb/vostok/pkg/tablet/types"
)

// Rowset is one committed batch of incoming updates for a tablet, prior
// to being merged into existing segments. A column-mode (partial update)
// rowset carries, per segment file, the serialized key column followed by
// the updated value columns in UpdateColumnIDs order.
type Rowset struct {
	ID              types.RowsetID
	Dir             string
	UpdateColumnIDs []types.ColumnID
	SegmentFiles    []string
}

func (rs *Rowset) NumSegments() int {
	return len(rs.SegmentFiles)
}

func (rs *Rowset) SegmentPath(i int) string {
	return filepath.Join(rs.Dir, rs.SegmentFiles[i])
}

// IsColumnMode reports whether this rowset updates only a subset of the
// value columns of schema.
func (rs *Rowset) IsColumnMode(schema *types.Schema) bool {
	if len(rs.UpdateColumnIDs) == 0 {
		return false
	}
	nonKey := 0
	for _, spec := range schema.Columns {
		if spec.ID != schema.KeyColumn {
			nonKey++
		}
	}
	return len(rs.UpdateColumnIDs) < nonKey
}
