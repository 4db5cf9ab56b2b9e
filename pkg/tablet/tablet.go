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
	"sync"

	"github.com/vostokdb/vostok/pkg/tablet/delvec"
	"github.com/vostokdb/vostok/pkg/tablet/index"
	"github.com/vostokdb/vostok/pkg/tablet/types"
)

// SegmentMeta is one entry of the tablet's segment inventory.
type SegmentMeta struct {
	Ref      types.SegmentRef
	Identity types.SegmentIdentity
	RowCount uint32
	Path     string
}

// DeltaColumnGroup associates an existing segment with column-only files
// and the version at which they became visible. Together with the
// segment's unchanged columns they reconstruct the post-update rows.
type DeltaColumnGroup struct {
	Version   types.Version
	ColumnIDs []types.ColumnID
	Files     []string
}

// Tablet is one partition of a primary-key table: segment inventory,
// primary index, delta-column-group registry, delete vectors, rowset
// metadata and the applied-version watermark.
type Tablet struct {
	mu sync.RWMutex

	id     uint64
	dir    string
	schema *types.Schema
	idx    index.Index

	segments   []SegmentMeta
	nextRef    types.SegmentRef
	nextSeqRID uint32

	applied types.Version

	dcgs        map[types.SegmentRef][]*DeltaColumnGroup
	delvecs     map[types.SegmentRef]*delvec.DelVector
	rowsetStats map[types.RowsetID]types.RowsetSegmentStat
}

func NewTablet(id uint64, dir string, schema *types.Schema) *Tablet {
	return &Tablet{
		id:          id,
		dir:         dir,
		schema:      schema,
		idx:         index.NewBTreeIndex(),
		dcgs:        make(map[types.SegmentRef][]*DeltaColumnGroup),
		delvecs:     make(map[types.SegmentRef]*delvec.DelVector),
		rowsetStats: make(map[types.RowsetID]types.RowsetSegmentStat),
	}
}

func (t *Tablet) ID() uint64 {
	return t.id
}

func (t *Tablet) Dir() string {
	return t.dir
}

func (t *Tablet) Schema() *types.Schema {
	return t.schema
}

func (t *Tablet) Index() index.Index {
	return t.idx
}

// Inventory snapshots the segment inventory as of now.
func (t *Tablet) Inventory() []SegmentMeta {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SegmentMeta, len(t.segments))
	copy(out, t.segments)
	return out
}

func (t *Tablet) LatestAppliedVersion() types.Version {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.applied
}

func (t *Tablet) SetAppliedVersion(v types.Version) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v > t.applied {
		t.applied = v
	}
}

// NextSeqRowsetID hands out the tablet-local sequential rowset id.
func (t *Tablet) NextSeqRowsetID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSeqRID++
	return t.nextSeqRID
}

// AddSegment registers a new full segment and returns its reference.
func (t *Tablet) AddSegment(identity types.SegmentIdentity, rowCount uint32, path string) types.SegmentRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref := t.nextRef
	t.nextRef++
	t.segments = append(t.segments, SegmentMeta{
		Ref:      ref,
		Identity: identity,
		RowCount: rowCount,
		Path:     path,
	})
	return ref
}

func (t *Tablet) RegisterDeltaColumnGroup(ref types.SegmentRef, dcg *DeltaColumnGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dcgs[ref] = append(t.dcgs[ref], dcg)
}

func (t *Tablet) DeltaColumnGroups(ref types.SegmentRef) []*DeltaColumnGroup {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dcgs[ref]
}

// CommitDeletes folds finalize-produced deletion markers into the
// per-segment delete vectors.
func (t *Tablet) CommitDeletes(deletes []delvec.SegmentDelete) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range deletes {
		if cur, ok := t.delvecs[d.Ref]; ok {
			cur.Merge(d.Del)
		} else {
			t.delvecs[d.Ref] = d.Del
		}
	}
}

func (t *Tablet) DelVector(ref types.SegmentRef) *delvec.DelVector {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.delvecs[ref]
}

// CommitStats records the rowset's segment stats, once per successful
// finalize.
func (t *Tablet) CommitStats(id types.RowsetID, stat types.RowsetSegmentStat) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.rowsetStats[id]
	cur.Merge(stat)
	t.rowsetStats[id] = cur
}

func (t *Tablet) RowsetStats(id types.RowsetID) types.RowsetSegmentStat {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rowsetStats[id]
}
