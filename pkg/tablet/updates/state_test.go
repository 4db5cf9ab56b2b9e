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
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vostokdb/vostok/pkg/common/mtrack"
	"github.com/vostokdb/vostok/pkg/common/verr"
	"github.com/vostokdb/vostok/pkg/container"
	"github.com/vostokdb/vostok/pkg/tablet"
	"github.com/vostokdb/vostok/pkg/tablet/dataio"
	"github.com/vostokdb/vostok/pkg/tablet/types"
)

const (
	colID    types.ColumnID = 1
	colName  types.ColumnID = 2
	colScore types.ColumnID = 3
)

func testSchema() *types.Schema {
	return &types.Schema{
		Name:      "users",
		KeyColumn: colID,
		Columns: []types.ColumnSpec{
			{ID: colID, Name: "id"},
			{ID: colName, Name: "name", Default: []byte("anon")},
			{ID: colScore, Name: "score", Default: []byte("0")},
		},
	}
}

func newTestTablet(t *testing.T) *tablet.Tablet {
	return tablet.NewTablet(7, t.TempDir(), testSchema())
}

// seedSegment registers an existing segment and indexes the given keys at
// the given rows.
func seedSegment(t *testing.T, tbl *tablet.Tablet, rsID types.RowsetID, segID uint32, rows map[string]uint32) types.SegmentRef {
	var nrows uint32
	for _, r := range rows {
		if r >= nrows {
			nrows = r + 1
		}
	}
	ref := tbl.AddSegment(types.SegmentIdentity{
		UniqueRowsetID: rsID,
		SeqRowsetID:    tbl.NextSeqRowsetID(),
		SegmentID:      segID,
	}, nrows, "")
	for key, row := range rows {
		_, err := tbl.Index().Upsert([]byte(key), types.RowLocation{Seg: ref, Row: row})
		require.NoError(t, err)
	}
	return ref
}

// writeUpdateSegment writes one column-mode update segment file: the key
// column followed by the "name" column values.
func writeUpdateSegment(t *testing.T, dir string, rsID types.RowsetID, segID uint32, keys, names []string) string {
	require.Equal(t, len(keys), len(names))
	ck := container.NewChunk(2)
	for i := range keys {
		ck.Cols[0].Append([]byte(keys[i]))
		ck.Cols[1].Append([]byte(names[i]))
	}
	name := dataio.SegmentFileName(rsID, segID)
	_, err := dataio.WriteSegment(filepath.Join(dir, name), ck)
	require.NoError(t, err)
	return name
}

func newUpdateRowset(t *testing.T, rsID types.RowsetID, segs ...[2][]string) *tablet.Rowset {
	dir := t.TempDir()
	rs := &tablet.Rowset{
		ID:              rsID,
		Dir:             dir,
		UpdateColumnIDs: []types.ColumnID{colName},
	}
	for i, seg := range segs {
		rs.SegmentFiles = append(rs.SegmentFiles,
			writeUpdateSegment(t, dir, rsID, uint32(i), seg[0], seg[1]))
	}
	return rs
}

func loadState(t *testing.T, tbl *tablet.Tablet, rs *tablet.Rowset) *RowsetUpdateState {
	state := NewRowsetUpdateState()
	err := state.Load(context.Background(), tbl, rs, mtrack.NewTracker("test", 0), 64<<20)
	require.NoError(t, err)
	return state
}

func TestBuildPartition(t *testing.T) {
	st := &SegmentUpdateState{
		SrcLocations: []types.ProbeResult{
			{Loc: types.RowLocation{Seg: 1, Row: 5}, Found: true},
			{Found: false},
			{Loc: types.RowLocation{Seg: 2, Row: 9}, Found: true},
			{Found: false},
		},
	}
	st.buildPartition()

	// every row lands on exactly one side
	assert.Equal(t, 2, len(st.SrcToUpdate))
	assert.Equal(t, []uint32{1, 3}, st.InsertRows)
	assert.Equal(t, uint32(0), st.SrcToUpdate[types.RowLocation{Seg: 1, Row: 5}])
	assert.Equal(t, uint32(2), st.SrcToUpdate[types.RowLocation{Seg: 2, Row: 9}])
}

func TestBuildPartitionDuplicateKeyLastWins(t *testing.T) {
	loc := types.RowLocation{Seg: 1, Row: 5}
	st := &SegmentUpdateState{
		SrcLocations: []types.ProbeResult{
			{Loc: loc, Found: true},
			{Loc: loc, Found: true},
		},
	}
	st.buildPartition()
	assert.Equal(t, 1, len(st.SrcToUpdate))
	assert.Equal(t, uint32(1), st.SrcToUpdate[loc])
	assert.Empty(t, st.InsertRows)
}

func TestLoadPartitionsUpdatesAndInserts(t *testing.T) {
	tbl := newTestTablet(t)
	ref := seedSegment(t, tbl, "base", 0, map[string]uint32{"A": 5})
	rs := newUpdateRowset(t, "rs1",
		[2][]string{{"A", "B", "C"}, {"alice", "bob", "carol"}})

	state := loadState(t, tbl, rs)

	require.Len(t, state.States(), 1)
	st := state.States()[0]
	assert.True(t, st.Inited)
	assert.Equal(t, map[types.RowLocation]uint32{
		{Seg: ref, Row: 5}: 0,
	}, st.SrcToUpdate)
	assert.Equal(t, []uint32{1, 2}, st.InsertRows)
	assert.Equal(t, tbl.LatestAppliedVersion(), st.ReadVersion)
	assert.Greater(t, state.MemoryUsage(), int64(0))
}

func TestLoadRunsOnce(t *testing.T) {
	tbl := newTestTablet(t)
	seedSegment(t, tbl, "base", 0, map[string]uint32{"A": 0})
	rs := newUpdateRowset(t, "rs1", [2][]string{{"A"}, {"alice"}})

	state := loadState(t, tbl, rs)
	first := state.States()[0]

	err := state.Load(context.Background(), tbl, rs, mtrack.NewTracker("test", 0), 64<<20)
	require.NoError(t, err)
	require.Len(t, state.States(), 1)
	assert.Same(t, first, state.States()[0])
}

func TestLoadConcurrent(t *testing.T) {
	tbl := newTestTablet(t)
	seedSegment(t, tbl, "base", 0, map[string]uint32{"A": 0, "B": 1})
	rs := newUpdateRowset(t, "rs1", [2][]string{{"A", "B"}, {"a2", "b2"}})

	state := NewRowsetUpdateState()
	tracker := mtrack.NewTracker("test", 0)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = state.Load(context.Background(), tbl, rs, tracker, 64<<20)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	// loaded exactly once
	assert.Len(t, state.States(), 1)
	assert.Len(t, state.Upserts(), 1)
}

func TestLoadFailureIsPermanent(t *testing.T) {
	tbl := newTestTablet(t)
	rs := newUpdateRowset(t, "rs1", [2][]string{{"A"}, {"alice"}})
	tracker := mtrack.NewTracker("test", 10)

	state := NewRowsetUpdateState()
	err := state.Load(context.Background(), tbl, rs, tracker, 64<<20)
	require.Error(t, err)
	assert.True(t, verr.IsErrCode(err, verr.ErrOOM))
	assert.Equal(t, int64(0), tracker.Used())
	assert.Equal(t, int64(0), state.MemoryUsage())

	// a bigger tracker does not help: the recorded outcome is replayed
	again := state.Load(context.Background(), tbl, rs, mtrack.NewTracker("big", 0), 64<<20)
	assert.Equal(t, err, again)
}

func TestLoadBatchBudget(t *testing.T) {
	tbl := newTestTablet(t)
	seedSegment(t, tbl, "base", 0, map[string]uint32{"A": 0})
	rs := newUpdateRowset(t, "rs1",
		[2][]string{{"A"}, {"a2"}},
		[2][]string{{"B"}, {"b2"}},
		[2][]string{{"C"}, {"c2"}})

	state := NewRowsetUpdateState()
	err := state.Load(context.Background(), tbl, rs, mtrack.NewTracker("test", 0), 1)
	require.NoError(t, err)
	// a 1-byte budget forces one segment per batch
	assert.Len(t, state.Upserts(), 3)
	assert.Len(t, state.States(), 3)
	for i, batch := range state.Upserts() {
		assert.Equal(t, uint32(i), batch.StartIdx)
		assert.Equal(t, uint32(i+1), batch.EndIdx)
		assert.Equal(t, 1, batch.Keys.Length())
	}
}

func TestLoadRejectsBadRowset(t *testing.T) {
	tbl := newTestTablet(t)
	ctx := context.Background()

	noCols := &tablet.Rowset{ID: "rs1", UpdateColumnIDs: nil}
	err := NewRowsetUpdateState().Load(ctx, tbl, noCols, nil, 1<<20)
	assert.True(t, verr.IsErrCode(err, verr.ErrInvalidSchema))

	unknown := &tablet.Rowset{ID: "rs2", UpdateColumnIDs: []types.ColumnID{42}}
	err = NewRowsetUpdateState().Load(ctx, tbl, unknown, nil, 1<<20)
	assert.True(t, verr.IsErrCode(err, verr.ErrInvalidSchema))
}
