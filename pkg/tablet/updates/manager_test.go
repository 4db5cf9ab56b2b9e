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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vostokdb/vostok/pkg/common/verr"
	"github.com/vostokdb/vostok/pkg/tablet"
	"github.com/vostokdb/vostok/pkg/tablet/types"
)

func newTestManager(t *testing.T) *Manager {
	m, err := NewManager(nil)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestManagerApply(t *testing.T) {
	m := newTestManager(t)
	tbl := newTestTablet(t)
	ref := seedSegment(t, tbl, "base", 0, map[string]uint32{"A": 2})
	rs := newUpdateRowset(t, "rs1",
		[2][]string{{"A", "B"}, {"alice", "bob"}})

	res, err := m.Apply(context.Background(), tbl, rs, 3)
	require.NoError(t, err)

	assert.Equal(t, types.Version(3), tbl.LatestAppliedVersion())
	assert.Len(t, tbl.DeltaColumnGroups(ref), 1)
	assert.Equal(t, int64(1), res.Stat.NumSegment)
	assert.Equal(t, res.Stat, tbl.RowsetStats(rs.ID))

	// the state is dropped and its memory returned
	assert.Equal(t, 0, m.Cache().Len())
	assert.Equal(t, int64(0), m.Tracker().Used())
}

func TestManagerApplyCommitsDeletes(t *testing.T) {
	m := newTestManager(t)
	tbl := newTestTablet(t)
	base := seedSegment(t, tbl, "base", 0, map[string]uint32{"Y": 1})
	rs := newUpdateRowset(t, "rs1", [2][]string{{"X"}, {"x2"}})

	require.NoError(t, m.Preload(context.Background(), tbl, rs))
	// X shows up between preload and apply
	_, err := tbl.Index().Upsert([]byte("X"), types.RowLocation{Seg: base, Row: 7})
	require.NoError(t, err)

	res, err := m.Apply(context.Background(), tbl, rs, 2)
	require.NoError(t, err)
	require.Len(t, res.Deletes, 1)

	dv := tbl.DelVector(base)
	require.NotNil(t, dv)
	assert.True(t, dv.IsDeleted(7))
}

func TestManagerApplyFailureDropsState(t *testing.T) {
	m := newTestManager(t)
	tbl := newTestTablet(t)
	rs := &tablet.Rowset{ID: "rs1", UpdateColumnIDs: nil}

	_, err := m.Apply(context.Background(), tbl, rs, 1)
	assert.True(t, verr.IsErrCode(err, verr.ErrInvalidSchema))
	assert.Equal(t, 0, m.Cache().Len())
	assert.Equal(t, int64(0), m.Tracker().Used())
	assert.Equal(t, types.Version(0), tbl.LatestAppliedVersion())
}

func TestManagerApplyAsync(t *testing.T) {
	m := newTestManager(t)
	tbl := newTestTablet(t)
	seedSegment(t, tbl, "base", 0, map[string]uint32{"A": 0})
	rs := newUpdateRowset(t, "rs1", [2][]string{{"A"}, {"alice"}})

	type outcome struct {
		res *FinalizeResult
		err error
	}
	done := make(chan outcome, 1)
	err := m.ApplyAsync(context.Background(), tbl, rs, 2, func(res *FinalizeResult, err error) {
		done <- outcome{res, err}
	})
	require.NoError(t, err)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, types.Version(2), out.res.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("apply did not finish")
	}
	assert.Equal(t, types.Version(2), tbl.LatestAppliedVersion())
}

func TestManagerPreloadThenApply(t *testing.T) {
	m := newTestManager(t)
	tbl := newTestTablet(t)
	seedSegment(t, tbl, "base", 0, map[string]uint32{"A": 0})
	rs := newUpdateRowset(t, "rs1", [2][]string{{"A"}, {"a2"}})

	require.NoError(t, m.Preload(context.Background(), tbl, rs))
	assert.Equal(t, 1, m.Cache().Len())
	assert.Greater(t, m.Cache().MemoryUsage(), int64(0))

	_, err := m.Apply(context.Background(), tbl, rs, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Cache().Len())
}
