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
	"os"
	"path/filepath"
	"sort"

	"github.com/vostokdb/vostok/pkg/common/concurrent"
	"github.com/vostokdb/vostok/pkg/common/verr"
	"github.com/vostokdb/vostok/pkg/container"
	"github.com/vostokdb/vostok/pkg/logutil"
	"github.com/vostokdb/vostok/pkg/tablet"
	"github.com/vostokdb/vostok/pkg/tablet/dataio"
	"github.com/vostokdb/vostok/pkg/tablet/delvec"
	"github.com/vostokdb/vostok/pkg/tablet/index"
	"github.com/vostokdb/vostok/pkg/tablet/types"
)

// writeSegmentFile is swapped in tests to inject write failures.
var writeSegmentFile = dataio.WriteSegment

// FinalizeResult is everything one successful finalize produced.
type FinalizeResult struct {
	Version     types.Version
	Stat        types.RowsetSegmentStat
	Deletes     []delvec.SegmentDelete
	DeltaGroups map[types.SegmentRef]*tablet.DeltaColumnGroup
	NewSegments []types.SegmentIdentity
}

// resolution is the immutable outcome of conflict resolution. It is the
// only input the materialize and insert phases read, so nothing can write
// against a stale mapping.
type resolution struct {
	version types.Version
	states  []*SegmentUpdateState
}

// updateRowRef addresses one row of one update segment.
type updateRowRef struct {
	segIdx int
	row    uint32
}

// segmentDelta lists the rows of one existing segment replaced by this
// rowset, in ascending source-row order. That order governs the physical
// row order of the delta file, which must match the existing segment's
// row order for position-based recombination at read time.
type segmentDelta struct {
	srcRows []uint32
	updates []updateRowRef
}

type deltaPlan struct {
	refs  []types.SegmentRef
	bySeg map[types.SegmentRef]*segmentDelta
}

// Finalize turns the loaded update state into visible output: delta
// column files per affected existing segment, full new segments for pure
// inserts, index mutations and deletion markers. Conflicts with versions
// applied since load are detected and repaired first. On error nothing
// becomes visible: no delta column group is registered, no index entry
// changes and no stats are committed.
func (s *RowsetUpdateState) Finalize(
	ctx context.Context,
	tbl *tablet.Tablet,
	rs *tablet.Rowset,
	seqRowsetID uint32,
	version types.Version,
	latestApplied types.Version,
	idx index.Index) (res *FinalizeResult, err error) {

	loaded, lerr := s.loadGate.result()
	if !loaded {
		return nil, verr.NewInvalidState(ctx, "finalize before load")
	}
	if lerr != nil {
		return nil, lerr
	}
	if s.finalized {
		return s.lastResult, nil
	}
	if s.finalizeErr != nil {
		return nil, s.finalizeErr
	}
	defer func() {
		s.releaseChunkCache()
		if err != nil {
			s.finalizeErr = err
			logutil.Errorf("finalize tablet=%d rowset=%s %s: %v", tbl.ID(), rs.ID, version, err)
		}
	}()

	// Conflict resolution may remap keys into segments added after load,
	// so the identity map is refreshed first.
	s.initSegmentIdentities(tbl)

	// Conflict resolution must fully replace the per-segment mapping
	// before any file is written.
	resolved, err := s.resolveConflicts(ctx, latestApplied, idx)
	if err != nil {
		return nil, err
	}

	plan := buildDeltaPlan(resolved)
	if err = s.populateChunkCache(ctx, rs, plan, resolved); err != nil {
		return nil, err
	}

	var written []string
	defer func() {
		if err != nil {
			for _, path := range written {
				os.Remove(path)
			}
		}
	}()

	deltaGroups, deltaPaths, deltaStat, err := s.writeDeltaFiles(ctx, tbl, rs, plan, version)
	written = append(written, deltaPaths...)
	if err != nil {
		return nil, err
	}

	staged, insertPaths, insertStat, err := s.writeNewSegments(ctx, tbl, rs, resolved, seqRowsetID)
	written = append(written, insertPaths...)
	if err != nil {
		return nil, err
	}

	// Commit: all file content is durable; only now touch the index and
	// the registries.
	res, err = s.commit(ctx, tbl, rs, deltaGroups, staged, version, idx)
	if err != nil {
		return nil, err
	}
	res.Stat.Merge(deltaStat)
	res.Stat.Merge(insertStat)
	tbl.CommitStats(rs.ID, res.Stat)

	s.finalized = true
	s.lastResult = res
	logutil.Infof("finalized tablet=%d rowset=%s %s deltas=%d newsegs=%d deletes=%d %s",
		tbl.ID(), rs.ID, version, len(deltaGroups), len(res.NewSegments), len(res.Deletes), res.Stat)
	return res, nil
}

// resolveConflicts re-probes and rebuilds every per-segment mapping whose
// read version is behind latestApplied. Equal versions take the fast
// path: the mapping is left untouched. Consumed key batches are released
// as soon as their segments are resolved.
func (s *RowsetUpdateState) resolveConflicts(ctx context.Context, latestApplied types.Version, idx index.Index) (*resolution, error) {
	for i, batch := range s.upserts {
		if batch == nil {
			return nil, verr.NewInvalidState(ctx, "update state %s reused after finalize failure", s.rowsetID)
		}
		for segIdx := batch.StartIdx; segIdx < batch.EndIdx; segIdx++ {
			st := s.states[segIdx]
			if !st.Inited {
				return nil, verr.NewInternalError(ctx, "segment %d state not initialized", segIdx)
			}
			if st.ReadVersion == latestApplied {
				continue
			}
			// Another version applied since load: any key may have
			// moved, and a key absent at load may exist now, so all
			// keys are re-probed.
			results, perr := idx.Probe(batch.SegmentKeys(segIdx))
			if perr != nil {
				return nil, verr.NewInternalError(ctx, "conflict re-probe segment %d: %v", segIdx, perr)
			}
			st.SrcLocations = results
			st.buildPartition()
			st.ReadVersion = latestApplied
			logutil.Infof("resolved conflict tablet=%d rowset=%s segment=%d at %s",
				s.tabletID, s.rowsetID, segIdx, latestApplied)
		}
		s.releaseBatch(i)
	}
	return &resolution{version: latestApplied, states: s.states}, nil
}

// buildDeltaPlan groups every (existing row -> update row) mapping by
// existing segment, ascending source row. Within one rowset a source row
// can be claimed by at most one update row per segment state; across
// update segments the later segment wins, same as upsert order.
func buildDeltaPlan(resolved *resolution) *deltaPlan {
	merged := make(map[types.SegmentRef]map[uint32]updateRowRef)
	for segIdx, st := range resolved.states {
		for loc, uptRow := range st.SrcToUpdate {
			rows, ok := merged[loc.Seg]
			if !ok {
				rows = make(map[uint32]updateRowRef)
				merged[loc.Seg] = rows
			}
			rows[loc.Row] = updateRowRef{segIdx: segIdx, row: uptRow}
		}
	}
	plan := &deltaPlan{bySeg: make(map[types.SegmentRef]*segmentDelta, len(merged))}
	for ref, rows := range merged {
		d := &segmentDelta{
			srcRows: make([]uint32, 0, len(rows)),
			updates: make([]updateRowRef, 0, len(rows)),
		}
		for srcRow := range rows {
			d.srcRows = append(d.srcRows, srcRow)
		}
		sort.Slice(d.srcRows, func(i, j int) bool { return d.srcRows[i] < d.srcRows[j] })
		for _, srcRow := range d.srcRows {
			d.updates = append(d.updates, rows[srcRow])
		}
		plan.bySeg[ref] = d
		plan.refs = append(plan.refs, ref)
	}
	sort.Slice(plan.refs, func(i, j int) bool { return plan.refs[i] < plan.refs[j] })
	return plan
}

// populateChunkCache decodes every update segment referenced by the plan
// or carrying inserts, eagerly, so the parallel fan-out below only reads
// the cache. Each decoded chunk is reserved against the memory tracker
// and released when finalize ends.
func (s *RowsetUpdateState) populateChunkCache(ctx context.Context, rs *tablet.Rowset, plan *deltaPlan, resolved *resolution) error {
	needed := make(map[int]bool)
	for _, ref := range plan.refs {
		for _, u := range plan.bySeg[ref].updates {
			needed[u.segIdx] = true
		}
	}
	for segIdx, st := range resolved.states {
		if len(st.InsertRows) > 0 {
			needed[segIdx] = true
		}
	}
	var cached int64
	for segIdx := range needed {
		if _, ok := s.chunkCache[segIdx]; ok {
			continue
		}
		ck, err := dataio.ReadChunk(rs.SegmentPath(segIdx))
		if err != nil {
			return err
		}
		size := int64(ck.Size())
		if s.chunkBudget > 0 && cached+size > s.chunkBudget {
			return verr.NewOOM(ctx)
		}
		if !s.reserveMemory(size) {
			return verr.NewOOM(ctx)
		}
		cached += size
		s.chunkCache[segIdx] = ck
	}
	return nil
}

func (s *RowsetUpdateState) cachedChunk(segIdx int) *container.Chunk {
	s.chunkMu.RLock()
	defer s.chunkMu.RUnlock()
	return s.chunkCache[segIdx]
}

type deltaOut struct {
	ref  types.SegmentRef
	path string
	size int64
	rows int64
}

// writeDeltaFiles writes one delta-column file per affected existing
// segment, in parallel across segments. paths lists every file created,
// including ones written before a failing shard, so the caller can clean
// up.
func (s *RowsetUpdateState) writeDeltaFiles(
	ctx context.Context,
	tbl *tablet.Tablet,
	rs *tablet.Rowset,
	plan *deltaPlan,
	version types.Version) (groups map[types.SegmentRef]*tablet.DeltaColumnGroup, paths []string, stat types.RowsetSegmentStat, err error) {

	outs := make([]*deltaOut, len(plan.refs))
	executor := concurrent.NewExecutor(s.ioWorkers)
	err = executor.Execute(ctx, len(plan.refs), func(ctx context.Context, start, end int) error {
		for i := start; i < end; i++ {
			ref := plan.refs[i]
			identity, ierr := s.findSegmentIdentity(ctx, ref)
			if ierr != nil {
				return ierr
			}
			d := plan.bySeg[ref]
			ck := container.NewChunk(len(rs.UpdateColumnIDs))
			for j := range d.srcRows {
				u := d.updates[j]
				cached := s.cachedChunk(u.segIdx)
				for c := range rs.UpdateColumnIDs {
					// column 0 of an update segment is the key
					ck.Cols[c].AppendFrom(cached.Cols[c+1], int(u.row))
				}
			}
			path := filepath.Join(tbl.Dir(), dataio.DeltaFileName(identity, version))
			size, werr := writeSegmentFile(path, ck)
			outs[i] = &deltaOut{ref: ref, path: path, size: size, rows: int64(len(d.srcRows))}
			if werr != nil {
				return werr
			}
		}
		return nil
	})
	groups = make(map[types.SegmentRef]*tablet.DeltaColumnGroup, len(outs))
	for _, out := range outs {
		if out == nil {
			continue
		}
		paths = append(paths, out.path)
		if err != nil {
			continue
		}
		groups[out.ref] = &tablet.DeltaColumnGroup{
			Version:   version,
			ColumnIDs: rs.UpdateColumnIDs,
			Files:     []string{out.path},
		}
		stat.TotalDataSize += out.size
	}
	if err != nil {
		return nil, paths, types.RowsetSegmentStat{}, err
	}
	return groups, paths, stat, nil
}

// stagedSegment is a fully written new segment whose index entries are
// not yet visible.
type stagedSegment struct {
	identity types.SegmentIdentity
	path     string
	rows     uint32
	keys     [][]byte
}

// writeNewSegments materializes the pure-insert rows of each update
// segment as ordinary full segments: updated columns from the update
// batch, defaults for everything else. Index registration is deferred to
// commit.
func (s *RowsetUpdateState) writeNewSegments(
	ctx context.Context,
	tbl *tablet.Tablet,
	rs *tablet.Rowset,
	resolved *resolution,
	seqRowsetID uint32) (staged []*stagedSegment, paths []string, stat types.RowsetSegmentStat, err error) {

	schema := tbl.Schema()
	updatePos := make(map[types.ColumnID]int, len(rs.UpdateColumnIDs))
	for p, cid := range rs.UpdateColumnIDs {
		updatePos[cid] = p
	}

	for segIdx, st := range resolved.states {
		if len(st.InsertRows) == 0 {
			continue
		}
		cached := s.cachedChunk(segIdx)
		if cached == nil {
			err = verr.NewInternalError(ctx, "update segment %d chunk missing from cache", segIdx)
			return
		}
		ck := container.NewChunk(len(schema.Columns))
		keys := make([][]byte, 0, len(st.InsertRows))
		for _, row := range st.InsertRows {
			keys = append(keys, cached.Cols[0].Get(int(row)))
			for ci := range schema.Columns {
				spec := &schema.Columns[ci]
				switch {
				case spec.ID == schema.KeyColumn:
					ck.Cols[ci].AppendFrom(cached.Cols[0], int(row))
				default:
					if p, ok := updatePos[spec.ID]; ok {
						ck.Cols[ci].AppendFrom(cached.Cols[p+1], int(row))
					} else {
						ck.Cols[ci].Append(spec.Default)
					}
				}
			}
		}
		identity := types.SegmentIdentity{
			UniqueRowsetID: rs.ID,
			SeqRowsetID:    seqRowsetID,
			SegmentID:      uint32(segIdx),
		}
		path := filepath.Join(tbl.Dir(), dataio.SegmentFileName(rs.ID, identity.SegmentID))
		var size int64
		size, err = writeSegmentFile(path, ck)
		paths = append(paths, path)
		if err != nil {
			return
		}
		staged = append(staged, &stagedSegment{
			identity: identity,
			path:     path,
			rows:     uint32(len(st.InsertRows)),
			keys:     keys,
		})
		stat.NumSegment++
		stat.NumRowsWritten += int64(len(st.InsertRows))
		stat.TotalRowSize += int64(ck.Size())
		stat.TotalDataSize += size
		for _, k := range keys {
			stat.TotalIndexSize += int64(len(k))
		}
	}
	return staged, paths, stat, nil
}

// commit makes the finalize products visible: register staged segments in
// the inventory, upsert their keys into the primary index (collecting
// deletion markers for displaced prior rows), and register the delta
// column groups.
func (s *RowsetUpdateState) commit(
	ctx context.Context,
	tbl *tablet.Tablet,
	rs *tablet.Rowset,
	deltaGroups map[types.SegmentRef]*tablet.DeltaColumnGroup,
	staged []*stagedSegment,
	version types.Version,
	idx index.Index) (*FinalizeResult, error) {

	res := &FinalizeResult{
		Version:     version,
		DeltaGroups: deltaGroups,
	}
	deletes := make(map[types.SegmentRef]*delvec.DelVector)
	for _, seg := range staged {
		ref := tbl.AddSegment(seg.identity, seg.rows, seg.path)
		s.refToIdentity[ref] = seg.identity
		for rowIdx, key := range seg.keys {
			prev, err := idx.Upsert(key, types.RowLocation{Seg: ref, Row: uint32(rowIdx)})
			if err != nil {
				return nil, verr.NewInternalError(ctx, "index upsert rowset %s: %v", rs.ID, err)
			}
			if prev.Found {
				// the key existed after all (late-discovered update):
				// the prior row is now logically deleted
				dv, ok := deletes[prev.Loc.Seg]
				if !ok {
					dv = delvec.NewDelVector(version)
					deletes[prev.Loc.Seg] = dv
				}
				dv.Add(prev.Loc.Row)
			}
		}
		res.NewSegments = append(res.NewSegments, seg.identity)
	}
	for ref, dcg := range deltaGroups {
		tbl.RegisterDeltaColumnGroup(ref, dcg)
	}
	for ref, dv := range deletes {
		res.Deletes = append(res.Deletes, delvec.SegmentDelete{Ref: ref, Del: dv})
	}
	sort.Slice(res.Deletes, func(i, j int) bool { return res.Deletes[i].Ref < res.Deletes[j].Ref })
	return res, nil
}
