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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vostokdb/vostok/pkg/common/mtrack"
	"github.com/vostokdb/vostok/pkg/common/verr"
	"github.com/vostokdb/vostok/pkg/container"
	"github.com/vostokdb/vostok/pkg/logutil"
	"github.com/vostokdb/vostok/pkg/tablet"
	"github.com/vostokdb/vostok/pkg/tablet/dataio"
	"github.com/vostokdb/vostok/pkg/tablet/types"
)

// resultGate is an execute-once gate: the first caller runs fn, later
// callers block until it completes and then observe the stored result,
// success or failure alike.
type resultGate struct {
	mu   sync.Mutex
	done bool
	err  error
}

func (g *resultGate) once(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return g.err
	}
	g.err = fn()
	g.done = true
	return g.err
}

// result replays the stored outcome without running anything.
func (g *resultGate) result() (done bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done, g.err
}

// RowsetUpdateState is the in-flight state of one column-mode partial
// update apply: the rowset's loaded keys, the per-segment row mappings,
// and the finalize products. It lives in the update manager's keyed
// cache from rowset arrival until apply finishes or is abandoned.
//
// Load and Finalize are driven by the tablet's single apply sequence; the
// one concurrent entry point is Load's execute-once gate (e.g. a prefetch
// racing the apply path).
type RowsetUpdateState struct {
	tabletID uint64
	rowsetID types.RowsetID

	loadGate resultGate

	tracker     *mtrack.Tracker
	keyBudget   int64
	chunkBudget int64
	ioWorkers   int

	// upserts holds the loaded key batches; each is retained until
	// conflict resolution has consumed it at finalize, then released.
	upserts []*BatchKeys
	// batchSizes mirrors upserts for deterministic memory release.
	batchSizes []int64

	// states has one entry per update segment, in segment order.
	states []*SegmentUpdateState

	// refToIdentity resolves an opaque segment reference to the identity
	// needed to name output files. Built once per load.
	refToIdentity map[types.SegmentRef]types.SegmentIdentity

	// chunkCache holds decoded update-segment chunks during finalize,
	// keyed by update segment idx.
	chunkMu    sync.RWMutex
	chunkCache map[int]*container.Chunk

	memoryUsage int64

	finalized   bool
	finalizeErr error
	lastResult  *FinalizeResult
}

func NewRowsetUpdateState() *RowsetUpdateState {
	return &RowsetUpdateState{
		ioWorkers:     4,
		refToIdentity: make(map[types.SegmentRef]types.SegmentIdentity),
		chunkCache:    make(map[int]*container.Chunk),
	}
}

func (s *RowsetUpdateState) SetIOWorkers(n int) {
	if n > 0 {
		s.ioWorkers = n
	}
}

// SetChunkBudget caps the decoded update chunks held during finalize.
// Zero means uncapped.
func (s *RowsetUpdateState) SetChunkBudget(n int64) {
	s.chunkBudget = n
}

// Load reads the rowset's primary-key columns and builds the per-segment
// update states by probing the tablet's primary index. It executes at
// most once; any caller after the first observes the recorded result. A
// failure is permanent for this instance.
func (s *RowsetUpdateState) Load(ctx context.Context, tbl *tablet.Tablet, rs *tablet.Rowset, tracker *mtrack.Tracker, keyBudget int64) error {
	return s.loadGate.once(func() error {
		err := s.doLoad(ctx, tbl, rs, tracker, keyBudget)
		if err != nil {
			logutil.Errorf("load update state tablet=%d rowset=%s: %v", tbl.ID(), rs.ID, err)
			s.releaseAll()
		}
		return err
	})
}

func (s *RowsetUpdateState) doLoad(ctx context.Context, tbl *tablet.Tablet, rs *tablet.Rowset, tracker *mtrack.Tracker, keyBudget int64) error {
	schema := tbl.Schema()
	if schema == nil {
		return verr.NewInvalidSchema(ctx, "tablet %d has no schema", tbl.ID())
	}
	if _, ok := schema.Column(schema.KeyColumn); !ok {
		return verr.NewInvalidSchema(ctx, "tablet %d key column %d missing", tbl.ID(), schema.KeyColumn)
	}
	if len(rs.UpdateColumnIDs) == 0 {
		return verr.NewInvalidSchema(ctx, "rowset %s has no update columns", rs.ID)
	}
	for _, cid := range rs.UpdateColumnIDs {
		if _, ok := schema.Column(cid); !ok {
			return verr.NewInvalidSchema(ctx, "rowset %s updates unknown column %d", rs.ID, cid)
		}
	}

	s.tabletID = tbl.ID()
	s.rowsetID = rs.ID
	s.tracker = tracker
	s.keyBudget = keyBudget

	s.initSegmentIdentities(tbl)

	numSegments := uint32(rs.NumSegments())
	for startIdx := uint32(0); startIdx < numSegments; {
		batch, err := s.loadKeyBatch(ctx, rs, startIdx)
		if err != nil {
			return err
		}
		if err = s.prepareStates(ctx, tbl, batch); err != nil {
			return err
		}
		s.upserts = append(s.upserts, batch)
		s.batchSizes = append(s.batchSizes, batch.Size())
		startIdx = batch.EndIdx
	}
	logutil.Infof("loaded update state tablet=%d rowset=%s segments=%d batches=%d mem=%d",
		tbl.ID(), rs.ID, numSegments, len(s.upserts), s.MemoryUsage())
	return nil
}

// loadKeyBatch reads the key columns of consecutive segments starting at
// startIdx, stopping once the cumulative serialized-key size reaches the
// budget. At least one segment is always taken.
func (s *RowsetUpdateState) loadKeyBatch(ctx context.Context, rs *tablet.Rowset, startIdx uint32) (*BatchKeys, error) {
	batch := &BatchKeys{
		Keys:     container.NewColumn(),
		StartIdx: startIdx,
		EndIdx:   startIdx,
		Offsets:  []uint32{0},
	}
	numSegments := uint32(rs.NumSegments())
	var reserved int64
	for batch.EndIdx < numSegments {
		col, err := dataio.ReadColumn(rs.SegmentPath(int(batch.EndIdx)), 0)
		if err != nil {
			s.releaseMemory(reserved)
			return nil, err
		}
		grow := int64(col.Size())
		if !s.reserveMemory(grow) {
			s.releaseMemory(reserved)
			return nil, verr.NewOOM(ctx)
		}
		reserved += grow
		for i := 0; i < col.Length(); i++ {
			batch.Keys.AppendFrom(col, i)
		}
		batch.Offsets = append(batch.Offsets, uint32(batch.Keys.Length()))
		batch.EndIdx++
		if int64(batch.Keys.Size()) >= s.keyBudget {
			break
		}
	}
	// keep the reservation aligned with the batch's own accounting
	if diff := batch.Size() - reserved; diff > 0 {
		if !s.reserveMemory(diff) {
			s.releaseMemory(reserved)
			return nil, verr.NewOOM(ctx)
		}
	} else if diff < 0 {
		s.releaseMemory(-diff)
	}
	return batch, nil
}

// prepareStates probes the primary index once for every key of the batch
// and partitions each segment's rows into updates and inserts.
func (s *RowsetUpdateState) prepareStates(ctx context.Context, tbl *tablet.Tablet, batch *BatchKeys) error {
	results, err := tbl.Index().Probe(batch.AllKeys())
	if err != nil {
		return verr.ConvertGoError(ctx, err)
	}
	readVersion := tbl.LatestAppliedVersion()
	for idx := batch.StartIdx; idx < batch.EndIdx; idx++ {
		lo, hi := batch.SegmentRange(idx)
		st := &SegmentUpdateState{
			Inited:       true,
			ReadVersion:  readVersion,
			SrcLocations: append([]types.ProbeResult(nil), results[lo:hi]...),
		}
		st.buildPartition()
		s.states = append(s.states, st)
	}
	return nil
}

// initSegmentIdentities enumerates the tablet's segment inventory once so
// finalize can name output files from opaque segment references.
func (s *RowsetUpdateState) initSegmentIdentities(tbl *tablet.Tablet) {
	for _, meta := range tbl.Inventory() {
		s.refToIdentity[meta.Ref] = meta.Identity
	}
}

// findSegmentIdentity resolves ref. A miss is an invariant violation
// under the single-apply-sequence-per-tablet discipline, not a runtime
// condition.
func (s *RowsetUpdateState) findSegmentIdentity(ctx context.Context, ref types.SegmentRef) (types.SegmentIdentity, error) {
	identity, ok := s.refToIdentity[ref]
	if !ok {
		return types.SegmentIdentity{}, verr.NewInternalError(ctx, "segment ref %d vanished from identity map", ref)
	}
	return identity, nil
}

func (s *RowsetUpdateState) reserveMemory(n int64) bool {
	if s.tracker != nil && !s.tracker.Reserve(n) {
		return false
	}
	atomic.AddInt64(&s.memoryUsage, n)
	return true
}

func (s *RowsetUpdateState) releaseMemory(n int64) {
	if n == 0 {
		return
	}
	if s.tracker != nil {
		s.tracker.Release(n)
	}
	atomic.AddInt64(&s.memoryUsage, -n)
}

// releaseBatch reclaims one consumed key batch.
func (s *RowsetUpdateState) releaseBatch(i int) {
	if s.upserts[i] == nil {
		return
	}
	s.releaseMemory(s.batchSizes[i])
	s.upserts[i] = nil
	s.batchSizes[i] = 0
}

func (s *RowsetUpdateState) releaseChunkCache() {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	var total int64
	for _, ck := range s.chunkCache {
		total += int64(ck.Size())
	}
	s.chunkCache = make(map[int]*container.Chunk)
	s.releaseMemory(total)
}

// releaseAll reclaims everything this state still accounts for. Called on
// load failure and on cache eviction.
func (s *RowsetUpdateState) releaseAll() {
	for i := range s.upserts {
		s.releaseBatch(i)
	}
	s.releaseChunkCache()
}

// MemoryUsage reports the bytes currently accounted by this state.
func (s *RowsetUpdateState) MemoryUsage() int64 {
	return atomic.LoadInt64(&s.memoryUsage)
}

// States exposes the per-segment update states, for tests and debugging.
func (s *RowsetUpdateState) States() []*SegmentUpdateState {
	return s.states
}

// Upserts exposes the loaded key batches, for tests and debugging.
func (s *RowsetUpdateState) Upserts() []*BatchKeys {
	return s.upserts
}

func (s *RowsetUpdateState) String() string {
	return fmt.Sprintf("UpdateState<tablet=%d,rowset=%s,segs=%d,mem=%d,finalized=%v>",
		s.tabletID, s.rowsetID, len(s.states), s.MemoryUsage(), s.finalized)
}
