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
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/vostokdb/vostok/pkg/common/mtrack"
	"github.com/vostokdb/vostok/pkg/common/verr"
	"github.com/vostokdb/vostok/pkg/logutil"
	"github.com/vostokdb/vostok/pkg/tablet"
	"github.com/vostokdb/vostok/pkg/tablet/options"
	"github.com/vostokdb/vostok/pkg/tablet/types"
)

// Manager drives column-mode partial-update applies. It owns the shared
// memory tracker, the state cache and the apply worker pool, and
// serializes applies per tablet.
type Manager struct {
	opts    *options.Options
	tracker *mtrack.Tracker
	cache   *StateCache
	pool    *ants.Pool

	mu      sync.Mutex
	tablets map[uint64]*sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(opts *options.Options) (*Manager, error) {
	opts = opts.FillDefaults()
	pool, err := ants.NewPool(opts.SchedulerCfg.ApplyWorkers)
	if err != nil {
		return nil, verr.NewInternalError(context.TODO(), "create apply pool: %v", err)
	}
	return &Manager{
		opts:    opts,
		tracker: mtrack.NewTracker("update-mgr", opts.UpdateCfg.MemoryLimit),
		cache:   NewStateCache(opts.CacheCfg.StateTTL.Duration),
		pool:    pool,
		tablets: make(map[uint64]*sync.Mutex),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start launches the TTL sweep for idle update states.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.CacheCfg.StateTTL.Duration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cache.RunTTL()
			}
		}
	}()
}

func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.pool.Release()
	m.cache.RunTTL()
}

func (m *Manager) Cache() *StateCache {
	return m.cache
}

func (m *Manager) Tracker() *mtrack.Tracker {
	return m.tracker
}

// tabletLock returns the mutex serializing applies for one tablet.
func (m *Manager) tabletLock(id uint64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.tablets[id]
	if !ok {
		lk = &sync.Mutex{}
		m.tablets[id] = lk
	}
	return lk
}

// Preload loads the rowset's update state ahead of its apply turn. Safe
// to race with Apply: the state loads at most once.
func (m *Manager) Preload(ctx context.Context, tbl *tablet.Tablet, rs *tablet.Rowset) error {
	pin := m.cache.GetOrCreate(tbl.ID(), rs.ID)
	defer pin.Close()
	pin.State.SetIOWorkers(m.opts.SchedulerCfg.IOWorkers)
	pin.State.SetChunkBudget(m.opts.UpdateCfg.ChunkCacheLimit)
	return pin.State.Load(ctx, tbl, rs, m.tracker, m.opts.UpdateCfg.KeyBatchBudget)
}

// Apply runs the full column-mode apply of one rowset at version: load
// (or reuse a preloaded state), finalize, commit deletes, advance the
// applied version. Applies to the same tablet are serialized. The state
// is dropped from the cache whether the apply succeeds or fails; a failed
// rowset restarts from a fresh state on retry.
func (m *Manager) Apply(ctx context.Context, tbl *tablet.Tablet, rs *tablet.Rowset, version types.Version) (res *FinalizeResult, err error) {
	lk := m.tabletLock(tbl.ID())
	lk.Lock()
	defer lk.Unlock()

	pin := m.cache.GetOrCreate(tbl.ID(), rs.ID)
	defer func() {
		pin.Close()
		m.cache.Delete(tbl.ID(), rs.ID)
	}()
	state := pin.State
	state.SetIOWorkers(m.opts.SchedulerCfg.IOWorkers)
	state.SetChunkBudget(m.opts.UpdateCfg.ChunkCacheLimit)

	if err = state.Load(ctx, tbl, rs, m.tracker, m.opts.UpdateCfg.KeyBatchBudget); err != nil {
		return nil, err
	}
	seqRowsetID := tbl.NextSeqRowsetID()
	res, err = state.Finalize(ctx, tbl, rs, seqRowsetID, version, tbl.LatestAppliedVersion(), tbl.Index())
	if err != nil {
		return nil, err
	}
	tbl.CommitDeletes(res.Deletes)
	tbl.SetAppliedVersion(version)
	logutil.Infof("applied rowset=%s tablet=%d %s", rs.ID, tbl.ID(), version)
	return res, nil
}

// ApplyAsync schedules Apply on the worker pool and reports the outcome
// through done.
func (m *Manager) ApplyAsync(ctx context.Context, tbl *tablet.Tablet, rs *tablet.Rowset, version types.Version, done func(*FinalizeResult, error)) error {
	submitErr := m.pool.Submit(func() {
		res, err := m.Apply(ctx, tbl, rs, version)
		if done != nil {
			done(res, err)
		}
	})
	if submitErr != nil {
		return verr.NewInternalError(ctx, "submit apply rowset %s: %v", rs.ID, submitErr)
	}
	return nil
}
