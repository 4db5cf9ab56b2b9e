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
	"sync"
	"time"

	"github.com/vostokdb/vostok/pkg/logutil"
	"github.com/vostokdb/vostok/pkg/tablet/types"
)

// cacheItem pins a state while an apply or preload holds it, so the TTL
// sweep never evicts in-flight work.
type cacheItem struct {
	state    *RowsetUpdateState
	lastUsed time.Time
	pins     int
}

// StateCache owns the in-flight update states, keyed by tablet and
// rowset. States idle past the TTL are evicted and their memory
// reclaimed; the same rowset can then be reloaded on demand.
type StateCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*cacheItem
}

func NewStateCache(ttl time.Duration) *StateCache {
	return &StateCache{
		ttl:     ttl,
		entries: make(map[string]*cacheItem),
	}
}

func cacheKey(tabletID uint64, rowsetID types.RowsetID) string {
	return fmt.Sprintf("%d/%s", tabletID, rowsetID)
}

// Pin is a held reference to a cached state. Close releases the pin.
type Pin struct {
	cache *StateCache
	key   string
	State *RowsetUpdateState
}

func (p *Pin) Close() {
	p.cache.unpin(p.key)
}

// GetOrCreate returns the state for (tabletID, rowsetID), creating it if
// absent, pinned against eviction until the returned Pin is closed.
func (c *StateCache) GetOrCreate(tabletID uint64, rowsetID types.RowsetID) *Pin {
	key := cacheKey(tabletID, rowsetID)
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.entries[key]
	if !ok {
		item = &cacheItem{state: NewRowsetUpdateState()}
		c.entries[key] = item
	}
	item.pins++
	item.lastUsed = time.Now()
	return &Pin{cache: c, key: key, State: item.state}
}

func (c *StateCache) unpin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.entries[key]; ok && item.pins > 0 {
		item.pins--
		item.lastUsed = time.Now()
	}
}

// Delete drops the state immediately and reclaims its memory, pinned or
// not. Used when an apply finishes or fails permanently.
func (c *StateCache) Delete(tabletID uint64, rowsetID types.RowsetID) {
	key := cacheKey(tabletID, rowsetID)
	c.mu.Lock()
	item, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if ok {
		item.state.releaseAll()
	}
}

// RunTTL evicts every unpinned state idle longer than the TTL. Returns
// the number evicted.
func (c *StateCache) RunTTL() int {
	deadline := time.Now().Add(-c.ttl)
	var expired []*cacheItem
	c.mu.Lock()
	for key, item := range c.entries {
		if item.pins == 0 && item.lastUsed.Before(deadline) {
			delete(c.entries, key)
			expired = append(expired, item)
		}
	}
	c.mu.Unlock()
	for _, item := range expired {
		item.state.releaseAll()
	}
	if len(expired) > 0 {
		logutil.Infof("evicted %d idle update states", len(expired))
	}
	return len(expired)
}

func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// MemoryUsage sums the accounted bytes of every cached state.
func (c *StateCache) MemoryUsage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, item := range c.entries {
		total += item.state.MemoryUsage()
	}
	return total
}
