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

package mtrack

import (
	"fmt"
	"sync/atomic"
)

// Tracker accounts memory reserved by in-flight storage state. A child
// tracker charges its parent as well, so per-tablet trackers can roll up
// into one process-wide budget. Limit 0 means unlimited.
type Tracker struct {
	name   string
	limit  int64
	used   int64
	parent *Tracker
}

func NewTracker(name string, limit int64) *Tracker {
	return &Tracker{name: name, limit: limit}
}

func NewChildTracker(name string, limit int64, parent *Tracker) *Tracker {
	return &Tracker{name: name, limit: limit, parent: parent}
}

// Reserve tries to account n more bytes. It either takes all of n or
// nothing; false means the budget is exhausted.
func (t *Tracker) Reserve(n int64) bool {
	if n < 0 {
		panic(fmt.Sprintf("tracker %s: reserve negative %d", t.name, n))
	}
	for {
		used := atomic.LoadInt64(&t.used)
		if t.limit > 0 && used+n > t.limit {
			return false
		}
		if !atomic.CompareAndSwapInt64(&t.used, used, used+n) {
			continue
		}
		if t.parent != nil && !t.parent.Reserve(n) {
			atomic.AddInt64(&t.used, -n)
			return false
		}
		return true
	}
}

func (t *Tracker) Release(n int64) {
	if n < 0 {
		panic(fmt.Sprintf("tracker %s: release negative %d", t.name, n))
	}
	if left := atomic.AddInt64(&t.used, -n); left < 0 {
		panic(fmt.Sprintf("tracker %s: release %d underflows", t.name, n))
	}
	if t.parent != nil {
		t.parent.Release(n)
	}
}

func (t *Tracker) Used() int64 {
	return atomic.LoadInt64(&t.used)
}

func (t *Tracker) Limit() int64 {
	return t.limit
}

func (t *Tracker) Available() int64 {
	if t.limit <= 0 {
		return int64(1) << 62
	}
	avail := t.limit - t.Used()
	if avail < 0 {
		avail = 0
	}
	return avail
}

func (t *Tracker) Name() string {
	return t.name
}

func (t *Tracker) String() string {
	return fmt.Sprintf("Tracker[%s]<used=%d,limit=%d>", t.name, t.Used(), t.limit)
}
