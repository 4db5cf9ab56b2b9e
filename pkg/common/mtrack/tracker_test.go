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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReserveRelease(t *testing.T) {
	tr := NewTracker("t", 100)
	assert.True(t, tr.Reserve(60))
	assert.False(t, tr.Reserve(50))
	assert.Equal(t, int64(60), tr.Used())
	assert.Equal(t, int64(40), tr.Available())

	tr.Release(60)
	assert.Equal(t, int64(0), tr.Used())
	assert.True(t, tr.Reserve(100))
}

func TestUnlimited(t *testing.T) {
	tr := NewTracker("t", 0)
	assert.True(t, tr.Reserve(1<<40))
	assert.Equal(t, int64(1)<<40, tr.Used())
}

func TestChildRollsBackWhenParentFull(t *testing.T) {
	parent := NewTracker("parent", 10)
	child := NewChildTracker("child", 0, parent)

	assert.False(t, child.Reserve(20))
	assert.Equal(t, int64(0), child.Used())
	assert.Equal(t, int64(0), parent.Used())

	assert.True(t, child.Reserve(10))
	assert.Equal(t, int64(10), parent.Used())
	child.Release(10)
	assert.Equal(t, int64(0), parent.Used())
}

func TestReserveConcurrent(t *testing.T) {
	tr := NewTracker("t", 1000)
	var wg sync.WaitGroup
	granted := make([]bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			granted[i] = tr.Reserve(100)
		}(i)
	}
	wg.Wait()
	n := 0
	for _, g := range granted {
		if g {
			n++
		}
	}
	assert.Equal(t, 10, n)
	assert.Equal(t, int64(1000), tr.Used())
}
