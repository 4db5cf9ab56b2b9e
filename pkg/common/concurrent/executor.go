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

package concurrent

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Executor fans a batch of nitems work items out over a fixed number of
// goroutines, each handling one contiguous shard. The first error cancels
// the shared context and is returned after all shards finish.
type Executor struct {
	nworkers int
}

func NewExecutor(nworkers int) Executor {
	if nworkers <= 0 {
		nworkers = runtime.NumCPU()
	}
	return Executor{nworkers: nworkers}
}

func (e Executor) Execute(
	ctx context.Context,
	nitems int,
	fn func(ctx context.Context, start, end int) error) (err error) {

	g, ctx := errgroup.WithContext(ctx)

	q := nitems / e.nworkers
	r := nitems % e.nworkers

	start := 0
	for i := 0; i < e.nworkers; i++ {
		size := q
		if i < r {
			size++
		}
		if size == 0 {
			break
		}
		shardStart := start
		shardEnd := start + size
		g.Go(func() error {
			return fn(ctx, shardStart, shardEnd)
		})
		start = shardEnd
	}

	return g.Wait()
}
