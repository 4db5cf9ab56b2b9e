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

package options

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vostokdb/vostok/pkg/common/verr"
)

func TestFillDefaults(t *testing.T) {
	opts := (&Options{}).FillDefaults()
	assert.Equal(t, DefaultUpdateMemoryLimit, opts.UpdateCfg.MemoryLimit)
	assert.Equal(t, DefaultKeyBatchBudget, opts.UpdateCfg.KeyBatchBudget)
	assert.Equal(t, DefaultChunkCacheLimit, opts.UpdateCfg.ChunkCacheLimit)
	assert.Equal(t, DefaultStateTTL, opts.CacheCfg.StateTTL.Duration)
	assert.Equal(t, DefaultApplyWorkers, opts.SchedulerCfg.ApplyWorkers)
	assert.Equal(t, DefaultIOWorkers, opts.SchedulerCfg.IOWorkers)

	var nilOpts *Options
	assert.NotNil(t, nilOpts.FillDefaults().UpdateCfg)
}

func TestFillDefaultsKeepsExplicit(t *testing.T) {
	opts := &Options{
		UpdateCfg:    &UpdateCfg{MemoryLimit: 1024},
		SchedulerCfg: &SchedulerCfg{ApplyWorkers: 1},
	}
	opts.FillDefaults()
	assert.Equal(t, int64(1024), opts.UpdateCfg.MemoryLimit)
	assert.Equal(t, 1, opts.SchedulerCfg.ApplyWorkers)
	assert.Equal(t, DefaultKeyBatchBudget, opts.UpdateCfg.KeyBatchBudget)
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vostok.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[update]
memory-limit = 2048
key-batch-budget = 512

[cache]
state-ttl = "5m"

[scheduler]
apply-workers = 2
`), 0o644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), opts.UpdateCfg.MemoryLimit)
	assert.Equal(t, int64(512), opts.UpdateCfg.KeyBatchBudget)
	assert.Equal(t, 5*time.Minute, opts.CacheCfg.StateTTL.Duration)
	assert.Equal(t, 2, opts.SchedulerCfg.ApplyWorkers)
	// untouched sections fall back to defaults
	assert.Equal(t, DefaultIOWorkers, opts.SchedulerCfg.IOWorkers)
	assert.Equal(t, DefaultChunkCacheLimit, opts.UpdateCfg.ChunkCacheLimit)
}

func TestLoadOptionsBadFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.toml"))
	assert.True(t, verr.IsErrCode(err, verr.ErrInvalidInput))
}
