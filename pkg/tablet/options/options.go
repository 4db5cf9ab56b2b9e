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
	"context"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vostokdb/vostok/pkg/common/verr"
	"github.com/vostokdb/vostok/pkg/logutil"
)

// Duration wraps time.Duration so TOML files can use "30m" style values.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

const (
	DefaultUpdateMemoryLimit = int64(2) << 30
	DefaultKeyBatchBudget    = int64(64) << 20
	DefaultChunkCacheLimit   = int64(256) << 20
	DefaultStateTTL          = 30 * time.Minute
	DefaultApplyWorkers      = 3
	DefaultIOWorkers         = 4
)

type UpdateCfg struct {
	// MemoryLimit caps all in-flight partial-update state of the process.
	MemoryLimit int64 `toml:"memory-limit"`
	// KeyBatchBudget bounds the serialized-key bytes loaded per key batch.
	KeyBatchBudget int64 `toml:"key-batch-budget"`
	// ChunkCacheLimit caps decoded update chunks cached during finalize.
	ChunkCacheLimit int64 `toml:"chunk-cache-limit"`
}

type CacheCfg struct {
	// StateTTL evicts idle update states from the per-tablet cache.
	StateTTL Duration `toml:"state-ttl"`
}

type SchedulerCfg struct {
	ApplyWorkers int `toml:"apply-workers"`
	IOWorkers    int `toml:"io-workers"`
}

type Options struct {
	UpdateCfg    *UpdateCfg         `toml:"update"`
	CacheCfg     *CacheCfg          `toml:"cache"`
	SchedulerCfg *SchedulerCfg      `toml:"scheduler"`
	LogCfg       *logutil.LogConfig `toml:"log"`
}

func (o *Options) FillDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.UpdateCfg == nil {
		o.UpdateCfg = &UpdateCfg{}
	}
	if o.UpdateCfg.MemoryLimit <= 0 {
		o.UpdateCfg.MemoryLimit = DefaultUpdateMemoryLimit
	}
	if o.UpdateCfg.KeyBatchBudget <= 0 {
		o.UpdateCfg.KeyBatchBudget = DefaultKeyBatchBudget
	}
	if o.UpdateCfg.ChunkCacheLimit <= 0 {
		o.UpdateCfg.ChunkCacheLimit = DefaultChunkCacheLimit
	}
	if o.CacheCfg == nil {
		o.CacheCfg = &CacheCfg{}
	}
	if o.CacheCfg.StateTTL.Duration <= 0 {
		o.CacheCfg.StateTTL.Duration = DefaultStateTTL
	}
	if o.SchedulerCfg == nil {
		o.SchedulerCfg = &SchedulerCfg{}
	}
	if o.SchedulerCfg.ApplyWorkers <= 0 {
		o.SchedulerCfg.ApplyWorkers = DefaultApplyWorkers
	}
	if o.SchedulerCfg.IOWorkers <= 0 {
		o.SchedulerCfg.IOWorkers = DefaultIOWorkers
	}
	return o
}

// LoadOptions reads a TOML options file. Missing sections fall back to
// defaults.
func LoadOptions(path string) (*Options, error) {
	opts := &Options{}
	if _, err := toml.DecodeFile(path, opts); err != nil {
		return nil, verr.NewInvalidInput(context.TODO(), "decode options %s: %v", path, err)
	}
	return opts.FillDefaults(), nil
}
