// Copyright 2021 - 2022 Matrix Origin
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
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matrixorigin/moexchange/pkg/common/memmgr"
	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/logutil"
)

var (
	defaultNetworkMemory        int64 = 64 << 20
	defaultSegmentSize                = 32 << 10
	defaultBuffersPerChannel          = 2
	defaultExtraBuffersPerGate        = 8
	defaultInitialBackoff             = 10 * time.Millisecond
	defaultMaxBackoff                 = time.Second
	defaultMaxAttempts                = 10
	defaultIOWorkers                  = 4
	defaultManagedMemory        int64 = 128 << 20
	defaultMetricListenAddress        = "127.0.0.1:7001"
	defaultLogLevel                   = "info"
	defaultLogFormat                  = "console"
)

// Duration is a time.Duration read from strings like "10ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return moerr.NewInvalidArg("duration", string(text))
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the configuration of a mo-exchange process.
type Config struct {
	Log     logutil.LogConfig `toml:"log"`
	Memory  MemoryConfig      `toml:"memory"`
	Network NetworkConfig     `toml:"network"`
	Metric  MetricConfig      `toml:"metric"`
}

// NetworkConfig configures the network buffer pool, partition requests and
// the transport.
type NetworkConfig struct {
	// TotalMemory is the budget of the network buffer pool in bytes.
	TotalMemory int64 `toml:"total-memory"`
	// SegmentSize is the size of one network buffer, a power of two.
	SegmentSize int  `toml:"segment-size"`
	PreAllocate bool `toml:"pre-allocate"`
	OffHeap     bool `toml:"off-heap"`
	// BuffersPerChannel is the number of buffers reserved for each input
	// channel and each subpartition. It is also the initial credit.
	BuffersPerChannel int `toml:"buffers-per-channel"`
	// ExtraBuffersPerGate are floating buffers shared by the channels of a
	// gate or the subpartitions of a partition.
	ExtraBuffersPerGate int `toml:"extra-buffers-per-gate"`

	PartitionRequestInitialBackoff Duration `toml:"partition-request-initial-backoff"`
	PartitionRequestMaxBackoff     Duration `toml:"partition-request-max-backoff"`
	PartitionRequestMaxAttempts    int      `toml:"partition-request-max-attempts"`

	// ListenAddress serves local partitions to remote consumers. Empty
	// disables the server.
	ListenAddress string `toml:"listen-address"`
	Compression   bool   `toml:"compression"`
	// IOWorkers is the size of the worker pool releasing task resources.
	IOWorkers int `toml:"io-workers"`
}

// MemoryConfig configures the managed memory of tasks.
type MemoryConfig struct {
	Size        int64 `toml:"size"`
	PageSize    int   `toml:"page-size"`
	OffHeap     bool  `toml:"off-heap"`
	PreAllocate bool  `toml:"pre-allocate"`
}

// MetricConfig configures the prometheus endpoint.
type MetricConfig struct {
	Enable        bool   `toml:"enable"`
	ListenAddress string `toml:"listen-address"`
}

// ParseFile decodes and validates the toml file at path.
func ParseFile(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates toml data.
func Parse(data string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills defaults and checks every section.
func (c *Config) Validate() error {
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return moerr.NewInvalidArg("log format", c.Log.Format)
	}
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	if err := c.Network.Validate(); err != nil {
		return err
	}
	if c.Metric.Enable && c.Metric.ListenAddress == "" {
		c.Metric.ListenAddress = defaultMetricListenAddress
	}
	return nil
}

func (c *NetworkConfig) Validate() error {
	if c.TotalMemory == 0 {
		c.TotalMemory = defaultNetworkMemory
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = defaultSegmentSize
	}
	if c.BuffersPerChannel == 0 {
		c.BuffersPerChannel = defaultBuffersPerChannel
	}
	if c.ExtraBuffersPerGate == 0 {
		c.ExtraBuffersPerGate = defaultExtraBuffersPerGate
	}
	if c.PartitionRequestInitialBackoff.Duration == 0 {
		c.PartitionRequestInitialBackoff.Duration = defaultInitialBackoff
	}
	if c.PartitionRequestMaxBackoff.Duration == 0 {
		c.PartitionRequestMaxBackoff.Duration = defaultMaxBackoff
	}
	if c.PartitionRequestMaxAttempts == 0 {
		c.PartitionRequestMaxAttempts = defaultMaxAttempts
	}
	if c.IOWorkers == 0 {
		c.IOWorkers = defaultIOWorkers
	}

	if c.SegmentSize < buffer.MinSegmentSize || !memmgr.IsPowerOf2(int64(c.SegmentSize)) {
		return moerr.NewInvalidArg("network segment-size", c.SegmentSize)
	}
	if c.TotalMemory < int64(c.SegmentSize) {
		return moerr.NewInvalidArg("network total-memory", c.TotalMemory)
	}
	if c.BuffersPerChannel < 1 {
		return moerr.NewInvalidArg("network buffers-per-channel", c.BuffersPerChannel)
	}
	if c.ExtraBuffersPerGate < 0 {
		return moerr.NewInvalidArg("network extra-buffers-per-gate", c.ExtraBuffersPerGate)
	}
	if c.PartitionRequestInitialBackoff.Duration < 0 ||
		c.PartitionRequestMaxBackoff.Duration < c.PartitionRequestInitialBackoff.Duration {
		return moerr.NewInvalidArg("network partition-request-max-backoff", c.PartitionRequestMaxBackoff.Duration)
	}
	if c.PartitionRequestMaxAttempts < 1 {
		return moerr.NewInvalidArg("network partition-request-max-attempts", c.PartitionRequestMaxAttempts)
	}
	if c.IOWorkers < 1 {
		return moerr.NewInvalidArg("network io-workers", c.IOWorkers)
	}
	return nil
}

// MemoryKind returns the backing kind of network segments.
func (c *NetworkConfig) MemoryKind() memory.Kind {
	if c.OffHeap {
		return memory.OffHeapKind
	}
	return memory.HeapKind
}

func (c *MemoryConfig) Validate() error {
	if c.Size == 0 {
		c.Size = defaultManagedMemory
	}
	if c.PageSize == 0 {
		c.PageSize = memmgr.DefaultPageSize
	}
	if c.PageSize < memmgr.MinPageSize || !memmgr.IsPowerOf2(int64(c.PageSize)) {
		return moerr.NewInvalidArg("memory page-size", c.PageSize)
	}
	if c.Size < int64(c.PageSize) {
		return moerr.NewInvalidArg("memory size", c.Size)
	}
	return nil
}

// MemoryKind returns the backing kind of managed pages.
func (c *MemoryConfig) MemoryKind() memory.Kind {
	if c.OffHeap {
		return memory.OffHeapKind
	}
	return memory.HeapKind
}
