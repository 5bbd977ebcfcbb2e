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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
)

func TestDefaults(t *testing.T) {
	cfg, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, int64(64<<20), cfg.Network.TotalMemory)
	assert.Equal(t, 32<<10, cfg.Network.SegmentSize)
	assert.Equal(t, 2, cfg.Network.BuffersPerChannel)
	assert.Equal(t, 8, cfg.Network.ExtraBuffersPerGate)
	assert.Equal(t, 10*time.Millisecond, cfg.Network.PartitionRequestInitialBackoff.Duration)
	assert.Equal(t, time.Second, cfg.Network.PartitionRequestMaxBackoff.Duration)
	assert.Equal(t, 10, cfg.Network.PartitionRequestMaxAttempts)
	assert.Equal(t, memory.HeapKind, cfg.Network.MemoryKind())
	assert.Equal(t, int64(128<<20), cfg.Memory.Size)
	assert.False(t, cfg.Metric.Enable)
}

func TestParseFile(t *testing.T) {
	data := `
[log]
level = "debug"
format = "json"

[memory]
size = 1048576
page-size = 8192
off-heap = true

[network]
total-memory = 4194304
segment-size = 4096
buffers-per-channel = 4
extra-buffers-per-gate = 16
partition-request-initial-backoff = "5ms"
partition-request-max-backoff = "100ms"
partition-request-max-attempts = 3
listen-address = "127.0.0.1:7100"
compression = true

[metric]
enable = true
`
	path := filepath.Join(t.TempDir(), "mo-exchange.toml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, memory.OffHeapKind, cfg.Memory.MemoryKind())
	assert.Equal(t, 8192, cfg.Memory.PageSize)
	assert.Equal(t, 4096, cfg.Network.SegmentSize)
	assert.Equal(t, 4, cfg.Network.BuffersPerChannel)
	assert.Equal(t, 5*time.Millisecond, cfg.Network.PartitionRequestInitialBackoff.Duration)
	assert.Equal(t, 100*time.Millisecond, cfg.Network.PartitionRequestMaxBackoff.Duration)
	assert.Equal(t, 3, cfg.Network.PartitionRequestMaxAttempts)
	assert.Equal(t, "127.0.0.1:7100", cfg.Network.ListenAddress)
	assert.True(t, cfg.Network.Compression)
	assert.Equal(t, "127.0.0.1:7001", cfg.Metric.ListenAddress)
}

func TestValidate(t *testing.T) {
	cases := []string{
		"[network]\nsegment-size = 5000",
		"[network]\nsegment-size = 1024",
		"[network]\ntotal-memory = 1024",
		"[network]\nbuffers-per-channel = -1",
		"[network]\npartition-request-initial-backoff = \"2s\"\npartition-request-max-backoff = \"1s\"",
		"[memory]\npage-size = 3000",
		"[log]\nformat = \"xml\"",
	}
	for _, c := range cases {
		_, err := Parse(c)
		require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidArg), "%s: %v", c, err)
	}

	_, err := Parse("[network]\npartition-request-max-backoff = \"soon\"")
	require.Error(t, err)
}
