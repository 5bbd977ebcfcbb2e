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

package memmgr

import (
	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
)

const (
	// DefaultPageSize is the page size used when none is configured.
	DefaultPageSize = 32 << 10
	// MinPageSize is the smallest page size the manager accepts.
	MinPageSize = 4 << 10
)

// PoolOwner is implemented by holders of pooled buffers that can give
// memory back when the process runs short.
type PoolOwner interface {
	// ReleaseMemory relinquishes up to n buffers back to their pool and
	// returns how many were released.
	ReleaseMemory(n int) (int, error)
}

// Option option for create Manager
type Option func(*Manager)

// WithMemorySize sets the managed memory size in bytes.
func WithMemorySize(size int64) Option {
	return func(m *Manager) {
		m.memorySize = size
	}
}

// WithPageSize sets the page size, must be a power of two.
func WithPageSize(size int) Option {
	return func(m *Manager) {
		m.pageSize = size
	}
}

// WithKind sets the memory backing kind of every page.
func WithKind(kind memory.Kind) Option {
	return func(m *Manager) {
		m.kind = kind
	}
}

// WithPreAllocate allocates every page up front instead of on demand.
func WithPreAllocate(v bool) Option {
	return func(m *Manager) {
		m.preAllocate = v
	}
}

// WithLogger set logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// IsPowerOf2 returns true if v is a positive power of two.
func IsPowerOf2(v int64) bool {
	return v > 0 && v&(v-1) == 0
}
