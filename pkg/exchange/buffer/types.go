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

package buffer

import (
	"context"

	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
)

const (
	// MinSegmentSize is the smallest segment the network pool hands out.
	MinSegmentSize = 4 << 10
	// Unbounded is the max size of local pools without an upper bound.
	Unbounded = int(^uint(0) >> 1)
)

// BufferListener is told when a buffer becomes available to a pool that
// had none. A listener is notified at most once per registration.
type BufferListener interface {
	// NotifyBufferAvailable hands over buf. The listener owns buf and must
	// release it.
	NotifyBufferAvailable(buf *Buffer)
	// NotifyBufferDestroyed is called when the pool is destroyed while the
	// listener is registered.
	NotifyBufferDestroyed()
}

// BufferProvider is the request side of a local buffer pool.
type BufferProvider interface {
	RequestBuffer() (*Buffer, error)
	RequestBufferBlocking(ctx context.Context) (*Buffer, error)
	AddBufferListener(l BufferListener) bool
	IsDestroyed() bool
	SegmentSize() int
}

// Stats is a consistent snapshot of the network buffer pool. The sum of
// Requested plus AvailableSegments plus ExclusiveSegments always equals
// TotalSegments.
type Stats struct {
	TotalSegments     int
	AvailableSegments int
	// ExclusiveSegments were handed out by RequestSegment.
	ExclusiveSegments int
	// Requested is the number of segments held by each local pool,
	// including destroyed pools that still have buffers in flight.
	Requested []int
	Pools     []PoolStats
}

// PoolStats describes one registered local pool.
type PoolStats struct {
	Min, Max    int
	CurrentSize int
	Requested   int
	Available   int
}

// Option option for create NetworkBufferPool
type Option func(*NetworkBufferPool)

// WithPreAllocate allocates every segment when the pool is created.
func WithPreAllocate(v bool) Option {
	return func(p *NetworkBufferPool) {
		p.preAllocate = v
	}
}

// WithMemoryKind sets the backing kind of the segments.
func WithMemoryKind(kind memory.Kind) Option {
	return func(p *NetworkBufferPool) {
		p.kind = kind
	}
}

// WithOwner sets the owner handle of every segment.
func WithOwner(owner memory.Owner) Option {
	return func(p *NetworkBufferPool) {
		p.owner = owner
	}
}

// WithLogger set logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *NetworkBufferPool) {
		p.logger = logger
	}
}
