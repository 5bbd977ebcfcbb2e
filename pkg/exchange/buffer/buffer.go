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
	"sync/atomic"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
)

// Recycler takes back the region of a buffer whose last reference was
// released.
type Recycler interface {
	Recycle(r *memory.Region)
}

// RecyclerFunc adapts a function to Recycler.
type RecyclerFunc func(r *memory.Region)

func (f RecyclerFunc) Recycle(r *memory.Region) {
	f(r)
}

// FreeingRecycler frees regions that do not belong to any pool.
var FreeingRecycler Recycler = RecyclerFunc(func(r *memory.Region) {
	r.Free()
})

// Buffer is a reference counted handle of one region plus the number of
// readable bytes in it. A new buffer holds one reference; the region goes
// back to its recycler exactly once, when the count drops to zero.
type Buffer struct {
	region   *memory.Region
	recycler Recycler
	isData   atomic.Bool
	size     atomic.Int64
	refCnt   atomic.Int32
}

// New creates a data buffer whose readable size is the whole region.
func New(region *memory.Region, recycler Recycler) *Buffer {
	b := &Buffer{region: region, recycler: recycler}
	b.isData.Store(true)
	b.size.Store(int64(region.Size()))
	b.refCnt.Store(1)
	return b
}

// NewEvent creates a buffer carrying a serialized event.
func NewEvent(region *memory.Region, recycler Recycler) *Buffer {
	b := New(region, recycler)
	b.isData.Store(false)
	return b
}

func (b *Buffer) Region() *memory.Region {
	return b.region
}

func (b *Buffer) Recycler() Recycler {
	return b.recycler
}

// IsData returns false for buffers carrying an event.
func (b *Buffer) IsData() bool {
	return b.isData.Load()
}

// TagAsEvent marks the buffer as an event buffer.
func (b *Buffer) TagAsEvent() {
	b.isData.Store(false)
}

func (b *Buffer) Capacity() int {
	return b.region.Size()
}

func (b *Buffer) Size() int {
	return int(b.size.Load())
}

// SetSize sets the readable size.
func (b *Buffer) SetSize(n int) error {
	if b.IsRecycled() || n < 0 || n > b.region.Size() {
		return moerr.NewInvalidSize(n, b.region.Size())
	}
	b.size.Store(int64(n))
	return nil
}

// Bytes returns the readable bytes without copying.
func (b *Buffer) Bytes() ([]byte, error) {
	return b.region.Slice(0, b.Size())
}

func (b *Buffer) RefCnt() int32 {
	return b.refCnt.Load()
}

func (b *Buffer) IsRecycled() bool {
	return b.refCnt.Load() <= 0
}

// Retain adds a reference.
func (b *Buffer) Retain() (*Buffer, error) {
	for {
		cnt := b.refCnt.Load()
		if cnt <= 0 {
			return nil, moerr.NewIllegalRefCnt(cnt)
		}
		if b.refCnt.CompareAndSwap(cnt, cnt+1) {
			return b, nil
		}
	}
}

// Release drops a reference and recycles the region when it was the last
// one. Releasing a recycled buffer fails and never recycles twice.
func (b *Buffer) Release() error {
	for {
		cnt := b.refCnt.Load()
		if cnt <= 0 {
			return moerr.NewIllegalRefCnt(cnt)
		}
		if b.refCnt.CompareAndSwap(cnt, cnt-1) {
			if cnt == 1 {
				b.recycler.Recycle(b.region)
			}
			return nil
		}
	}
}
