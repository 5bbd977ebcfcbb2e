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

package memory

// Kind is the backing kind of a Memory.
type Kind uint8

const (
	// HeapKind memory is a Go byte slice managed by the garbage collector.
	HeapKind Kind = iota
	// OffHeapKind memory is mapped outside the Go heap.
	OffHeapKind
)

func (k Kind) String() string {
	switch k {
	case HeapKind:
		return "heap"
	case OffHeapKind:
		return "off-heap"
	default:
		return "unknown"
	}
}

// Owner is an opaque handle identifying the holder of pooled memory. Handles
// are minted by the memory manager; NoOwner marks memory outside any pool.
type Owner uint64

const NoOwner Owner = 0

// Memory is a fixed-size block of bytes. Every backing kind implements it
// once; Region and the pools only talk to this interface.
type Memory interface {
	Kind() Kind
	// Bytes returns the backing bytes. len(Bytes()) is the memory size and
	// never changes.
	Bytes() []byte
	// Reset zeroes the memory before it is handed to a new holder.
	Reset() error
	// Close returns the memory to where it came from. The memory must not be
	// used afterwards.
	Close() error
}

type heapMemory struct {
	data []byte
}

var _ Memory = (*heapMemory)(nil)

// NewHeapMemory allocates size bytes on the Go heap.
func NewHeapMemory(size int) Memory {
	return &heapMemory{data: make([]byte, size)}
}

func (m *heapMemory) Kind() Kind {
	return HeapKind
}

func (m *heapMemory) Bytes() []byte {
	return m.data
}

func (m *heapMemory) Reset() error {
	clear(m.data)
	return nil
}

func (m *heapMemory) Close() error {
	return nil
}

// NewMemory allocates size bytes of the given kind.
func NewMemory(kind Kind, size int) (Memory, error) {
	if kind == OffHeapKind {
		return NewOffHeapMemory(size)
	}
	return NewHeapMemory(size), nil
}
