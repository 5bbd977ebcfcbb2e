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

//go:build linux || darwin

package memory

import (
	"golang.org/x/sys/unix"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
)

type offHeapMemory struct {
	data []byte
}

var _ Memory = (*offHeapMemory)(nil)

// NewOffHeapMemory maps size bytes of anonymous memory outside the Go heap.
func NewOffHeapMemory(size int) (Memory, error) {
	if size <= 0 {
		return nil, moerr.NewInvalidArg("off-heap memory size", size)
	}
	data, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, moerr.NewInsufficientMemory("mmap %d bytes: %v", size, err)
	}
	return &offHeapMemory{data: data}, nil
}

func (m *offHeapMemory) Kind() Kind {
	return OffHeapKind
}

func (m *offHeapMemory) Bytes() []byte {
	return m.data
}

func (m *offHeapMemory) Reset() error {
	return resetMem(m.data)
}

func (m *offHeapMemory) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
