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

//go:build !linux && !darwin

package memory

import (
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
)

// offHeapMemory falls back to heap bytes on platforms without mmap support.
type offHeapMemory struct {
	heapMemory
}

// NewOffHeapMemory allocates size bytes. Without mmap the bytes live on the
// Go heap but the memory still reports OffHeapKind.
func NewOffHeapMemory(size int) (Memory, error) {
	if size <= 0 {
		return nil, moerr.NewInvalidArg("off-heap memory size", size)
	}
	return &offHeapMemory{heapMemory{data: make([]byte, size)}}, nil
}

func (m *offHeapMemory) Kind() Kind {
	return OffHeapKind
}
