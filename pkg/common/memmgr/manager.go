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
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/logutil"
	v2 "github.com/matrixorigin/moexchange/pkg/util/metric/v2"
)

// Manager hands out fixed-size pages of managed memory to owners. Pages are
// tracked per owner so that everything an owner holds can be released at
// once when its task ends.
type Manager struct {
	logger      *zap.Logger
	memorySize  int64
	pageSize    int
	kind        memory.Kind
	preAllocate bool
	totalPages  int
	nextOwner   atomic.Uint64

	mu struct {
		sync.Mutex
		// free holds allocated memory not held by anyone.
		free []memory.Memory
		// unallocated counts pages not materialized yet, lazy mode only.
		unallocated int
		owners      map[memory.Owner]map[*memory.Region]struct{}
		poolOwners  []registeredPoolOwner
		shutdown    bool
	}
}

type registeredPoolOwner struct {
	owner memory.Owner
	pool  PoolOwner
}

// New creates a Manager. The page size must be a power of two no smaller
// than MinPageSize and the memory size must cover at least one page.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logutil.Adjust(m.logger, "memory-manager")

	if m.kind != memory.HeapKind && m.kind != memory.OffHeapKind {
		return nil, moerr.NewInvalidArg("memory kind", m.kind)
	}
	if m.memorySize < 0 {
		return nil, moerr.NewInvalidArg("memory size", m.memorySize)
	}
	if m.pageSize < MinPageSize {
		return nil, moerr.NewInvalidArg("page size", m.pageSize)
	}
	if !IsPowerOf2(int64(m.pageSize)) {
		return nil, moerr.NewInvalidArg("page size not power of two", m.pageSize)
	}
	m.totalPages = int(m.memorySize / int64(m.pageSize))
	if m.totalPages < 1 {
		return nil, moerr.NewInsufficientMemory("memory size %d is less than one page", m.memorySize)
	}

	m.mu.owners = make(map[memory.Owner]map[*memory.Region]struct{})
	if m.preAllocate {
		m.mu.free = make([]memory.Memory, 0, m.totalPages)
		for i := 0; i < m.totalPages; i++ {
			mem, err := memory.NewMemory(m.kind, m.pageSize)
			if err != nil {
				m.closeFree()
				return nil, err
			}
			m.mu.free = append(m.mu.free, mem)
		}
	} else {
		m.mu.unallocated = m.totalPages
	}

	v2.ManagedMemoryTotalPagesGauge.Add(float64(m.totalPages))
	m.updateMetricsLocked()
	m.logger.Info("memory manager created",
		zap.Int64("memory-size", m.memorySize),
		zap.Int("page-size", m.pageSize),
		zap.Int("pages", m.totalPages),
		zap.Stringer("kind", m.kind),
		zap.Bool("pre-allocate", m.preAllocate))
	return m, nil
}

func (m *Manager) PageSize() int {
	return m.pageSize
}

func (m *Manager) TotalPages() int {
	return m.totalPages
}

// NewOwner mints a new owner handle.
func (m *Manager) NewOwner() memory.Owner {
	return memory.Owner(m.nextOwner.Add(1))
}

// AvailablePages returns the number of pages that can still be allocated.
func (m *Manager) AvailablePages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mu.free) + m.mu.unallocated
}

// AllocatePages allocates n pages for owner. Either all n pages are
// allocated or none.
func (m *Manager) AllocatePages(owner memory.Owner, n int) ([]*memory.Region, error) {
	if owner == memory.NoOwner {
		return nil, moerr.NewInvalidArg("page owner", owner)
	}
	if n < 0 {
		return nil, moerr.NewInvalidArg("number of pages", n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.shutdown {
		return nil, moerr.NewShutdown("memory manager")
	}
	if available := len(m.mu.free) + m.mu.unallocated; n > available {
		return nil, moerr.NewMemoryAllocation(n, available)
	}

	pages, ok := m.mu.owners[owner]
	if !ok {
		pages = make(map[*memory.Region]struct{}, n)
		m.mu.owners[owner] = pages
	}
	regions := make([]*memory.Region, 0, n)
	for i := 0; i < n; i++ {
		mem, err := m.takeLocked()
		if err != nil {
			for _, r := range regions {
				delete(pages, r)
				m.releaseLocked(r)
			}
			if len(pages) == 0 {
				delete(m.mu.owners, owner)
			}
			return nil, err
		}
		r := memory.NewRegion(mem, owner)
		pages[r] = struct{}{}
		regions = append(regions, r)
	}
	m.updateMetricsLocked()
	return regions, nil
}

func (m *Manager) takeLocked() (memory.Memory, error) {
	if n := len(m.mu.free); n > 0 {
		mem := m.mu.free[n-1]
		m.mu.free = m.mu.free[:n-1]
		return mem, nil
	}
	mem, err := memory.NewMemory(m.kind, m.pageSize)
	if err != nil {
		return nil, err
	}
	m.mu.unallocated--
	return mem, nil
}

// Release gives one page back. The region handle is freed so that any
// later access through it fails.
func (m *Manager) Release(r *memory.Region) {
	if r == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.shutdown || r.IsFreed() {
		return
	}
	pages, ok := m.mu.owners[r.Owner()]
	if !ok {
		m.logger.Error("release page of unknown owner", zap.Uint64("owner", uint64(r.Owner())))
		return
	}
	if _, ok := pages[r]; !ok {
		return
	}
	delete(pages, r)
	if len(pages) == 0 {
		delete(m.mu.owners, r.Owner())
	}
	m.releaseLocked(r)
	m.updateMetricsLocked()
}

// ReleaseAll gives back every page held by owner.
func (m *Manager) ReleaseAll(owner memory.Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.shutdown {
		return
	}
	for r := range m.mu.owners[owner] {
		m.releaseLocked(r)
	}
	delete(m.mu.owners, owner)
	m.updateMetricsLocked()
}

func (m *Manager) releaseLocked(r *memory.Region) {
	r.Free()
	mem := r.Memory()
	if m.preAllocate {
		if err := mem.Reset(); err != nil {
			m.logger.Error("failed to reset page", zap.Error(err))
		}
		m.mu.free = append(m.mu.free, mem)
		return
	}
	if err := mem.Close(); err != nil {
		m.logger.Error("failed to close page", zap.Error(err))
	}
	m.mu.unallocated++
}

// RegisterPoolOwner registers a buffer pool held by owner as a source of
// reclaimable memory.
func (m *Manager) RegisterPoolOwner(owner memory.Owner, pool PoolOwner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.poolOwners = append(m.mu.poolOwners, registeredPoolOwner{owner: owner, pool: pool})
}

// UnregisterPoolOwners forgets every pool registered for owner.
func (m *Manager) UnregisterPoolOwners(owner memory.Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.mu.poolOwners[:0]
	for _, p := range m.mu.poolOwners {
		if p.owner != owner {
			kept = append(kept, p)
		}
	}
	clear(m.mu.poolOwners[len(kept):])
	m.mu.poolOwners = kept
}

// Reclaim asks the registered pool owners, in registration order, to
// release n buffers in total. It returns the number actually released.
func (m *Manager) Reclaim(n int) (int, error) {
	m.mu.Lock()
	owners := make([]registeredPoolOwner, len(m.mu.poolOwners))
	copy(owners, m.mu.poolOwners)
	m.mu.Unlock()

	released := 0
	for _, p := range owners {
		if released >= n {
			break
		}
		v, err := p.pool.ReleaseMemory(n - released)
		released += v
		if err != nil {
			return released, err
		}
	}
	m.logger.Debug("reclaimed memory", zap.Int("requested", n), zap.Int("released", released))
	return released, nil
}

// Verify returns true if every page has been given back.
func (m *Manager) Verify() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mu.free)+m.mu.unallocated == m.totalPages
}

// Shutdown frees all memory. Pages still held become invalid.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.shutdown {
		return
	}
	m.mu.shutdown = true
	for _, pages := range m.mu.owners {
		for r := range pages {
			r.Free()
			if err := r.Memory().Close(); err != nil {
				m.logger.Error("failed to close page", zap.Error(err))
			}
		}
	}
	m.mu.owners = nil
	m.mu.poolOwners = nil
	m.closeFree()
	m.mu.unallocated = 0
	v2.ManagedMemoryTotalPagesGauge.Sub(float64(m.totalPages))
	m.updateMetricsLocked()
}

func (m *Manager) updateMetricsLocked() {
	v2.ManagedMemoryAvailablePagesGauge.Set(float64(len(m.mu.free) + m.mu.unallocated))
}

func (m *Manager) closeFree() {
	for _, mem := range m.mu.free {
		if err := mem.Close(); err != nil {
			m.logger.Error("failed to close page", zap.Error(err))
		}
	}
	m.mu.free = nil
}
