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
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/memmgr"
	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/logutil"
	"github.com/matrixorigin/moexchange/pkg/util"
	v2 "github.com/matrixorigin/moexchange/pkg/util/metric/v2"
)

// NetworkBufferPool owns a fixed number of equally sized segments and
// divides them among local buffer pools. Whenever a local pool is created
// or destroyed the segments are redistributed so that every pool gets an
// equal share clamped to its [min, max] bounds.
//
// Lock order: the global lock may be held while taking a local pool's
// lock, never the other way round. Local pool operations that need the
// global pool drop their own lock first.
type NetworkBufferPool struct {
	logger        *zap.Logger
	segmentSize   int
	totalSegments int
	kind          memory.Kind
	owner         memory.Owner
	preAllocate   bool

	mu struct {
		sync.Mutex
		available *queue.Queue
		// unallocated segments are not materialized yet
		unallocated int
		exclusive   int
		pools       []*LocalBufferPool
		// draining holds destroyed pools with buffers still in flight.
		draining  map[*LocalBufferPool]struct{}
		destroyed bool
	}
}

type pendingNotification struct {
	pool     *LocalBufferPool
	listener BufferListener
	region   *memory.Region
}

func fire(pending []pendingNotification) {
	for _, pn := range pending {
		pn.listener.NotifyBufferAvailable(New(pn.region, pn.pool))
	}
}

// NewNetworkBufferPool creates a pool of totalBudget/segmentSize segments.
// The segment size must be a power of two no smaller than MinSegmentSize
// and the budget must cover at least one segment.
func NewNetworkBufferPool(totalBudget int64, segmentSize int, opts ...Option) (*NetworkBufferPool, error) {
	p := &NetworkBufferPool{
		segmentSize: segmentSize,
		kind:        memory.OffHeapKind,
		preAllocate: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logutil.Adjust(p.logger, "network-buffer-pool")

	if segmentSize < MinSegmentSize || !memmgr.IsPowerOf2(int64(segmentSize)) {
		return nil, moerr.NewInvalidArg("segment size", segmentSize)
	}
	if totalBudget < 0 {
		return nil, moerr.NewInvalidArg("network memory", totalBudget)
	}
	total := totalBudget / int64(segmentSize)
	if total < 1 {
		return nil, moerr.NewInsufficientMemory("budget %d bytes is less than one segment of %d bytes",
			totalBudget, segmentSize)
	}
	p.totalSegments = int(total)
	p.mu.available = queue.New()
	p.mu.draining = make(map[*LocalBufferPool]struct{})

	if p.preAllocate {
		for i := 0; i < p.totalSegments; i++ {
			mem, err := memory.NewMemory(p.kind, segmentSize)
			if err != nil {
				allocated := p.mu.available.Length()
				for p.mu.available.Length() > 0 {
					freeRegion(p.mu.available.Remove().(*memory.Region))
				}
				return nil, moerr.NewInsufficientMemory(
					"required %d MB, allocated %d MB, missing %d MB: %v",
					(segmentSize*p.totalSegments)>>20,
					(segmentSize*allocated)>>20,
					(segmentSize*(p.totalSegments-allocated))>>20,
					err)
			}
			p.mu.available.Add(memory.NewRegion(mem, p.owner))
		}
	} else {
		p.mu.unallocated = p.totalSegments
	}

	v2.GlobalPoolTotalSegmentsGauge.Set(float64(p.totalSegments))
	p.updateMetricsLocked()
	p.logger.Info("network buffer pool created",
		zap.Int("segments", p.totalSegments),
		zap.Int("segment-size", segmentSize),
		zap.Int("memory-mb", (segmentSize*p.totalSegments)>>20),
		zap.Stringer("kind", p.kind),
		zap.Bool("pre-allocate", p.preAllocate))
	return p, nil
}

func freeRegion(r *memory.Region) {
	r.Free()
	_ = r.Memory().Close()
}

func (p *NetworkBufferPool) SegmentSize() int {
	return p.segmentSize
}

func (p *NetworkBufferPool) TotalSegments() int {
	return p.totalSegments
}

// AvailableSegments returns the number of segments not held by any
// local pool.
func (p *NetworkBufferPool) AvailableSegments() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

func (p *NetworkBufferPool) NumPools() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mu.pools)
}

func (p *NetworkBufferPool) IsDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.destroyed
}

func (p *NetworkBufferPool) availableLocked() int {
	return p.mu.available.Length() + p.mu.unallocated
}

func (p *NetworkBufferPool) takeLocked() *memory.Region {
	if p.mu.available.Length() > 0 {
		return p.mu.available.Remove().(*memory.Region)
	}
	if p.mu.unallocated == 0 {
		return nil
	}
	mem, err := memory.NewMemory(p.kind, p.segmentSize)
	if err != nil {
		p.logger.Error("failed to allocate segment", zap.Error(err))
		return nil
	}
	p.mu.unallocated--
	return memory.NewRegion(mem, p.owner)
}

func (p *NetworkBufferPool) putLocked(r *memory.Region) {
	if p.mu.destroyed {
		freeRegion(r)
		return
	}
	p.mu.available.Add(r)
}

func (p *NetworkBufferPool) updateMetricsLocked() {
	v2.GlobalPoolAvailableSegmentsGauge.Set(float64(p.availableLocked()))
	v2.LocalPoolsGauge.Set(float64(len(p.mu.pools)))
}

// RequestSegment takes one segment outside of any local pool, nil if none
// is available. The segment must be given back by RecycleSegment. Until
// then it is counted in Stats().ExclusiveSegments, not in any pool's
// requested count.
func (p *NetworkBufferPool) RequestSegment() *memory.Region {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mu.destroyed {
		return nil
	}
	r := p.takeLocked()
	if r != nil {
		p.mu.exclusive++
		p.updateMetricsLocked()
	}
	return r
}

// RecycleSegment gives back a segment taken by RequestSegment.
func (p *NetworkBufferPool) RecycleSegment(r *memory.Region) {
	p.mu.Lock()
	p.mu.exclusive--
	p.putLocked(r)
	pending := p.grantLocked(nil)
	p.updateMetricsLocked()
	p.mu.Unlock()
	fire(pending)
}

// CreateBufferPool registers a local pool holding between min and max
// segments and redistributes the segments among all pools.
func (p *NetworkBufferPool) CreateBufferPool(min, max int) (*LocalBufferPool, error) {
	if min < 1 || max < min {
		return nil, moerr.NewInvalidArg("local buffer pool bounds", [2]int{min, max})
	}
	lp := newLocalBufferPool(p, min, max)

	p.mu.Lock()
	if p.mu.destroyed {
		p.mu.Unlock()
		return nil, moerr.NewPoolDestroyed()
	}
	reserved := 0
	for _, other := range p.mu.pools {
		reserved += other.numMin
	}
	if reserved+min > p.totalSegments {
		p.mu.Unlock()
		return nil, moerr.NewInsufficientMemory("required %d segments, %d of %d are reserved",
			min, reserved, p.totalSegments)
	}
	p.mu.pools = append(p.mu.pools, lp)
	pending := p.redistributeLocked()
	p.updateMetricsLocked()
	p.mu.Unlock()

	fire(pending)
	p.logger.Debug("local buffer pool created",
		zap.Int("min", min),
		zap.Int("max", max),
		zap.Int("current-size", lp.CurrentSize()))
	return lp, nil
}

// DestroyBufferPool destroys lp, returning its segments.
func (p *NetworkBufferPool) DestroyBufferPool(lp *LocalBufferPool) {
	lp.Destroy()
}

func (p *NetworkBufferPool) destroyBufferPool(lp *LocalBufferPool, regions []*memory.Region) {
	p.mu.Lock()
	lp.mu.Lock()
	lp.mu.requested -= len(regions)
	remaining := lp.mu.requested
	lp.mu.Unlock()

	for _, r := range regions {
		p.putLocked(r)
	}
	for i, other := range p.mu.pools {
		if other == lp {
			p.mu.pools = append(p.mu.pools[:i], p.mu.pools[i+1:]...)
			break
		}
	}
	if remaining > 0 {
		p.mu.draining[lp] = struct{}{}
	}
	pending := p.redistributeLocked()
	p.updateMetricsLocked()
	p.mu.Unlock()

	fire(pending)
	p.logger.Debug("local buffer pool destroyed",
		zap.Int("returned", len(regions)),
		zap.Int("in-flight", remaining))
}

// redistributeLocked recomputes the size of every local pool. Pools over
// their new size give back idle segments at once and the rest when their
// buffers are recycled; pools under it are topped up from the free queue.
func (p *NetworkBufferPool) redistributeLocked() []pendingNotification {
	if len(p.mu.pools) == 0 {
		return nil
	}
	share := p.totalSegments / len(p.mu.pools)
	for _, lp := range p.mu.pools {
		target := util.Clamp(share, lp.numMin, lp.numMax)
		lp.mu.Lock()
		lp.mu.currentSize = target
		for lp.mu.requested > lp.mu.currentSize && lp.mu.available.Length() > 0 {
			lp.mu.requested--
			p.putLocked(lp.mu.available.Remove().(*memory.Region))
		}
		lp.mu.Unlock()
	}
	return p.grantLocked(nil)
}

// grantLocked hands free segments to pools holding fewer than their
// current size.
func (p *NetworkBufferPool) grantLocked(pending []pendingNotification) []pendingNotification {
	for _, lp := range p.mu.pools {
		if p.availableLocked() == 0 {
			break
		}
		lp.mu.Lock()
		for !lp.mu.destroyed && lp.mu.requested < lp.mu.currentSize {
			r := p.takeLocked()
			if r == nil {
				break
			}
			lp.mu.requested++
			if pn, ok := lp.addAvailableLocked(r); ok {
				pending = append(pending, pn)
			}
		}
		lp.mu.Unlock()
	}
	return pending
}

// requestSegmentFor takes a segment from the free queue for lp if lp is
// below its current size.
func (p *NetworkBufferPool) requestSegmentFor(lp *LocalBufferPool) (*memory.Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if lp.mu.destroyed || p.mu.destroyed {
		return nil, moerr.NewPoolDestroyed()
	}
	if lp.mu.available.Length() > 0 {
		return lp.mu.available.Remove().(*memory.Region), nil
	}
	if lp.mu.requested >= lp.mu.currentSize {
		return nil, nil
	}
	r := p.takeLocked()
	if r == nil {
		return nil, nil
	}
	lp.mu.requested++
	p.updateMetricsLocked()
	return r, nil
}

// returnSegment takes back a segment recycled by lp when lp holds more
// than its current size or is destroyed.
func (p *NetworkBufferPool) returnSegment(lp *LocalBufferPool, r *memory.Region) {
	var pending []pendingNotification

	p.mu.Lock()
	lp.mu.Lock()
	if !lp.mu.destroyed && lp.mu.requested <= lp.mu.currentSize {
		// the pool grew again in the meantime
		if pn, ok := lp.addAvailableLocked(r); ok {
			pending = append(pending, pn)
		}
		lp.mu.Unlock()
		p.mu.Unlock()
		fire(pending)
		return
	}
	lp.mu.requested--
	if lp.mu.destroyed && lp.mu.requested == 0 {
		delete(p.mu.draining, lp)
	}
	lp.mu.Unlock()

	p.putLocked(r)
	pending = p.grantLocked(pending)
	p.updateMetricsLocked()
	p.mu.Unlock()
	fire(pending)
}

// releaseMemory shrinks lp by up to n segments, not below its min, and
// returns its idle segments above the new size.
func (p *NetworkBufferPool) releaseMemory(lp *LocalBufferPool, n int) int {
	p.mu.Lock()
	lp.mu.Lock()
	if lp.mu.destroyed || n <= 0 {
		lp.mu.Unlock()
		p.mu.Unlock()
		return 0
	}
	shrink := min(n, lp.mu.currentSize-lp.numMin)
	if shrink > 0 {
		lp.mu.currentSize -= shrink
	}
	released := 0
	for lp.mu.requested > lp.mu.currentSize && lp.mu.available.Length() > 0 && released < n {
		lp.mu.requested--
		p.putLocked(lp.mu.available.Remove().(*memory.Region))
		released++
	}
	lp.mu.Unlock()

	pending := p.grantLocked(nil)
	p.updateMetricsLocked()
	p.mu.Unlock()
	fire(pending)
	return released
}

// Stats returns a consistent snapshot of the pool and its local pools.
func (p *NetworkBufferPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		TotalSegments:     p.totalSegments,
		AvailableSegments: p.availableLocked(),
		ExclusiveSegments: p.mu.exclusive,
	}
	collect := func(lp *LocalBufferPool) {
		lp.mu.Lock()
		defer lp.mu.Unlock()
		s.Requested = append(s.Requested, lp.mu.requested)
		if !lp.mu.destroyed {
			s.Pools = append(s.Pools, PoolStats{
				Min:         lp.numMin,
				Max:         lp.numMax,
				CurrentSize: lp.mu.currentSize,
				Requested:   lp.mu.requested,
				Available:   lp.mu.available.Length(),
			})
		}
	}
	for _, lp := range p.mu.pools {
		collect(lp)
	}
	for lp := range p.mu.draining {
		collect(lp)
	}
	return s
}

// Destroy destroys every local pool and frees all segments. Segments still
// in flight are freed when they are recycled.
func (p *NetworkBufferPool) Destroy() {
	p.mu.Lock()
	if p.mu.destroyed {
		p.mu.Unlock()
		return
	}
	pools := make([]*LocalBufferPool, len(p.mu.pools))
	copy(pools, p.mu.pools)
	p.mu.Unlock()

	for _, lp := range pools {
		lp.Destroy()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.destroyed = true
	for p.mu.available.Length() > 0 {
		freeRegion(p.mu.available.Remove().(*memory.Region))
	}
	p.mu.unallocated = 0
	p.updateMetricsLocked()
	p.logger.Info("network buffer pool destroyed")
}
