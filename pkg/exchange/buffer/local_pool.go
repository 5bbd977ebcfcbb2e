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
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	v2 "github.com/matrixorigin/moexchange/pkg/util/metric/v2"
)

// LocalBufferPool is the per task share of a NetworkBufferPool. Its
// current size is set by the network pool and stays within [min, max].
type LocalBufferPool struct {
	global *NetworkBufferPool
	numMin int
	numMax int

	mu struct {
		sync.Mutex
		cond      *sync.Cond
		available *queue.Queue
		listeners *queue.Queue
		// requested is the number of segments taken from the network pool,
		// idle or held by buffers.
		requested   int
		currentSize int
		destroyed   bool
	}
}

var _ BufferProvider = (*LocalBufferPool)(nil)
var _ Recycler = (*LocalBufferPool)(nil)

func newLocalBufferPool(global *NetworkBufferPool, min, max int) *LocalBufferPool {
	lp := &LocalBufferPool{
		global: global,
		numMin: min,
		numMax: max,
	}
	lp.mu.cond = sync.NewCond(&lp.mu.Mutex)
	lp.mu.available = queue.New()
	lp.mu.listeners = queue.New()
	lp.mu.currentSize = min
	return lp
}

func (lp *LocalBufferPool) NumMin() int {
	return lp.numMin
}

func (lp *LocalBufferPool) NumMax() int {
	return lp.numMax
}

func (lp *LocalBufferPool) SegmentSize() int {
	return lp.global.segmentSize
}

func (lp *LocalBufferPool) CurrentSize() int {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.mu.currentSize
}

func (lp *LocalBufferPool) Requested() int {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.mu.requested
}

func (lp *LocalBufferPool) Available() int {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.mu.available.Length()
}

func (lp *LocalBufferPool) IsDestroyed() bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.mu.destroyed
}

// RequestBuffer returns a buffer or nil when none is available right now.
func (lp *LocalBufferPool) RequestBuffer() (*Buffer, error) {
	r, err := lp.requestSegment()
	if r == nil || err != nil {
		return nil, err
	}
	return New(r, lp), nil
}

// RequestBufferBlocking waits until a buffer is available. It fails with
// ErrPoolDestroyed when the pool is destroyed and with ErrCancelled when
// ctx is done.
func (lp *LocalBufferPool) RequestBufferBlocking(ctx context.Context) (*Buffer, error) {
	start := time.Now()
	defer func() {
		v2.BufferRequestWaitDurationHistogram.Observe(time.Since(start).Seconds())
	}()

	for {
		if ctx.Err() != nil {
			return nil, moerr.NewCancelled(context.Cause(ctx))
		}
		buf, err := lp.RequestBuffer()
		if err != nil && ctx.Err() != nil {
			return nil, moerr.NewCancelled(context.Cause(ctx))
		}
		if buf != nil || err != nil {
			return buf, err
		}
		if err := lp.waitAvailable(ctx); err != nil {
			return nil, err
		}
	}
}

func (lp *LocalBufferPool) requestSegment() (*memory.Region, error) {
	lp.mu.Lock()
	if lp.mu.destroyed {
		lp.mu.Unlock()
		return nil, moerr.NewPoolDestroyed()
	}
	if lp.mu.available.Length() > 0 {
		r := lp.mu.available.Remove().(*memory.Region)
		lp.mu.Unlock()
		return r, nil
	}
	canGrow := lp.mu.requested < lp.mu.currentSize
	lp.mu.Unlock()

	if !canGrow {
		return nil, nil
	}
	return lp.global.requestSegmentFor(lp)
}

func (lp *LocalBufferPool) waitAvailable(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		lp.mu.Lock()
		defer lp.mu.Unlock()
		lp.mu.cond.Broadcast()
	})
	defer stop()

	lp.mu.Lock()
	defer lp.mu.Unlock()
	for lp.mu.available.Length() == 0 && !lp.mu.destroyed && ctx.Err() == nil {
		lp.mu.cond.Wait()
	}
	if ctx.Err() != nil {
		return moerr.NewCancelled(context.Cause(ctx))
	}
	if lp.mu.destroyed {
		return moerr.NewPoolDestroyed()
	}
	return nil
}

// Recycle takes back a segment of a released buffer. The segment goes to
// at most one registered listener, else to the idle queue, or back to the
// network pool when this pool holds more than its current size.
func (lp *LocalBufferPool) Recycle(r *memory.Region) {
	lp.mu.Lock()
	if lp.mu.destroyed || lp.mu.requested > lp.mu.currentSize {
		lp.mu.Unlock()
		lp.global.returnSegment(lp, r)
		return
	}
	pn, ok := lp.addAvailableLocked(r)
	lp.mu.Unlock()
	if ok {
		fire([]pendingNotification{pn})
	}
}

// addAvailableLocked hands r to the first listener if there is one,
// otherwise queues it and wakes the waiters.
func (lp *LocalBufferPool) addAvailableLocked(r *memory.Region) (pendingNotification, bool) {
	if lp.mu.listeners.Length() > 0 {
		l := lp.mu.listeners.Remove().(BufferListener)
		return pendingNotification{pool: lp, listener: l, region: r}, true
	}
	lp.mu.available.Add(r)
	lp.mu.cond.Broadcast()
	return pendingNotification{}, false
}

// AddBufferListener registers l to be told about the next recycled
// segment. It fails when a segment is available already, in which case the
// caller should request again, or when the pool is destroyed.
func (lp *LocalBufferPool) AddBufferListener(l BufferListener) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.mu.available.Length() > 0 || lp.mu.destroyed {
		return false
	}
	lp.mu.listeners.Add(l)
	return true
}

// ReleaseMemory shrinks the pool by up to n segments, not below its min,
// giving idle segments back to the network pool. Segments in use go back
// when their buffers are recycled.
func (lp *LocalBufferPool) ReleaseMemory(n int) (int, error) {
	return lp.global.releaseMemory(lp, n), nil
}

// Destroy wakes all waiters, tells the listeners, and returns the idle
// segments. Buffers still in use return their segments on recycle.
func (lp *LocalBufferPool) Destroy() {
	lp.mu.Lock()
	if lp.mu.destroyed {
		lp.mu.Unlock()
		return
	}
	lp.mu.destroyed = true
	regions := make([]*memory.Region, 0, lp.mu.available.Length())
	for lp.mu.available.Length() > 0 {
		regions = append(regions, lp.mu.available.Remove().(*memory.Region))
	}
	listeners := make([]BufferListener, 0, lp.mu.listeners.Length())
	for lp.mu.listeners.Length() > 0 {
		listeners = append(listeners, lp.mu.listeners.Remove().(BufferListener))
	}
	lp.mu.cond.Broadcast()
	lp.mu.Unlock()

	for _, l := range listeners {
		l.NotifyBufferDestroyed()
	}
	lp.global.destroyBufferPool(lp, regions)
}
