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

package partition

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
)

type countingListener struct {
	mu       sync.Mutex
	total    int
	calls    []int
	released error
}

func (l *countingListener) NotifyBuffersAvailable(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total += n
	l.calls = append(l.calls, n)
}

func (l *countingListener) NotifyPartitionReleased(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = cause
}

func (l *countingListener) get() (int, []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, append([]int(nil), l.calls...)
}

type countingRecycler struct {
	n atomic.Int32
}

func (c *countingRecycler) Recycle(r *memory.Region) {
	c.n.Add(1)
	r.Free()
}

func newDataBuffer(c *countingRecycler, tag byte) *buffer.Buffer {
	r := memory.AllocateUnpooled(16, memory.NoOwner)
	_ = r.Put(0, tag)
	buf := buffer.New(r, c)
	_ = buf.SetSize(1)
	return buf
}

func tagOf(t *testing.T, buf *buffer.Buffer) byte {
	b, err := buf.Region().Get(0)
	require.NoError(t, err)
	return b
}

func newTestPartition(t *testing.T, typ ResultPartitionType, n int, notifier ConsumableNotifier) *ResultPartition {
	p, err := NewResultPartition("task-1", NewResultPartitionID(), typ, n, nil, notifier)
	require.NoError(t, err)
	return p
}

func TestPipelinedSubpartitionReadInOrder(t *testing.T) {
	rc := &countingRecycler{}
	p := newTestPartition(t, Pipelined, 1, nil)
	for i := byte(1); i <= 3; i++ {
		require.NoError(t, p.Add(newDataBuffer(rc, i), 0))
	}

	l := &countingListener{}
	view, err := p.CreateSubpartitionView(0, l)
	require.NoError(t, err)
	total, calls := l.get()
	assert.Equal(t, 3, total)
	assert.Equal(t, []int{3}, calls)
	assert.Equal(t, 3, view.Backlog())

	for i := byte(1); i <= 3; i++ {
		buf, err := view.GetNextBuffer()
		require.NoError(t, err)
		require.NotNil(t, buf)
		assert.Equal(t, i, tagOf(t, buf))
		require.NoError(t, buf.Release())
	}
	buf, err := view.GetNextBuffer()
	require.NoError(t, err)
	assert.Nil(t, buf)
	assert.Equal(t, int32(3), rc.n.Load())
	assert.Equal(t, int64(3), p.TotalBuffers())
	assert.Equal(t, int64(3), p.TotalBytes())
}

func TestPipelinedSubpartitionReleaseBeforeDrain(t *testing.T) {
	rc := &countingRecycler{}
	p := newTestPartition(t, Pipelined, 1, nil)
	for i := byte(1); i <= 3; i++ {
		require.NoError(t, p.Add(newDataBuffer(rc, i), 0))
	}
	l := &countingListener{}
	view, err := p.CreateSubpartitionView(0, l)
	require.NoError(t, err)

	buf, err := view.GetNextBuffer()
	require.NoError(t, err)
	assert.Equal(t, byte(1), tagOf(t, buf))

	cause := moerr.NewInternalError("producer failed")
	p.Release(cause)
	p.Release(nil)
	assert.Equal(t, int32(2), rc.n.Load())
	assert.True(t, view.IsReleased())
	assert.Equal(t, cause, p.Cause())
	assert.Equal(t, cause, l.released)

	_, err = view.GetNextBuffer()
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrPartitionReleased))

	require.NoError(t, buf.Release())
	assert.Equal(t, int32(3), rc.n.Load())

	err = p.Add(newDataBuffer(rc, 4), 0)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrPartitionReleased))
	assert.Equal(t, int32(4), rc.n.Load())

	_, err = p.CreateSubpartitionView(0, l)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrPartitionReleased))
}

func TestSubpartitionNotifications(t *testing.T) {
	rc := &countingRecycler{}
	p := newTestPartition(t, Pipelined, 2, nil)
	l := &countingListener{}
	view, err := p.CreateSubpartitionView(1, l)
	require.NoError(t, err)

	_, err = p.CreateSubpartitionView(1, &countingListener{})
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrViewAlreadyExists))

	require.NoError(t, p.Add(newDataBuffer(rc, 1), 1))
	require.NoError(t, p.Add(newDataBuffer(rc, 2), 1))
	require.NoError(t, p.Add(newDataBuffer(rc, 3), 0))
	total, calls := l.get()
	assert.Equal(t, 2, total)
	assert.Equal(t, []int{0, 1, 1}, calls)

	// a released view can be replaced
	view.ReleaseAllResources()
	assert.True(t, view.IsReleased())
	_, err = view.GetNextBuffer()
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrPartitionReleased))
	l2 := &countingListener{}
	_, err = p.CreateSubpartitionView(1, l2)
	require.NoError(t, err)
	total, _ = l2.get()
	assert.Equal(t, 2, total)

	_, err = p.CreateSubpartitionView(2, l)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrIndexOutOfRange))
	err = p.Add(newDataBuffer(rc, 9), -1)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrIndexOutOfRange))
	assert.Equal(t, int32(1), rc.n.Load())

	p.Release(nil)
	assert.Equal(t, int32(4), rc.n.Load())
}

func TestFinish(t *testing.T) {
	rc := &countingRecycler{}
	p := newTestPartition(t, Pipelined, 2, nil)
	require.NoError(t, p.Add(newDataBuffer(rc, 1), 0))
	require.NoError(t, p.Finish())
	require.NoError(t, p.Finish())
	assert.True(t, p.IsFinished())

	s, err := p.Subpartition(0)
	require.NoError(t, err)
	assert.True(t, s.IsFinished())
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, s.Backlog())

	err = p.Add(newDataBuffer(rc, 2), 0)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrInternal))

	view, err := p.CreateSubpartitionView(0, &countingListener{})
	require.NoError(t, err)
	assert.False(t, view.NextBufferIsEvent())
	buf, err := view.GetNextBuffer()
	require.NoError(t, err)
	assert.True(t, buf.IsData())
	assert.True(t, view.NextBufferIsEvent())
	require.NoError(t, buf.Release())
	buf, err = view.GetNextBuffer()
	require.NoError(t, err)
	ev, err := event.FromBuffer(buf)
	require.NoError(t, err)
	assert.True(t, event.IsEndOfPartition(ev))
	require.NoError(t, buf.Release())
	assert.Equal(t, 0, view.Backlog())

	p.Release(nil)
	assert.Equal(t, int32(2), rc.n.Load())
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []ResultPartitionID
}

func (n *recordingNotifier) NotifyPartitionConsumable(id ResultPartitionID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ids)
}

func TestConsumableNotification(t *testing.T) {
	rc := &countingRecycler{}

	n := &recordingNotifier{}
	p := newTestPartition(t, Pipelined, 1, n)
	assert.Equal(t, 0, n.count())
	require.NoError(t, p.Add(newDataBuffer(rc, 1), 0))
	require.NoError(t, p.Add(newDataBuffer(rc, 2), 0))
	require.NoError(t, p.Finish())
	assert.Equal(t, 1, n.count())
	p.Release(nil)

	n = &recordingNotifier{}
	p = newTestPartition(t, Blocking, 1, n)
	require.NoError(t, p.Add(newDataBuffer(rc, 1), 0))
	assert.Equal(t, 0, n.count())
	require.NoError(t, p.Finish())
	assert.Equal(t, 1, n.count())
	assert.Equal(t, p.ID(), n.ids[0])
	p.Release(nil)
}

func TestNewResultPartitionValidation(t *testing.T) {
	_, err := NewResultPartition("t", NewResultPartitionID(), Pipelined, 0, nil, nil)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidArg))
	_, err = NewResultPartition("t", NewResultPartitionID(), ResultPartitionType(7), 1, nil, nil)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidArg))
	_, err = newTestPartition(t, Pipelined, 1, nil).Subpartition(1)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrIndexOutOfRange))
}

func TestSetBufferPool(t *testing.T) {
	global, err := buffer.NewNetworkBufferPool(8*buffer.MinSegmentSize, buffer.MinSegmentSize,
		buffer.WithMemoryKind(memory.HeapKind))
	require.NoError(t, err)
	defer global.Destroy()

	p := newTestPartition(t, PipelinedBounded, 2, nil)
	small, err := global.CreateBufferPool(1, 2)
	require.NoError(t, err)
	err = p.SetBufferPool(small)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidArg))
	small.Destroy()

	pool, err := global.CreateBufferPool(2, 4)
	require.NoError(t, err)
	require.NoError(t, p.SetBufferPool(pool))
	assert.Equal(t, pool, p.BufferPool())
	other, err := global.CreateBufferPool(2, 4)
	require.NoError(t, err)
	err = p.SetBufferPool(other)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrInternal))
	other.Destroy()

	buf, err := pool.RequestBuffer()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, p.Add(buf, 1))
	p.Release(nil)
	p.DestroyBufferPool()
	assert.True(t, pool.IsDestroyed())
	assert.Equal(t, 8, global.AvailableSegments())
}
