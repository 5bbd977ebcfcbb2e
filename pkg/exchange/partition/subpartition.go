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

	"github.com/eapache/queue"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
)

// PipelinedSubpartition is an in-memory FIFO of the buffers produced for
// one consumer. At most one read view is outstanding at a time.
type PipelinedSubpartition struct {
	parent *ResultPartition
	index  int

	mu struct {
		sync.Mutex
		buffers  *queue.Queue
		view     *PipelinedSubpartitionView
		backlog  int
		finished bool
		released bool
	}
}

func newPipelinedSubpartition(parent *ResultPartition, index int) *PipelinedSubpartition {
	s := &PipelinedSubpartition{parent: parent, index: index}
	s.mu.buffers = queue.New()
	return s
}

func (s *PipelinedSubpartition) Index() int {
	return s.index
}

// Add appends buf. The subpartition takes ownership of buf even on error.
func (s *PipelinedSubpartition) Add(buf *buffer.Buffer) error {
	return s.add(buf, false)
}

// Finish appends the end of partition event. Later adds fail.
func (s *PipelinedSubpartition) Finish() error {
	buf, err := event.ToBuffer(event.EndOfPartition{})
	if err != nil {
		return err
	}
	return s.add(buf, true)
}

func (s *PipelinedSubpartition) add(buf *buffer.Buffer, finish bool) error {
	s.mu.Lock()
	if s.mu.released {
		s.mu.Unlock()
		_ = buf.Release()
		return moerr.NewPartitionReleased(s.parent.id)
	}
	if s.mu.finished {
		s.mu.Unlock()
		_ = buf.Release()
		return moerr.NewInternalError("subpartition %d of %s is finished", s.index, s.parent.id)
	}
	s.mu.buffers.Add(buf)
	if buf.IsData() {
		s.mu.backlog++
	}
	s.mu.finished = finish
	view := s.mu.view
	s.mu.Unlock()

	if view != nil {
		view.notifyBuffersAvailable(1)
	}
	return nil
}

// Backlog returns the number of queued data buffers.
func (s *PipelinedSubpartition) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.backlog
}

// Len returns the number of queued buffers including events.
func (s *PipelinedSubpartition) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.buffers.Length()
}

func (s *PipelinedSubpartition) IsReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.released
}

func (s *PipelinedSubpartition) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.finished
}

// CreateReadView binds listener to this subpartition and tells it about the
// buffers already queued.
func (s *PipelinedSubpartition) CreateReadView(listener BufferAvailabilityListener) (*PipelinedSubpartitionView, error) {
	s.mu.Lock()
	if s.mu.released {
		s.mu.Unlock()
		return nil, moerr.NewPartitionReleased(s.parent.id)
	}
	// view.IsReleased locks s.mu.
	if s.mu.view != nil && !s.mu.view.released.Load() {
		s.mu.Unlock()
		return nil, moerr.NewViewAlreadyExists(s.index, s.parent.id)
	}
	n := s.mu.buffers.Length()
	view := &PipelinedSubpartitionView{parent: s, listener: listener}
	s.mu.view = view
	s.mu.Unlock()

	view.notifyBuffersAvailable(n)
	return view, nil
}

func (s *PipelinedSubpartition) poll() (*buffer.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.released {
		return nil, moerr.NewPartitionReleased(s.parent.id)
	}
	if s.mu.buffers.Length() == 0 {
		return nil, nil
	}
	buf := s.mu.buffers.Remove().(*buffer.Buffer)
	if buf.IsData() {
		s.mu.backlog--
	}
	return buf, nil
}

func (s *PipelinedSubpartition) nextIsEvent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.buffers.Length() == 0 {
		return false
	}
	return !s.mu.buffers.Peek().(*buffer.Buffer).IsData()
}

// Release drops every queued buffer. It is idempotent.
func (s *PipelinedSubpartition) Release(cause error) {
	s.mu.Lock()
	if s.mu.released {
		s.mu.Unlock()
		return
	}
	s.mu.released = true
	bufs := make([]*buffer.Buffer, 0, s.mu.buffers.Length())
	for s.mu.buffers.Length() > 0 {
		bufs = append(bufs, s.mu.buffers.Remove().(*buffer.Buffer))
	}
	s.mu.backlog = 0
	view := s.mu.view
	s.mu.Unlock()

	for _, buf := range bufs {
		_ = buf.Release()
	}
	if view != nil {
		view.notifyReleased(cause)
	}
}

// PipelinedSubpartitionView is the consumer handle of a subpartition.
type PipelinedSubpartitionView struct {
	parent   *PipelinedSubpartition
	listener BufferAvailabilityListener
	released atomic.Bool
	consumed atomic.Bool
}

func (v *PipelinedSubpartitionView) notifyBuffersAvailable(n int) {
	if v.released.Load() {
		return
	}
	v.listener.NotifyBuffersAvailable(n)
}

func (v *PipelinedSubpartitionView) notifyReleased(cause error) {
	if v.released.Load() {
		return
	}
	if l, ok := v.listener.(ReleaseListener); ok {
		l.NotifyPartitionReleased(cause)
	}
}

// GetNextBuffer pops the head of the subpartition, or returns nil if it is
// empty.
func (v *PipelinedSubpartitionView) GetNextBuffer() (*buffer.Buffer, error) {
	if v.released.Load() {
		return nil, moerr.NewPartitionReleased(v.parent.parent.id)
	}
	return v.parent.poll()
}

// Backlog returns the data buffers still queued behind this view.
func (v *PipelinedSubpartitionView) Backlog() int {
	return v.parent.Backlog()
}

// NextBufferIsEvent returns true if the head of the subpartition is an
// event. Events are sent without credit.
func (v *PipelinedSubpartitionView) NextBufferIsEvent() bool {
	return v.parent.nextIsEvent()
}

func (v *PipelinedSubpartitionView) IsReleased() bool {
	return v.released.Load() || v.parent.IsReleased()
}

// ReleaseAllResources detaches the view. Queued buffers stay with the
// subpartition until it is released.
func (v *PipelinedSubpartitionView) ReleaseAllResources() {
	v.released.Store(true)
}

// NotifySubpartitionConsumed tells the partition that the consumer read
// everything it wants from this subpartition.
func (v *PipelinedSubpartitionView) NotifySubpartitionConsumed() {
	if v.consumed.CompareAndSwap(false, true) {
		v.parent.parent.onConsumedSubpartition(v.parent.index)
	}
}
