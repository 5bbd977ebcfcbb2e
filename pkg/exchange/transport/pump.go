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

package transport

import (
	"context"
	"sync"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
)

// sendFunc delivers one buffer of a subpartition. It owns buf.
type sendFunc func(buf *buffer.Buffer, seq uint64, backlog int) error

// pump moves the buffers of one subpartition view to a consumer in order,
// holding data back while a credit based consumer has no credit.
type pump struct {
	id          partition.ResultPartitionID
	creditBased bool
	view        *partition.PipelinedSubpartitionView
	seq         uint64

	mu struct {
		sync.Mutex
		cond      *sync.Cond
		available int
		credit    int
		closed    bool
		err       error
	}
}

var _ partition.BufferAvailabilityListener = (*pump)(nil)
var _ partition.ReleaseListener = (*pump)(nil)

func newPump(id partition.ResultPartitionID, creditBased bool, initialCredit int) *pump {
	p := &pump{id: id, creditBased: creditBased}
	p.mu.cond = sync.NewCond(&p.mu.Mutex)
	p.mu.credit = initialCredit
	return p
}

// attach creates the view the pump reads from.
func (p *pump) attach(registry *partition.Registry, index int) error {
	if registry == nil {
		return moerr.NewPartitionNotFound(p.id)
	}
	view, err := registry.CreateSubpartitionView(p.id, index, p)
	if err != nil {
		return err
	}
	p.view = view
	return nil
}

func (p *pump) NotifyBuffersAvailable(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.available += n
	p.mu.cond.Broadcast()
}

func (p *pump) NotifyPartitionReleased(cause error) {
	err := moerr.NewPartitionReleased(p.id)
	if cause != nil {
		err = err.WithDetail(cause.Error())
	}
	p.fail(err)
}

func (p *pump) addCredit(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.credit += n
	p.mu.cond.Broadcast()
}

func (p *pump) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mu.err == nil {
		p.mu.err = err
	}
	p.mu.cond.Broadcast()
}

func (p *pump) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.closed = true
	p.mu.cond.Broadcast()
}

func (p *pump) readyLocked() bool {
	if p.mu.closed || p.mu.err != nil {
		return true
	}
	if p.mu.available == 0 {
		return false
	}
	return !p.creditBased || p.mu.credit > 0 || p.view.NextBufferIsEvent()
}

// next waits for the next buffer that may be sent. It returns nil when the
// pump is closed.
func (p *pump) next(ctx context.Context) (*buffer.Buffer, error) {
	stop := context.AfterFunc(ctx, p.close)
	defer stop()

	p.mu.Lock()
	for !p.readyLocked() {
		p.mu.cond.Wait()
	}
	if p.mu.closed {
		p.mu.Unlock()
		return nil, nil
	}
	if p.mu.err != nil {
		err := p.mu.err
		p.mu.Unlock()
		return nil, err
	}
	p.mu.available--
	if p.creditBased && !p.view.NextBufferIsEvent() {
		p.mu.credit--
	}
	p.mu.Unlock()

	buf, err := p.view.GetNextBuffer()
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, moerr.NewInternalError("subpartition view of %s announced a buffer it does not have", p.id)
	}
	return buf, nil
}

// run sends every buffer of the view until the end of partition was sent,
// the pump is closed or an error occurs.
func (p *pump) run(ctx context.Context, send sendFunc) error {
	defer p.view.ReleaseAllResources()
	for {
		buf, err := p.next(ctx)
		if err != nil || buf == nil {
			return err
		}
		eop := false
		if !buf.IsData() {
			if ev, err := event.FromBuffer(buf); err == nil {
				eop = event.IsEndOfPartition(ev)
			}
		}
		seq := p.seq
		p.seq++
		if err := send(buf, seq, p.view.Backlog()); err != nil {
			return err
		}
		if eop {
			p.view.NotifySubpartitionConsumed()
			return nil
		}
	}
}
