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

package input

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
	"github.com/matrixorigin/moexchange/pkg/exchange/transport"
	v2 "github.com/matrixorigin/moexchange/pkg/util/metric/v2"
)

// RemoteInputChannel reads a subpartition through a transport session.
type RemoteInputChannel struct {
	baseChannel
	connMgr       transport.ConnectionManager
	address       string
	initialCredit int
	// backlog is the last backlog reported by the producer.
	backlog atomic.Int64

	mu struct {
		sync.Mutex
		session     transport.Session
		received    *queue.Queue
		expectedSeq uint64
		err         error
	}
}

var _ InputChannel = (*RemoteInputChannel)(nil)
var _ transport.Receiver = (*RemoteInputChannel)(nil)

// NewRemoteInputChannel creates a channel reading from the producer at
// address. initialCredit is announced when the session opens on a credit
// based partition.
func NewRemoteInputChannel(
	gate *InputGate,
	index int,
	id partition.ResultPartitionID,
	address string,
	connMgr transport.ConnectionManager,
	initialCredit int,
	opts ...ChannelOption) *RemoteInputChannel {
	c := &RemoteInputChannel{
		connMgr:       connMgr,
		address:       address,
		initialCredit: initialCredit,
	}
	c.init(gate, index, id, "remote-input-channel", opts)
	c.mu.received = queue.New()
	return c
}

func (c *RemoteInputChannel) creditBased() bool {
	return c.gate.consumedType.IsCreditBased()
}

func (c *RemoteInputChannel) RequestSubpartition(ctx context.Context, index int) error {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()
	ok, err := c.beginRequest()
	if !ok || err != nil {
		return err
	}

	req := transport.Request{
		PartitionID:       c.partitionID,
		SubpartitionIndex: index,
		Address:           c.address,
	}
	if c.creditBased() {
		req.InitialCredit = c.initialCredit
	}
	attempts, err := requestWithBackoff(ctx, c.opts.backoff, c.logger, func() error {
		s, err := c.connMgr.Open(ctx, req, c)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.mu.session = s
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		c.logger.Error("failed to request remote subpartition",
			zap.String("address", c.address),
			zap.Int("subpartition", index),
			zap.Int("attempts", attempts),
			zap.Error(err))
		c.reportFailure(err)
		return err
	}
	if !c.transition(Requested, Active) {
		c.closeSession()
		return moerr.NewChannelReleased(c.index)
	}
	c.logger.Debug("requested remote subpartition",
		zap.String("address", c.address),
		zap.Int("subpartition", index),
		zap.Int("attempts", attempts))
	return nil
}

// RequestBuffer takes a buffer from the gate's pool for an incoming payload.
func (c *RemoteInputChannel) RequestBuffer(ctx context.Context) (*buffer.Buffer, error) {
	if c.IsReleased() {
		return nil, moerr.NewChannelReleased(c.index)
	}
	pool := c.gate.BufferPool()
	if pool == nil {
		return nil, moerr.NewInternalError("input gate of %s has no buffer pool", c.gate.owner)
	}
	return pool.RequestBufferBlocking(ctx)
}

func (c *RemoteInputChannel) OnBuffer(buf *buffer.Buffer, seq uint64, backlog int) error {
	c.mu.Lock()
	if c.IsReleased() {
		c.mu.Unlock()
		_ = buf.Release()
		return moerr.NewChannelReleased(c.index)
	}
	if seq != c.mu.expectedSeq {
		expected := c.mu.expectedSeq
		c.mu.Unlock()
		_ = buf.Release()
		err := moerr.NewInternalError("input channel %d got buffer %d, expected %d", c.index, seq, expected)
		c.OnError(err)
		return err
	}
	c.mu.expectedSeq++
	c.mu.received.Add(buf)
	c.mu.Unlock()

	c.backlog.Store(int64(backlog))
	c.NotifyBuffersAvailable(1)
	return nil
}

func (c *RemoteInputChannel) OnError(err error) {
	c.mu.Lock()
	if c.mu.err == nil {
		c.mu.err = err
	}
	c.mu.Unlock()
	if c.finished.Load() {
		return
	}
	c.reportFailure(err)
}

// Backlog returns the producer backlog reported with the last buffer.
func (c *RemoteInputChannel) Backlog() int {
	return int(c.backlog.Load())
}

func (c *RemoteInputChannel) GetNextBuffer() (*buffer.Buffer, bool, error) {
	if c.IsReleased() {
		return nil, false, moerr.NewChannelReleased(c.index)
	}
	if buf := c.pollEvent(); buf != nil {
		return buf, c.consumed(), nil
	}

	c.mu.Lock()
	if c.mu.err != nil {
		err := c.mu.err
		c.mu.Unlock()
		return nil, false, err
	}
	if c.mu.received.Length() == 0 {
		c.mu.Unlock()
		return nil, false, moerr.NewInternalError("input channel %d has no buffer available", c.index)
	}
	buf := c.mu.received.Remove().(*buffer.Buffer)
	session := c.mu.session
	c.mu.Unlock()

	if buf.IsData() {
		v2.BuffersConsumedCounter.Inc()
		if c.creditBased() && session != nil {
			if err := session.AnnounceCredit(1); err != nil {
				c.logger.Warn("failed to announce credit", zap.Error(err))
			}
		}
	}
	return buf, c.consumed(), nil
}

func (c *RemoteInputChannel) NotifySubpartitionConsumed() error {
	c.finished.Store(true)
	return nil
}

func (c *RemoteInputChannel) SendTaskEvent(ctx context.Context, ev event.Event) error {
	if c.IsReleased() {
		return moerr.NewChannelReleased(c.index)
	}
	c.mu.Lock()
	session := c.mu.session
	c.mu.Unlock()
	if session == nil {
		return moerr.NewInternalError("input channel %d has not requested its subpartition", c.index)
	}
	return session.SendTaskEvent(ev)
}

func (c *RemoteInputChannel) closeSession() {
	c.mu.Lock()
	session := c.mu.session
	c.mu.session = nil
	c.mu.Unlock()
	if session != nil {
		if err := session.Close(); err != nil {
			c.logger.Warn("failed to close session", zap.Error(err))
		}
	}
}

// Release closes the session and recycles every received buffer.
func (c *RemoteInputChannel) Release() error {
	if !c.markReleased() {
		return nil
	}
	c.closeSession()

	c.mu.Lock()
	bufs := make([]*buffer.Buffer, 0, c.mu.received.Length())
	for c.mu.received.Length() > 0 {
		bufs = append(bufs, c.mu.received.Remove().(*buffer.Buffer))
	}
	c.mu.Unlock()
	for _, buf := range bufs {
		_ = buf.Release()
	}
	c.logger.Debug("remote input channel released", zap.Int("dropped", len(bufs)))
	return nil
}
