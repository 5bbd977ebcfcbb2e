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
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
	v2 "github.com/matrixorigin/moexchange/pkg/util/metric/v2"
)

// ViewProvider creates subpartition views, see partition.Registry.
type ViewProvider interface {
	CreateSubpartitionView(
		id partition.ResultPartitionID,
		index int,
		listener partition.BufferAvailabilityListener) (*partition.PipelinedSubpartitionView, error)
}

// LocalInputChannel reads a subpartition produced in the same process.
type LocalInputChannel struct {
	baseChannel
	provider ViewProvider
	view     atomic.Pointer[partition.PipelinedSubpartitionView]
}

var _ InputChannel = (*LocalInputChannel)(nil)
var _ partition.ReleaseListener = (*LocalInputChannel)(nil)

func NewLocalInputChannel(
	gate *InputGate,
	index int,
	id partition.ResultPartitionID,
	provider ViewProvider,
	opts ...ChannelOption) *LocalInputChannel {
	c := &LocalInputChannel{provider: provider}
	c.init(gate, index, id, "local-input-channel", opts)
	return c
}

func (c *LocalInputChannel) RequestSubpartition(ctx context.Context, index int) error {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()
	ok, err := c.beginRequest()
	if !ok || err != nil {
		return err
	}

	attempts, err := requestWithBackoff(ctx, c.opts.backoff, c.logger, func() error {
		view, err := c.provider.CreateSubpartitionView(c.partitionID, index, c)
		if err != nil {
			return err
		}
		c.view.Store(view)
		return nil
	})
	if err != nil {
		c.logger.Error("failed to request subpartition",
			zap.Int("subpartition", index),
			zap.Int("attempts", attempts),
			zap.Error(err))
		c.reportFailure(err)
		return err
	}
	if !c.transition(Requested, Active) {
		c.view.Load().ReleaseAllResources()
		return moerr.NewChannelReleased(c.index)
	}
	c.logger.Debug("requested subpartition",
		zap.Int("subpartition", index),
		zap.Int("attempts", attempts))
	return nil
}

func (c *LocalInputChannel) GetNextBuffer() (*buffer.Buffer, bool, error) {
	if c.IsReleased() {
		return nil, false, moerr.NewChannelReleased(c.index)
	}
	if buf := c.pollEvent(); buf != nil {
		return buf, c.consumed(), nil
	}
	view := c.view.Load()
	if view == nil {
		return nil, false, moerr.NewInternalError("input channel %d has not requested its subpartition", c.index)
	}
	buf, err := view.GetNextBuffer()
	if err != nil {
		return nil, false, err
	}
	if buf == nil {
		return nil, false, moerr.NewInternalError("input channel %d has no buffer available", c.index)
	}
	if buf.IsData() {
		v2.BuffersConsumedCounter.Inc()
	}
	return buf, c.consumed(), nil
}

// NotifyPartitionReleased reports a producer side release that happened
// before the end of partition was read.
func (c *LocalInputChannel) NotifyPartitionReleased(cause error) {
	if c.finished.Load() {
		return
	}
	err := moerr.NewPartitionReleased(c.partitionID)
	if cause != nil {
		err = err.WithDetail(cause.Error())
	}
	c.reportFailure(err)
}

func (c *LocalInputChannel) NotifySubpartitionConsumed() error {
	c.finished.Store(true)
	if view := c.view.Load(); view != nil {
		view.NotifySubpartitionConsumed()
	}
	return nil
}

func (c *LocalInputChannel) SendTaskEvent(ctx context.Context, ev event.Event) error {
	if c.IsReleased() {
		return moerr.NewChannelReleased(c.index)
	}
	if c.opts.taskEvents == nil || !c.opts.taskEvents.Publish(c.partitionID, ev) {
		return moerr.NewPartitionNotFound(c.partitionID)
	}
	return nil
}

// Release detaches the channel from its view. Buffers still queued in the
// subpartition belong to the producer.
func (c *LocalInputChannel) Release() error {
	if !c.markReleased() {
		return nil
	}
	if view := c.view.Load(); view != nil {
		view.ReleaseAllResources()
	}
	c.logger.Debug("local input channel released")
	return nil
}
