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

	"github.com/RoaringBitmap/roaring"
	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
	"github.com/matrixorigin/moexchange/pkg/logutil"
)

// BufferOrEvent is one item read from an input gate.
type BufferOrEvent struct {
	Buffer       *buffer.Buffer
	Event        event.Event
	ChannelIndex int
	// MoreAvailable is true if other channels of the gate were ready when
	// this item was taken.
	MoreAvailable bool
}

func (b *BufferOrEvent) IsBuffer() bool {
	return b.Buffer != nil
}

func (b *BufferOrEvent) IsEvent() bool {
	return b.Event != nil
}

// GateOption option for create InputGate
type GateOption func(*InputGate)

// WithLogger set logger
func WithLogger(logger *zap.Logger) GateOption {
	return func(g *InputGate) {
		g.logger = logger
	}
}

// InputGate multiplexes the channels of one consumer task into a single
// stream. There is no order across channels; each channel is read FIFO.
type InputGate struct {
	owner             string
	consumedType      partition.ResultPartitionType
	subpartitionIndex int
	numChannels       int
	logger            *zap.Logger

	chMu struct {
		sync.RWMutex
		channels    []InputChannel
		byPartition map[partition.ResultPartitionID]InputChannel
		pool        *buffer.LocalBufferPool
	}

	requestMu struct {
		sync.Mutex
		requested bool
		err       error
	}

	mu struct {
		sync.Mutex
		cond *sync.Cond
		// ready holds channel indexes with data, enqueued mirrors it.
		ready    *queue.Queue
		enqueued *roaring.Bitmap
		ended    *roaring.Bitmap
		finished bool
		released bool
		err      error
	}
}

// NewInputGate creates a gate reading subpartitionIndex of numChannels
// upstream partitions.
func NewInputGate(
	owner string,
	consumedType partition.ResultPartitionType,
	subpartitionIndex int,
	numChannels int,
	opts ...GateOption) (*InputGate, error) {
	if numChannels <= 0 {
		return nil, moerr.NewInvalidArg("number of input channels", numChannels)
	}
	if subpartitionIndex < 0 {
		return nil, moerr.NewInvalidArg("consumed subpartition index", subpartitionIndex)
	}
	g := &InputGate{
		owner:             owner,
		consumedType:      consumedType,
		subpartitionIndex: subpartitionIndex,
		numChannels:       numChannels,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logutil.Adjust(g.logger, "input-gate").With(zap.String("owner", owner))
	g.chMu.channels = make([]InputChannel, numChannels)
	g.chMu.byPartition = make(map[partition.ResultPartitionID]InputChannel, numChannels)
	g.mu.cond = sync.NewCond(&g.mu.Mutex)
	g.mu.ready = queue.New()
	g.mu.enqueued = roaring.New()
	g.mu.ended = roaring.New()
	return g, nil
}

func (g *InputGate) Owner() string {
	return g.owner
}

func (g *InputGate) ConsumedType() partition.ResultPartitionType {
	return g.consumedType
}

func (g *InputGate) ConsumedSubpartitionIndex() int {
	return g.subpartitionIndex
}

func (g *InputGate) NumChannels() int {
	return g.numChannels
}

// SetInputChannel installs ch for the partition id. Channels must be set
// before partitions are requested.
func (g *InputGate) SetInputChannel(id partition.ResultPartitionID, ch InputChannel) error {
	idx := ch.ChannelIndex()
	if idx < 0 || idx >= g.numChannels {
		return moerr.NewIndexOutOfRange(idx, g.numChannels)
	}
	g.requestMu.Lock()
	defer g.requestMu.Unlock()
	if g.requestMu.requested {
		return moerr.NewInternalError("partitions of %s already requested", g.owner)
	}
	g.chMu.Lock()
	defer g.chMu.Unlock()
	if g.chMu.channels[idx] != nil {
		return moerr.NewInvalidArg("input channel index", idx)
	}
	if _, ok := g.chMu.byPartition[id]; ok {
		return moerr.NewInvalidArg("input channel partition", id.String())
	}
	g.chMu.channels[idx] = ch
	g.chMu.byPartition[id] = ch
	return nil
}

// Channel returns the channel at index or nil.
func (g *InputGate) Channel(index int) InputChannel {
	g.chMu.RLock()
	defer g.chMu.RUnlock()
	if index < 0 || index >= len(g.chMu.channels) {
		return nil
	}
	return g.chMu.channels[index]
}

func (g *InputGate) ChannelByPartition(id partition.ResultPartitionID) (InputChannel, bool) {
	g.chMu.RLock()
	defer g.chMu.RUnlock()
	ch, ok := g.chMu.byPartition[id]
	return ch, ok
}

func (g *InputGate) channels() []InputChannel {
	g.chMu.RLock()
	defer g.chMu.RUnlock()
	return append([]InputChannel(nil), g.chMu.channels...)
}

// SetBufferPool sets the pool remote channels copy incoming buffers into.
// The pool must guarantee at least one buffer per channel.
func (g *InputGate) SetBufferPool(pool *buffer.LocalBufferPool) error {
	if pool.NumMin() < g.numChannels {
		return moerr.NewInvalidArg("buffer pool min size", pool.NumMin())
	}
	g.chMu.Lock()
	defer g.chMu.Unlock()
	if g.chMu.pool != nil {
		return moerr.NewInternalError("buffer pool of input gate %s already set", g.owner)
	}
	g.chMu.pool = pool
	return nil
}

func (g *InputGate) BufferPool() *buffer.LocalBufferPool {
	g.chMu.RLock()
	defer g.chMu.RUnlock()
	return g.chMu.pool
}

// DestroyBufferPool destroys the pool set by SetBufferPool, if any.
func (g *InputGate) DestroyBufferPool() {
	if pool := g.BufferPool(); pool != nil {
		pool.Destroy()
	}
}

// RequestPartitions requests the subpartition of every channel. Only the
// first call does the work; later calls return its result.
func (g *InputGate) RequestPartitions(ctx context.Context) error {
	g.requestMu.Lock()
	defer g.requestMu.Unlock()
	if g.requestMu.requested {
		return g.requestMu.err
	}
	if g.IsReleased() {
		return moerr.NewInputGateReleased(g.owner)
	}
	g.requestMu.requested = true

	channels := g.channels()
	for i, ch := range channels {
		if ch == nil {
			g.requestMu.err = moerr.NewInternalError("input channel %d of %s is not set", i, g.owner)
			return g.requestMu.err
		}
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		eg.Go(func() error {
			return ch.RequestSubpartition(ctx, g.subpartitionIndex)
		})
	}
	g.requestMu.err = eg.Wait()
	if g.requestMu.err != nil {
		g.logger.Error("failed to request partitions", zap.Error(g.requestMu.err))
	}
	return g.requestMu.err
}

// NotifyChannelNonEmpty puts ch on the ready queue.
func (g *InputGate) NotifyChannelNonEmpty(ch InputChannel) {
	g.notifyChannelNonEmpty(ch.ChannelIndex())
}

func (g *InputGate) notifyChannelNonEmpty(index int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mu.released || g.mu.enqueued.Contains(uint32(index)) {
		return
	}
	wasEmpty := g.mu.ready.Length() == 0
	g.mu.ready.Add(index)
	g.mu.enqueued.Add(uint32(index))
	if wasEmpty {
		g.mu.cond.Broadcast()
	}
}

// OnChannelError fails the gate. The first error wins and is returned by
// every later read.
func (g *InputGate) OnChannelError(index int, err error) {
	g.mu.Lock()
	first := g.mu.err == nil && !g.mu.released
	if first {
		g.mu.err = err
		g.mu.cond.Broadcast()
	}
	g.mu.Unlock()
	if first {
		g.logger.Error("input channel failed",
			zap.Int("channel", index),
			zap.Error(err))
	}
}

// GetNextBufferOrEvent blocks until an item is available. It returns nil
// once every channel reached its end of partition and the final
// EndOfPartition item was returned.
func (g *InputGate) GetNextBufferOrEvent(ctx context.Context) (*BufferOrEvent, error) {
	return g.getNext(ctx, true)
}

// PollNextBufferOrEvent returns nil instead of blocking when no channel is
// ready.
func (g *InputGate) PollNextBufferOrEvent() (*BufferOrEvent, error) {
	return g.getNext(context.Background(), false)
}

func (g *InputGate) getNext(ctx context.Context, blocking bool) (*BufferOrEvent, error) {
	boe, err := g.next(ctx, blocking)
	if err != nil && ctx.Err() != nil {
		// Cancel releases the gate after cancelling ctx. Report the cancel.
		return nil, moerr.NewCancelled(context.Cause(ctx))
	}
	return boe, err
}

func (g *InputGate) next(ctx context.Context, blocking bool) (*BufferOrEvent, error) {
	if err := g.RequestPartitions(ctx); err != nil {
		return nil, err
	}
	for {
		idx, more, ok, err := g.pop(ctx, blocking)
		if err != nil || !ok {
			return nil, err
		}
		ch := g.Channel(idx)
		buf, chMore, err := ch.GetNextBuffer()
		if err != nil {
			return nil, err
		}
		if chMore {
			g.notifyChannelNonEmpty(idx)
		}
		if buf.IsData() {
			return &BufferOrEvent{Buffer: buf, ChannelIndex: idx, MoreAvailable: more}, nil
		}

		ev, err := event.FromBuffer(buf)
		_ = buf.Release()
		if err != nil {
			return nil, err
		}
		if !event.IsEndOfPartition(ev) {
			return &BufferOrEvent{Event: ev, ChannelIndex: idx, MoreAvailable: more}, nil
		}
		if g.onEndOfPartition(ch) {
			return &BufferOrEvent{Event: ev, ChannelIndex: idx}, nil
		}
	}
}

// pop takes the next ready channel. ok is false if the gate is finished or
// nothing is ready and blocking is false.
func (g *InputGate) pop(ctx context.Context, blocking bool) (idx int, more bool, ok bool, err error) {
	if blocking {
		stop := context.AfterFunc(ctx, func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.mu.cond.Broadcast()
		})
		defer stop()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		switch {
		case ctx.Err() != nil:
			return 0, false, false, moerr.NewCancelled(context.Cause(ctx))
		case g.mu.released:
			return 0, false, false, moerr.NewInputGateReleased(g.owner)
		case g.mu.err != nil:
			return 0, false, false, g.mu.err
		case g.mu.ready.Length() > 0:
			idx = g.mu.ready.Remove().(int)
			g.mu.enqueued.Remove(uint32(idx))
			return idx, g.mu.ready.Length() > 0, true, nil
		case g.mu.finished || !blocking:
			return 0, false, false, nil
		}
		g.mu.cond.Wait()
	}
}

// onEndOfPartition retires ch and reports whether it was the last one.
func (g *InputGate) onEndOfPartition(ch InputChannel) bool {
	if err := ch.NotifySubpartitionConsumed(); err != nil {
		g.logger.Warn("failed to notify subpartition consumed",
			zap.Int("channel", ch.ChannelIndex()),
			zap.Error(err))
	}
	_ = ch.Release()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.mu.ended.Add(uint32(ch.ChannelIndex()))
	if int(g.mu.ended.GetCardinality()) == g.numChannels {
		g.mu.finished = true
		g.mu.cond.Broadcast()
		g.logger.Debug("input gate finished")
	}
	return g.mu.finished
}

func (g *InputGate) IsFinished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mu.finished
}

func (g *InputGate) IsReleased() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mu.released
}

// SendTaskEvent sends ev upstream through every channel.
func (g *InputGate) SendTaskEvent(ctx context.Context, ev event.Event) error {
	if err := g.RequestPartitions(ctx); err != nil {
		return err
	}
	for _, ch := range g.channels() {
		if ch.IsReleased() {
			continue
		}
		if err := ch.SendTaskEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAllResources releases every channel and wakes blocked readers.
// Only the first call has an effect.
func (g *InputGate) ReleaseAllResources() {
	g.mu.Lock()
	if g.mu.released {
		g.mu.Unlock()
		return
	}
	g.mu.released = true
	for g.mu.ready.Length() > 0 {
		g.mu.ready.Remove()
	}
	g.mu.enqueued.Clear()
	g.mu.cond.Broadcast()
	g.mu.Unlock()

	for _, ch := range g.channels() {
		if ch == nil {
			continue
		}
		if err := ch.Release(); err != nil {
			g.logger.Warn("failed to release input channel",
				zap.Int("channel", ch.ChannelIndex()),
				zap.Error(err))
		}
	}
	g.logger.Debug("input gate released")
}
