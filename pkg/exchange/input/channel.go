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
	"time"

	"github.com/eapache/queue"
	"github.com/grafana/dskit/backoff"
	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
	"github.com/matrixorigin/moexchange/pkg/logutil"
	v2 "github.com/matrixorigin/moexchange/pkg/util/metric/v2"
)

// State of an input channel. Channels only move forward.
type State int32

const (
	Created State = iota
	Requested
	Active
	Released
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Requested:
		return "Requested"
	case Active:
		return "Active"
	case Released:
		return "Released"
	default:
		return "Unknown"
	}
}

// InputChannel is the consumer end of one upstream subpartition.
type InputChannel interface {
	event.Handler

	ChannelIndex() int
	PartitionID() partition.ResultPartitionID
	State() State
	IsReleased() bool

	// RequestSubpartition connects the channel to the subpartition at index.
	// It retries while the partition is not found.
	RequestSubpartition(ctx context.Context, index int) error
	// GetNextBuffer returns the next buffer or event buffer and whether the
	// channel has more right now. It must only be called after the channel
	// announced data to its gate.
	GetNextBuffer() (*buffer.Buffer, bool, error)
	// NotifyBuffersAvailable is called when n more buffers became readable.
	NotifyBuffersAvailable(n int)
	// NotifySubpartitionConsumed is called once the end of partition was
	// read.
	NotifySubpartitionConsumed() error
	// SendTaskEvent sends ev upstream to the producer.
	SendTaskEvent(ctx context.Context, ev event.Event) error
	Release() error
}

// DefaultBackoffConfig is used for partition requests unless WithBackoff is
// given.
var DefaultBackoffConfig = backoff.Config{
	MinBackoff: 10 * time.Millisecond,
	MaxBackoff: time.Second,
	MaxRetries: 10,
}

type channelOptions struct {
	logger     *zap.Logger
	backoff    backoff.Config
	taskEvents *event.Dispatcher[partition.ResultPartitionID]
}

// ChannelOption option for create input channels
type ChannelOption func(*channelOptions)

// WithChannelLogger set logger
func WithChannelLogger(logger *zap.Logger) ChannelOption {
	return func(o *channelOptions) {
		o.logger = logger
	}
}

// WithBackoff sets the retry policy of partition requests. MaxRetries is
// the total number of attempts.
func WithBackoff(cfg backoff.Config) ChannelOption {
	return func(o *channelOptions) {
		o.backoff = cfg
	}
}

// WithTaskEventDispatcher sets the dispatcher that carries task events to
// producers in this process.
func WithTaskEventDispatcher(d *event.Dispatcher[partition.ResultPartitionID]) ChannelOption {
	return func(o *channelOptions) {
		o.taskEvents = d
	}
}

type retrier interface {
	Ongoing() bool
	Wait()
}

var newBackoff = func(ctx context.Context, cfg backoff.Config) retrier {
	return backoff.New(ctx, cfg)
}

// requestWithBackoff calls request until it succeeds, fails with something
// other than PartitionNotFound, or cfg.MaxRetries attempts were made.
func requestWithBackoff(
	ctx context.Context,
	cfg backoff.Config,
	logger *zap.Logger,
	request func() error) (int, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	attempts := 0
	b := newBackoff(ctx, cfg)
	for b.Ongoing() {
		attempts++
		err := request()
		if err == nil || !moerr.IsMoErrCode(err, moerr.ErrPartitionNotFound) {
			return attempts, err
		}
		if attempts >= cfg.MaxRetries {
			return attempts, err
		}
		v2.PartitionRequestRetryCounter.Inc()
		logger.Debug("partition not found, retry later",
			zap.Int("attempts", attempts),
			zap.Error(err))
		b.Wait()
	}
	return attempts, moerr.NewCancelled(context.Cause(ctx))
}

// baseChannel holds what local and remote channels share: the item counter
// that drives gate notifications and the queue of task events routed to
// this channel.
type baseChannel struct {
	gate        *InputGate
	index       int
	partitionID partition.ResultPartitionID
	opts        channelOptions
	logger      *zap.Logger

	state     atomic.Int32
	available atomic.Int64
	finished  atomic.Bool
	requestMu sync.Mutex

	events struct {
		sync.Mutex
		q *queue.Queue
	}
}

func (c *baseChannel) init(
	gate *InputGate,
	index int,
	id partition.ResultPartitionID,
	name string,
	opts []ChannelOption) {
	c.gate = gate
	c.index = index
	c.partitionID = id
	c.opts.backoff = DefaultBackoffConfig
	for _, opt := range opts {
		opt(&c.opts)
	}
	c.logger = logutil.Adjust(c.opts.logger, name).With(
		zap.String("owner", gate.owner),
		zap.Int("channel", index),
		zap.String("partition", id.String()))
	c.events.q = queue.New()
}

func (c *baseChannel) ChannelIndex() int {
	return c.index
}

func (c *baseChannel) PartitionID() partition.ResultPartitionID {
	return c.partitionID
}

func (c *baseChannel) State() State {
	return State(c.state.Load())
}

func (c *baseChannel) IsReleased() bool {
	return c.State() == Released
}

func (c *baseChannel) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// beginRequest moves a new channel to Requested. It returns false if the
// channel is already active.
func (c *baseChannel) beginRequest() (bool, error) {
	for {
		switch s := c.State(); s {
		case Released:
			return false, moerr.NewChannelReleased(c.index)
		case Active:
			return false, nil
		case Requested:
			return true, nil
		default:
			if c.transition(s, Requested) {
				return true, nil
			}
		}
	}
}

// markReleased moves the channel to Released and drops queued events. It
// returns false if the channel was released before.
func (c *baseChannel) markReleased() bool {
	for {
		s := c.State()
		if s == Released {
			return false
		}
		if c.transition(s, Released) {
			break
		}
	}
	c.events.Lock()
	var bufs []*buffer.Buffer
	for c.events.q.Length() > 0 {
		bufs = append(bufs, c.events.q.Remove().(*buffer.Buffer))
	}
	c.events.Unlock()
	for _, buf := range bufs {
		_ = buf.Release()
	}
	return true
}

func (c *baseChannel) NotifyBuffersAvailable(n int) {
	if n <= 0 || c.IsReleased() {
		return
	}
	if c.available.Add(int64(n)) == int64(n) {
		c.gate.notifyChannelNonEmpty(c.index)
	}
}

// OnEvent queues a task event routed to this channel. It is read through
// the gate like any other item.
func (c *baseChannel) OnEvent(ev event.Event) {
	buf, err := event.ToBuffer(ev)
	if err != nil {
		c.logger.Error("failed to serialize task event", zap.Error(err))
		return
	}
	c.events.Lock()
	if c.IsReleased() {
		c.events.Unlock()
		_ = buf.Release()
		return
	}
	c.events.q.Add(buf)
	c.events.Unlock()
	c.NotifyBuffersAvailable(1)
}

func (c *baseChannel) pollEvent() *buffer.Buffer {
	c.events.Lock()
	defer c.events.Unlock()
	if c.events.q.Length() == 0 {
		return nil
	}
	return c.events.q.Remove().(*buffer.Buffer)
}

// consumed accounts for one item read and reports whether more are known.
func (c *baseChannel) consumed() bool {
	return c.available.Add(-1) > 0
}

func (c *baseChannel) reportFailure(err error) {
	if moerr.IsMoErrCode(err, moerr.ErrCancelled) || c.IsReleased() {
		return
	}
	c.gate.OnChannelError(c.index, err)
}
