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

	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/logutil"
	v2 "github.com/matrixorigin/moexchange/pkg/util/metric/v2"
)

// Option option for create ResultPartition
type Option func(*ResultPartition)

// WithLogger set logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *ResultPartition) {
		p.logger = logger
	}
}

// ResultPartition is the output of one producer attempt, split into one
// subpartition per consumer.
type ResultPartition struct {
	owner    string
	id       ResultPartitionID
	typ      ResultPartitionType
	subs     []*PipelinedSubpartition
	registry *Registry
	notifier ConsumableNotifier
	logger   *zap.Logger

	pool         atomic.Pointer[buffer.LocalBufferPool]
	consumable   atomic.Bool
	finished     atomic.Bool
	released     atomic.Bool
	pendingRefs  atomic.Int32
	totalBuffers atomic.Int64
	totalBytes   atomic.Int64

	mu struct {
		sync.Mutex
		cause error
	}
}

// NewResultPartition creates a partition with numSubpartitions subpartitions.
// registry and notifier may be nil.
func NewResultPartition(
	owner string,
	id ResultPartitionID,
	typ ResultPartitionType,
	numSubpartitions int,
	registry *Registry,
	notifier ConsumableNotifier,
	opts ...Option) (*ResultPartition, error) {
	if numSubpartitions <= 0 {
		return nil, moerr.NewInvalidArg("number of subpartitions", numSubpartitions)
	}
	if typ > PipelinedCreditBased {
		return nil, moerr.NewInvalidArg("result partition type", uint8(typ))
	}
	if notifier == nil {
		notifier = NoopConsumableNotifier{}
	}
	p := &ResultPartition{
		owner:    owner,
		id:       id,
		typ:      typ,
		registry: registry,
		notifier: notifier,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logutil.Adjust(p.logger, "result-partition").With(
		zap.String("owner", owner),
		zap.String("partition", id.String()))
	p.subs = make([]*PipelinedSubpartition, numSubpartitions)
	for i := range p.subs {
		p.subs[i] = newPipelinedSubpartition(p, i)
	}
	p.pendingRefs.Store(int32(numSubpartitions))
	return p, nil
}

func (p *ResultPartition) Owner() string {
	return p.owner
}

func (p *ResultPartition) ID() ResultPartitionID {
	return p.id
}

func (p *ResultPartition) Type() ResultPartitionType {
	return p.typ
}

func (p *ResultPartition) NumSubpartitions() int {
	return len(p.subs)
}

// Subpartition returns the subpartition at index.
func (p *ResultPartition) Subpartition(index int) (*PipelinedSubpartition, error) {
	if index < 0 || index >= len(p.subs) {
		return nil, moerr.NewIndexOutOfRange(index, len(p.subs))
	}
	return p.subs[index], nil
}

// SetBufferPool sets the pool producers take buffers from. The pool must
// guarantee at least one buffer per subpartition.
func (p *ResultPartition) SetBufferPool(pool *buffer.LocalBufferPool) error {
	if pool.NumMin() < len(p.subs) {
		return moerr.NewInvalidArg("buffer pool min size", pool.NumMin())
	}
	if !p.pool.CompareAndSwap(nil, pool) {
		return moerr.NewInternalError("buffer pool of %s already set", p.id)
	}
	return nil
}

func (p *ResultPartition) BufferPool() *buffer.LocalBufferPool {
	return p.pool.Load()
}

// DestroyBufferPool destroys the pool set by SetBufferPool, if any.
func (p *ResultPartition) DestroyBufferPool() {
	if pool := p.pool.Load(); pool != nil {
		pool.Destroy()
	}
}

// Add appends buf to the subpartition at index. The partition takes
// ownership of buf even on error.
func (p *ResultPartition) Add(buf *buffer.Buffer, index int) error {
	if index < 0 || index >= len(p.subs) {
		_ = buf.Release()
		return moerr.NewIndexOutOfRange(index, len(p.subs))
	}
	if p.released.Load() {
		_ = buf.Release()
		return moerr.NewPartitionReleased(p.id)
	}
	size := buf.Size()
	if err := p.subs[index].Add(buf); err != nil {
		return err
	}
	p.totalBuffers.Add(1)
	p.totalBytes.Add(int64(size))
	v2.BuffersProducedCounter.Inc()
	if p.typ.IsPipelined() {
		p.notifyConsumable()
	}
	return nil
}

// Finish appends the end of partition event to every subpartition.
func (p *ResultPartition) Finish() error {
	if p.released.Load() {
		return moerr.NewPartitionReleased(p.id)
	}
	if !p.finished.CompareAndSwap(false, true) {
		return nil
	}
	for _, s := range p.subs {
		if err := s.Finish(); err != nil {
			return err
		}
	}
	p.notifyConsumable()
	p.logger.Debug("result partition finished",
		zap.Int64("buffers", p.totalBuffers.Load()),
		zap.Int64("bytes", p.totalBytes.Load()))
	return nil
}

func (p *ResultPartition) notifyConsumable() {
	if p.consumable.CompareAndSwap(false, true) {
		p.notifier.NotifyPartitionConsumable(p.id)
	}
}

// Release releases every subpartition. Only the first call has an effect.
func (p *ResultPartition) Release(cause error) {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	p.mu.cause = cause
	p.mu.Unlock()
	if cause != nil {
		p.logger.Warn("result partition released", zap.Error(cause))
	} else {
		p.logger.Debug("result partition released")
	}
	for _, s := range p.subs {
		s.Release(cause)
	}
}

func (p *ResultPartition) IsReleased() bool {
	return p.released.Load()
}

func (p *ResultPartition) IsFinished() bool {
	return p.finished.Load()
}

// Cause returns the error the partition was released with.
func (p *ResultPartition) Cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.cause
}

func (p *ResultPartition) TotalBuffers() int64 {
	return p.totalBuffers.Load()
}

func (p *ResultPartition) TotalBytes() int64 {
	return p.totalBytes.Load()
}

// CreateSubpartitionView creates the read view of the subpartition at index.
func (p *ResultPartition) CreateSubpartitionView(index int, listener BufferAvailabilityListener) (*PipelinedSubpartitionView, error) {
	if index < 0 || index >= len(p.subs) {
		return nil, moerr.NewIndexOutOfRange(index, len(p.subs))
	}
	if p.released.Load() {
		return nil, moerr.NewPartitionReleased(p.id)
	}
	view, err := p.subs[index].CreateReadView(listener)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("created subpartition view", zap.Int("index", index))
	return view, nil
}

func (p *ResultPartition) onConsumedSubpartition(index int) {
	if p.released.Load() {
		return
	}
	left := p.pendingRefs.Add(-1)
	p.logger.Debug("subpartition consumed",
		zap.Int("index", index),
		zap.Int32("pending", left))
	if left == 0 {
		if p.registry != nil {
			p.registry.onConsumedPartition(p)
		} else {
			p.Release(nil)
		}
	}
}
