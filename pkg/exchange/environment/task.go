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
package environment

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/input"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
)

// Task is the handle of a registered task. Its context is cancelled by
// Cancel, which also releases every buffer the task owns.
type Task struct {
	env         *Environment
	spec        TaskSpec
	logger      *zap.Logger
	owner       memory.Owner
	ctx         context.Context
	cancel      context.CancelCauseFunc
	partitions  []*partition.ResultPartition
	gates       []*input.InputGate
	channelKeys []ChannelKey
	releaseOnce sync.Once
}

func newTask(ctx context.Context, e *Environment, spec TaskSpec) *Task {
	t := &Task{
		env:    e,
		spec:   spec,
		logger: e.logger.With(zap.String("task", spec.Name)),
	}
	t.ctx, t.cancel = context.WithCancelCause(ctx)
	if e.opts.memMgr != nil {
		t.owner = e.opts.memMgr.NewOwner()
	}
	return t
}

func (t *Task) registerPool(lp *buffer.LocalBufferPool) {
	if t.env.opts.memMgr != nil {
		t.env.opts.memMgr.RegisterPoolOwner(t.owner, lp)
	}
}

func (t *Task) Name() string {
	return t.spec.Name
}

func (t *Task) ProducerID() partition.ProducerID {
	return t.spec.ProducerID
}

// Context is cancelled when the task is cancelled.
func (t *Task) Context() context.Context {
	return t.ctx
}

func (t *Task) Partitions() []*partition.ResultPartition {
	return t.partitions
}

// Partition returns the i-th produced partition in the order of the TaskSpec.
func (t *Task) Partition(i int) (*partition.ResultPartition, error) {
	if i < 0 || i >= len(t.partitions) {
		return nil, moerr.NewIndexOutOfRange(i, len(t.partitions))
	}
	return t.partitions[i], nil
}

func (t *Task) Gates() []*input.InputGate {
	return t.gates
}

// Gate returns the i-th input gate in the order of the TaskSpec.
func (t *Task) Gate(i int) (*input.InputGate, error) {
	if i < 0 || i >= len(t.gates) {
		return nil, moerr.NewIndexOutOfRange(i, len(t.gates))
	}
	return t.gates[i], nil
}

// RequestPartitions requests the subpartitions of every gate.
func (t *Task) RequestPartitions() error {
	g, ctx := errgroup.WithContext(t.ctx)
	for _, gate := range t.gates {
		g.Go(func() error {
			return gate.RequestPartitions(ctx)
		})
	}
	return g.Wait()
}

// Finish finishes every produced partition and unregisters the task. The
// partitions stay readable until their consumers are done.
func (t *Task) Finish() error {
	var firstErr error
	for _, p := range t.partitions {
		if err := p.Finish(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.env.UnregisterTask(t)
	t.logger.Debug("task finished", zap.Error(firstErr))
	return firstErr
}

// Cancel interrupts blocked calls of the task and releases its partitions,
// gates and buffer pools. It may race with Finish and may be called more
// than once.
func (t *Task) Cancel(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	t.cancel(cause)
	registry := t.env.registry
	for _, p := range t.partitions {
		if cur, ok := registry.Lookup(p.ID()); ok && cur == p {
			registry.Unregister(p.ID())
		}
		p.Release(cause)
	}
	t.env.UnregisterTask(t)
	t.logger.Info("task cancelled", zap.Error(cause))
}

func (t *Task) releaseResources() {
	t.releaseOnce.Do(func() {
		for _, g := range t.gates {
			g.ReleaseAllResources()
			g.DestroyBufferPool()
		}
		for _, p := range t.partitions {
			p.DestroyBufferPool()
			t.env.taskEvents.UnregisterPartition(p.ID())
		}
		for _, key := range t.channelKeys {
			t.env.channelEvents.UnregisterPartition(key)
		}
		if m := t.env.opts.memMgr; m != nil {
			m.UnregisterPoolOwners(t.owner)
			m.ReleaseAll(t.owner)
		}
	})
}
