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

	"github.com/grafana/dskit/backoff"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/config"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/input"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
	"github.com/matrixorigin/moexchange/pkg/exchange/transport"
	"github.com/matrixorigin/moexchange/pkg/logutil"
)

// Environment owns the data exchange resources of a process: the network
// buffer pool, the partition registry, the event dispatchers and the
// connection manager. Tasks register with it to get their partitions and
// input gates.
type Environment struct {
	cfg           config.NetworkConfig
	opts          options
	logger        *zap.Logger
	pool          *buffer.NetworkBufferPool
	registry      *partition.Registry
	taskEvents    *event.Dispatcher[partition.ResultPartitionID]
	channelEvents *event.Dispatcher[ChannelKey]
	connMgr       transport.ConnectionManager
	notifier      partition.ConsumableNotifier
	workers       *ants.Pool

	mu struct {
		sync.Mutex
		tasks    map[string]*Task
		shutdown bool
	}
}

// New creates and starts an environment.
func New(cfg config.NetworkConfig, opts ...Option) (*Environment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Environment{cfg: cfg}
	for _, opt := range opts {
		opt(&e.opts)
	}
	e.logger = logutil.Adjust(e.opts.logger, "network-environment")

	pool, err := buffer.NewNetworkBufferPool(cfg.TotalMemory, cfg.SegmentSize,
		buffer.WithMemoryKind(cfg.MemoryKind()),
		buffer.WithPreAllocate(cfg.PreAllocate),
		buffer.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	e.pool = pool
	e.registry = partition.NewRegistry(e.logger)
	e.taskEvents = event.NewDispatcher[partition.ResultPartitionID]()
	e.channelEvents = event.NewDispatcher[ChannelKey]()
	e.workers, err = ants.NewPool(cfg.IOWorkers, ants.WithPanicHandler(func(v interface{}) {
		e.logger.Error("environment worker panic", zap.Any("panic", v))
	}))
	if err != nil {
		pool.Destroy()
		return nil, err
	}

	e.notifier = partition.NoopConsumableNotifier{}
	if e.opts.onConsumable != nil {
		n, err := partition.NewAsyncConsumableNotifier(cfg.IOWorkers, e.opts.onConsumable, e.logger)
		if err != nil {
			e.workers.Release()
			pool.Destroy()
			return nil, err
		}
		e.notifier = n
	}

	e.connMgr = e.opts.connMgr
	if e.connMgr == nil {
		e.connMgr = transport.NewWebsocketConnectionManager(cfg.ListenAddress, e.registry,
			transport.WithLogger(e.logger),
			transport.WithTaskEventDispatcher(e.taskEvents),
			transport.WithCompression(cfg.Compression))
	}
	if err := e.connMgr.Start(); err != nil {
		e.closeNotifier()
		e.workers.Release()
		pool.Destroy()
		return nil, err
	}
	e.mu.tasks = make(map[string]*Task)
	e.logger.Info("network environment started",
		zap.Int64("total-memory", cfg.TotalMemory),
		zap.Int("segment-size", cfg.SegmentSize),
		zap.Int("segments", pool.TotalSegments()),
		zap.String("listen-address", cfg.ListenAddress))
	return e, nil
}

func (e *Environment) Config() config.NetworkConfig {
	return e.cfg
}

func (e *Environment) NetworkBufferPool() *buffer.NetworkBufferPool {
	return e.pool
}

func (e *Environment) Registry() *partition.Registry {
	return e.registry
}

func (e *Environment) ConnectionManager() transport.ConnectionManager {
	return e.connMgr
}

func (e *Environment) TaskEventDispatcher() *event.Dispatcher[partition.ResultPartitionID] {
	return e.taskEvents
}

// Task returns the registered task called name.
func (e *Environment) Task(name string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.mu.tasks[name]
	return t, ok
}

func (e *Environment) backoff() backoff.Config {
	return backoff.Config{
		MinBackoff: e.cfg.PartitionRequestInitialBackoff.Duration,
		MaxBackoff: e.cfg.PartitionRequestMaxBackoff.Duration,
		MaxRetries: e.cfg.PartitionRequestMaxAttempts,
	}
}

func (e *Environment) localPoolSize(typ partition.ResultPartitionType, n int) (int, int) {
	size := n*e.cfg.BuffersPerChannel + e.cfg.ExtraBuffersPerGate
	if typ.IsBounded() {
		return n, size
	}
	return n, buffer.Unbounded
}

// RegisterTask creates the partitions and input gates of spec. Produced
// partitions are registered and can be requested by consumers right away.
func (e *Environment) RegisterTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	if spec.Name == "" {
		return nil, moerr.NewInvalidArg("task name", spec.Name)
	}
	e.mu.Lock()
	if e.mu.shutdown {
		e.mu.Unlock()
		return nil, moerr.NewShutdown("network environment")
	}
	if _, ok := e.mu.tasks[spec.Name]; ok {
		e.mu.Unlock()
		return nil, moerr.NewInvalidArg("duplicate task", spec.Name)
	}
	t := newTask(ctx, e, spec)
	e.mu.tasks[spec.Name] = t
	e.mu.Unlock()

	if err := e.setupTask(t); err != nil {
		t.Cancel(err)
		return nil, err
	}
	e.logger.Info("task registered",
		zap.String("task", spec.Name),
		zap.Int("partitions", len(t.partitions)),
		zap.Int("gates", len(t.gates)))
	return t, nil
}

func (e *Environment) setupTask(t *Task) error {
	for _, ps := range t.spec.Partitions {
		if err := e.setupPartition(t, ps); err != nil {
			return err
		}
	}
	for i, gs := range t.spec.Gates {
		if err := e.setupGate(t, i, gs); err != nil {
			return err
		}
	}
	return nil
}

func (e *Environment) setupPartition(t *Task, ps PartitionSpec) error {
	id := partition.ResultPartitionID{PartitionID: ps.PartitionID, ProducerID: t.spec.ProducerID}
	p, err := partition.NewResultPartition(t.spec.Name, id, ps.Type, ps.NumSubpartitions,
		e.registry, e.notifier, partition.WithLogger(e.logger))
	if err != nil {
		return err
	}
	lp, err := e.pool.CreateBufferPool(e.localPoolSize(ps.Type, ps.NumSubpartitions))
	if err != nil {
		return err
	}
	if err := p.SetBufferPool(lp); err != nil {
		lp.Destroy()
		return err
	}
	t.partitions = append(t.partitions, p)
	t.registerPool(lp)

	e.taskEvents.RegisterPartition(id)
	if t.spec.EventHandler != nil {
		e.taskEvents.Subscribe(id, t.spec.EventHandler)
	}
	return e.registry.Register(p)
}

func (e *Environment) setupGate(t *Task, index int, gs GateSpec) error {
	g, err := input.NewInputGate(t.spec.Name, gs.ConsumedType, gs.SubpartitionIndex, len(gs.Channels),
		input.WithLogger(e.logger))
	if err != nil {
		return err
	}
	t.gates = append(t.gates, g)
	size := len(gs.Channels)*e.cfg.BuffersPerChannel + e.cfg.ExtraBuffersPerGate
	lp, err := e.pool.CreateBufferPool(len(gs.Channels), size)
	if err != nil {
		return err
	}
	if err := g.SetBufferPool(lp); err != nil {
		lp.Destroy()
		return err
	}
	t.registerPool(lp)

	opts := []input.ChannelOption{
		input.WithChannelLogger(e.logger),
		input.WithBackoff(e.backoff()),
		input.WithTaskEventDispatcher(e.taskEvents),
	}
	for i, cs := range gs.Channels {
		var ch input.InputChannel
		if cs.Address == "" {
			ch = input.NewLocalInputChannel(g, i, cs.PartitionID, e.registry, opts...)
		} else {
			ch = input.NewRemoteInputChannel(g, i, cs.PartitionID, cs.Address, e.connMgr,
				e.cfg.BuffersPerChannel, opts...)
		}
		if err := g.SetInputChannel(cs.PartitionID, ch); err != nil {
			return err
		}
		key := ChannelKey{Consumer: t.spec.Name, Gate: index, Partition: cs.PartitionID}
		e.channelEvents.RegisterPartition(key)
		e.channelEvents.Subscribe(key, ch)
		t.channelKeys = append(t.channelKeys, key)
	}
	return nil
}

// UnregisterTask removes t and releases its gates and buffer pools. Its
// partitions stay registered until they are consumed.
func (e *Environment) UnregisterTask(t *Task) {
	e.removeTask(t)
	t.releaseResources()
}

func (e *Environment) removeTask(t *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.mu.tasks[t.spec.Name]; ok && cur == t {
		delete(e.mu.tasks, t.spec.Name)
	}
}

// NotifyConsumer hands ev to the input channel addressed by key. The event
// is read from the gate like any other item of the channel.
func (e *Environment) NotifyConsumer(key ChannelKey, ev event.Event) bool {
	return e.channelEvents.Publish(key, ev)
}

// ReleasePartitionsAsync releases the partitions of producer on a worker.
func (e *Environment) ReleasePartitionsAsync(producer partition.ProducerID, cause error) error {
	return e.workers.Submit(func() {
		n := e.registry.ReleasePartitionsProducedBy(producer, cause)
		e.logger.Debug("released partitions",
			zap.String("producer", producer.String()),
			zap.Int("count", n))
	})
}

// ReleaseMemory asks the buffer pools of the registered tasks to give n
// buffers back. It returns 0 unless a memory manager was configured.
func (e *Environment) ReleaseMemory(n int) (int, error) {
	if e.opts.memMgr == nil {
		return 0, nil
	}
	return e.opts.memMgr.Reclaim(n)
}

// AllocatePages allocates n pages of managed memory for t.
func (e *Environment) AllocatePages(t *Task, n int) ([]*memory.Region, error) {
	if e.opts.memMgr == nil {
		return nil, moerr.NewInternalError("no memory manager configured")
	}
	return e.opts.memMgr.AllocatePages(t.owner, n)
}

func (e *Environment) closeNotifier() {
	if n, ok := e.notifier.(*partition.AsyncConsumableNotifier); ok {
		n.Close()
	}
}

// Shutdown cancels every task and releases all resources. Only the first
// call has an effect.
func (e *Environment) Shutdown() error {
	e.mu.Lock()
	if e.mu.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.mu.shutdown = true
	tasks := make([]*Task, 0, len(e.mu.tasks))
	for _, t := range e.mu.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	var g errgroup.Group
	cause := moerr.NewShutdown("network environment")
	for _, t := range tasks {
		g.Go(func() error {
			t.Cancel(cause)
			return nil
		})
	}
	_ = g.Wait()

	err := e.connMgr.Close()
	e.registry.Shutdown()
	e.closeNotifier()
	e.workers.Release()
	e.pool.Destroy()
	e.logger.Info("network environment shut down")
	return err
}
