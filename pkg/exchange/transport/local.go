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
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/common/stopper"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
)

// LocalConnectionManager serves sessions to partitions of the same process.
// Buffers are handed to the receiver without copying.
type LocalConnectionManager struct {
	registry *partition.Registry
	opts     options
	logger   *zap.Logger
	stopper  *stopper.Stopper

	mu struct {
		sync.Mutex
		closed   bool
		sessions map[*localSession]struct{}
	}
}

var _ ConnectionManager = (*LocalConnectionManager)(nil)

// NewLocalConnectionManager creates a manager reading from registry.
func NewLocalConnectionManager(registry *partition.Registry, opts ...Option) *LocalConnectionManager {
	m := &LocalConnectionManager{registry: registry}
	for _, opt := range opts {
		opt(&m.opts)
	}
	m.opts.adjust("local-transport")
	m.logger = m.opts.logger
	m.stopper = stopper.NewStopper("local-transport", stopper.WithLogger(m.logger))
	m.mu.sessions = make(map[*localSession]struct{})
	return m
}

func (m *LocalConnectionManager) Start() error {
	return nil
}

func (m *LocalConnectionManager) Open(ctx context.Context, req Request, recv Receiver) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, moerr.NewCancelled(context.Cause(ctx))
	}
	p, ok := m.registry.Lookup(req.PartitionID)
	if !ok {
		return nil, moerr.NewPartitionNotFound(req.PartitionID)
	}
	pp := newPump(req.PartitionID, p.Type().IsCreditBased(), req.InitialCredit)
	if err := pp.attach(m.registry, req.SubpartitionIndex); err != nil {
		return nil, err
	}

	s := &localSession{manager: m, id: req.PartitionID, pump: pp}
	m.mu.Lock()
	if m.mu.closed {
		m.mu.Unlock()
		pp.view.ReleaseAllResources()
		return nil, moerr.NewShutdown("local transport")
	}
	m.mu.sessions[s] = struct{}{}
	m.mu.Unlock()

	err := m.stopper.RunNamedTask("local-session", func(ctx context.Context) {
		defer m.remove(s)
		if err := pp.run(ctx, recv.OnBuffer); err != nil && !s.closed.Load() {
			recv.OnError(err)
		}
	})
	if err != nil {
		m.remove(s)
		pp.view.ReleaseAllResources()
		return nil, err
	}
	m.logger.Debug("local session opened",
		zap.String("partition", req.PartitionID.String()),
		zap.Int("subpartition", req.SubpartitionIndex))
	return s, nil
}

func (m *LocalConnectionManager) remove(s *localSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mu.sessions, s)
}

// Close closes every open session and waits for them to stop.
func (m *LocalConnectionManager) Close() error {
	m.mu.Lock()
	m.mu.closed = true
	sessions := make([]*localSession, 0, len(m.mu.sessions))
	for s := range m.mu.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	m.stopper.Stop()
	return nil
}

type localSession struct {
	manager *LocalConnectionManager
	id      partition.ResultPartitionID
	pump    *pump
	closed  atomic.Bool
}

func (s *localSession) AnnounceCredit(n int) error {
	if s.closed.Load() {
		return moerr.NewShutdown("local session")
	}
	s.pump.addCredit(n)
	return nil
}

func (s *localSession) SendTaskEvent(ev event.Event) error {
	d := s.manager.opts.taskEvents
	if d == nil || !d.Publish(s.id, ev) {
		return moerr.NewPartitionNotFound(s.id)
	}
	return nil
}

func (s *localSession) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pump.close()
	}
	return nil
}
