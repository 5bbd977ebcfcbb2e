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

	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/logutil"
	v2 "github.com/matrixorigin/moexchange/pkg/util/metric/v2"
)

// Registry tracks the partitions produced in this process so that local
// and remote consumers can find them.
type Registry struct {
	logger *zap.Logger

	mu struct {
		sync.Mutex
		partitions map[ResultPartitionID]*ResultPartition
		closed     bool
	}
}

func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{logger: logutil.Adjust(logger, "partition-registry")}
	r.mu.partitions = make(map[ResultPartitionID]*ResultPartition)
	return r
}

func (r *Registry) Register(p *ResultPartition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mu.closed {
		return moerr.NewShutdown("partition registry")
	}
	if _, ok := r.mu.partitions[p.id]; ok {
		return moerr.NewPartitionAlreadyRegistered(p.id)
	}
	r.mu.partitions[p.id] = p
	if p.registry == nil {
		p.registry = r
	}
	v2.RegisteredPartitionsGauge.Inc()
	r.logger.Debug("registered partition", zap.String("partition", p.id.String()))
	return nil
}

// Unregister removes the partition without releasing it.
func (r *Registry) Unregister(id ResultPartitionID) (*ResultPartition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.mu.partitions[id]
	if ok {
		delete(r.mu.partitions, id)
		v2.RegisteredPartitionsGauge.Dec()
	}
	return p, ok
}

func (r *Registry) Lookup(id ResultPartitionID) (*ResultPartition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.mu.partitions[id]
	return p, ok
}

// CreateSubpartitionView creates a read view on a registered partition. It
// fails with PartitionNotFound if the partition is not registered yet.
func (r *Registry) CreateSubpartitionView(
	id ResultPartitionID,
	index int,
	listener BufferAvailabilityListener) (*PipelinedSubpartitionView, error) {
	p, ok := r.Lookup(id)
	if !ok {
		return nil, moerr.NewPartitionNotFound(id)
	}
	return p.CreateSubpartitionView(index, listener)
}

// ReleasePartitionsProducedBy unregisters and releases every partition of
// the producer attempt.
func (r *Registry) ReleasePartitionsProducedBy(producer ProducerID, cause error) int {
	r.mu.Lock()
	var released []*ResultPartition
	for id, p := range r.mu.partitions {
		if id.ProducerID == producer {
			delete(r.mu.partitions, id)
			released = append(released, p)
		}
	}
	v2.RegisteredPartitionsGauge.Sub(float64(len(released)))
	r.mu.Unlock()

	for _, p := range released {
		p.Release(cause)
	}
	return len(released)
}

func (r *Registry) onConsumedPartition(p *ResultPartition) {
	r.mu.Lock()
	if cur, ok := r.mu.partitions[p.id]; ok && cur == p {
		delete(r.mu.partitions, p.id)
		v2.RegisteredPartitionsGauge.Dec()
	}
	r.mu.Unlock()
	r.logger.Debug("partition consumed", zap.String("partition", p.id.String()))
	p.Release(nil)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mu.partitions)
}

// Shutdown releases every registered partition. Later registrations fail.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.mu.closed = true
	partitions := make([]*ResultPartition, 0, len(r.mu.partitions))
	for _, p := range r.mu.partitions {
		partitions = append(partitions, p)
	}
	r.mu.partitions = make(map[ResultPartitionID]*ResultPartition)
	v2.RegisteredPartitionsGauge.Sub(float64(len(partitions)))
	r.mu.Unlock()

	for _, p := range partitions {
		p.Release(moerr.NewShutdown("partition registry"))
	}
	r.logger.Info("partition registry shutdown", zap.Int("released", len(partitions)))
}
