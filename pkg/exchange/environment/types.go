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
	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/memmgr"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
	"github.com/matrixorigin/moexchange/pkg/exchange/transport"
)

// TaskSpec describes what a task produces and consumes.
type TaskSpec struct {
	// Name identifies the task in the environment, it must be unique.
	Name string
	// ProducerID is the attempt that produces the partitions of the task.
	ProducerID partition.ProducerID
	Partitions []PartitionSpec
	Gates      []GateSpec
	// EventHandler receives the task events consumers send to the
	// partitions of the task. It may be nil.
	EventHandler event.Handler
}

type PartitionSpec struct {
	PartitionID      partition.PartitionID
	Type             partition.ResultPartitionType
	NumSubpartitions int
}

// GateSpec describes an input gate reading one subpartition of each
// upstream partition.
type GateSpec struct {
	ConsumedType      partition.ResultPartitionType
	SubpartitionIndex int
	Channels          []ChannelSpec
}

// ChannelSpec locates an upstream partition. An empty Address means the
// producer runs in the same environment.
type ChannelSpec struct {
	PartitionID partition.ResultPartitionID
	Address     string
}

// ChannelKey addresses the input channel of a consumer task that reads a
// partition through one of its gates.
type ChannelKey struct {
	Consumer  string
	Gate      int
	Partition partition.ResultPartitionID
}

// Option option for create Environment
type Option func(*options)

type options struct {
	logger       *zap.Logger
	connMgr      transport.ConnectionManager
	memMgr       *memmgr.Manager
	onConsumable func(partition.ResultPartitionID)
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithConnectionManager replaces the websocket connection manager.
func WithConnectionManager(m transport.ConnectionManager) Option {
	return func(opts *options) {
		opts.connMgr = m
	}
}

// WithMemoryManager lets tasks allocate managed memory and registers their
// buffer pools for reclaiming.
func WithMemoryManager(m *memmgr.Manager) Option {
	return func(opts *options) {
		opts.memMgr = m
	}
}

// WithConsumableCallback sets the function told when a partition becomes
// consumable. It runs on a worker pool.
func WithConsumableCallback(fn func(partition.ResultPartitionID)) Option {
	return func(opts *options) {
		opts.onConsumable = fn
	}
}
