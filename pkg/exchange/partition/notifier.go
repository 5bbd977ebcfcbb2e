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
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/logutil"
)

// ConsumableNotifier is told once per partition when consumers may start
// reading it.
type ConsumableNotifier interface {
	NotifyPartitionConsumable(id ResultPartitionID)
}

type NoopConsumableNotifier struct{}

func (NoopConsumableNotifier) NotifyPartitionConsumable(ResultPartitionID) {}

// AsyncConsumableNotifier runs the callback on a worker pool so producers
// never block on the notification.
type AsyncConsumableNotifier struct {
	logger *zap.Logger
	pool   *ants.Pool
	fn     func(ResultPartitionID)
}

func NewAsyncConsumableNotifier(workers int, fn func(ResultPartitionID), logger *zap.Logger) (*AsyncConsumableNotifier, error) {
	logger = logutil.Adjust(logger, "consumable-notifier")
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v interface{}) {
		logger.Error("consumable notification panic", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, err
	}
	return &AsyncConsumableNotifier{logger: logger, pool: pool, fn: fn}, nil
}

func (n *AsyncConsumableNotifier) NotifyPartitionConsumable(id ResultPartitionID) {
	if err := n.pool.Submit(func() { n.fn(id) }); err != nil {
		n.logger.Warn("failed to submit consumable notification",
			zap.String("partition", id.String()),
			zap.Error(err))
	}
}

// Close releases the worker pool. Notifications submitted later are dropped.
func (n *AsyncConsumableNotifier) Close() {
	n.pool.Release()
}
