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
package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/exchange/environment"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
	"github.com/matrixorigin/moexchange/pkg/logutil"
)

const (
	demoSubpartitions = 2
	demoRecords       = 10000
)

// runDemo moves records from one producer task to two consumer tasks
// through the environment and logs what each consumer received.
func runDemo(ctx context.Context, env *environment.Environment) error {
	partitionID := partition.NewPartitionID()
	producer, err := env.RegisterTask(ctx, environment.TaskSpec{
		Name:       "demo-producer",
		ProducerID: partition.NewProducerID(),
		Partitions: []environment.PartitionSpec{{
			PartitionID:      partitionID,
			Type:             partition.PipelinedBounded,
			NumSubpartitions: demoSubpartitions,
		}},
	})
	if err != nil {
		return err
	}
	id := partition.ResultPartitionID{PartitionID: partitionID, ProducerID: producer.ProducerID()}

	consumers := make([]*environment.Task, 0, demoSubpartitions)
	for i := 0; i < demoSubpartitions; i++ {
		c, err := env.RegisterTask(ctx, environment.TaskSpec{
			Name:       fmt.Sprintf("demo-consumer-%d", i),
			ProducerID: partition.NewProducerID(),
			Gates: []environment.GateSpec{{
				ConsumedType:      partition.PipelinedBounded,
				SubpartitionIndex: i,
				Channels:          []environment.ChannelSpec{{PartitionID: id}},
			}},
		})
		if err != nil {
			producer.Cancel(err)
			return err
		}
		consumers = append(consumers, c)
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return produceRecords(producer)
	})
	for _, c := range consumers {
		g.Go(func() error {
			return consumeRecords(c)
		})
	}
	if err := g.Wait(); err != nil {
		producer.Cancel(err)
		for _, c := range consumers {
			c.Cancel(err)
		}
		return err
	}
	return nil
}

// produceRecords fills each buffer with int64 records and appends it to the
// subpartitions round robin.
func produceRecords(task *environment.Task) error {
	p, err := task.Partition(0)
	if err != nil {
		return err
	}
	pool := p.BufferPool()
	next := int64(0)
	for i := 0; next < demoRecords; i++ {
		buf, err := pool.RequestBufferBlocking(task.Context())
		if err != nil {
			return err
		}
		w := memory.NewOutputView(buf.Region())
		for next < demoRecords && w.Remaining() >= 8 {
			if err := w.WriteInt64(next); err != nil {
				_ = buf.Release()
				return err
			}
			next++
		}
		if err := buf.SetSize(w.Position()); err != nil {
			_ = buf.Release()
			return err
		}
		if err := p.Add(buf, i%p.NumSubpartitions()); err != nil {
			return err
		}
	}
	return task.Finish()
}

func consumeRecords(task *environment.Task) error {
	gate, err := task.Gate(0)
	if err != nil {
		return err
	}
	var records, sum int64
	for {
		boe, err := gate.GetNextBufferOrEvent(task.Context())
		if err != nil {
			return err
		}
		if boe == nil {
			break
		}
		if !boe.IsBuffer() {
			continue
		}
		r := memory.NewInputView(boe.Buffer.Region(), boe.Buffer.Size())
		for r.Remaining() >= 8 {
			v, err := r.ReadInt64()
			if err != nil {
				_ = boe.Buffer.Release()
				return err
			}
			records++
			sum += v
		}
		_ = boe.Buffer.Release()
	}
	logutil.Info("demo consumer finished",
		zap.String("task", task.Name()),
		zap.Int64("records", records),
		zap.Int64("sum", sum))
	return task.Finish()
}
