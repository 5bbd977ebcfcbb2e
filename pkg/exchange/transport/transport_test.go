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
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
)

const testTimeout = 5 * time.Second

// collector is a Receiver that records everything it is handed.
type collector struct {
	mu     sync.Mutex
	data   [][]byte
	events []event.Event
	seqs   []uint64
	err    error
	signal chan struct{}
}

func newCollector() *collector {
	return &collector{signal: make(chan struct{}, 128)}
}

func (c *collector) RequestBuffer(ctx context.Context) (*buffer.Buffer, error) {
	return buffer.New(memory.AllocateUnpooled(8192, memory.NoOwner), buffer.FreeingRecycler), nil
}

func (c *collector) OnBuffer(buf *buffer.Buffer, seq uint64, backlog int) error {
	defer func() { _ = buf.Release() }()
	c.mu.Lock()
	c.seqs = append(c.seqs, seq)
	if buf.IsData() {
		b, err := buf.Bytes()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.data = append(c.data, append([]byte(nil), b...))
	} else {
		ev, err := event.FromBuffer(buf)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.events = append(c.events, ev)
	}
	c.mu.Unlock()
	c.signal <- struct{}{}
	return nil
}

func (c *collector) OnError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.signal <- struct{}{}
}

// wait blocks until n items were recorded in total.
func (c *collector) wait(t *testing.T, n int) {
	for {
		c.mu.Lock()
		got := len(c.seqs)
		if c.err != nil {
			got++
		}
		c.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-c.signal:
		case <-time.After(testTimeout):
			t.Fatalf("timed out waiting for %d items, got %d", n, got)
		}
	}
}

func (c *collector) snapshot() ([][]byte, []event.Event, []uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, c.events, c.seqs, c.err
}

func dataBuffer(t *testing.T, payload []byte) *buffer.Buffer {
	r := memory.AllocateUnpooled(len(payload), memory.NoOwner)
	require.NoError(t, r.PutBytes(0, payload))
	buf := buffer.New(r, buffer.FreeingRecycler)
	require.NoError(t, buf.SetSize(len(payload)))
	return buf
}

func registerPartition(t *testing.T, registry *partition.Registry, typ partition.ResultPartitionType) *partition.ResultPartition {
	p, err := partition.NewResultPartition("producer", partition.NewResultPartitionID(), typ, 1, registry, nil)
	require.NoError(t, err)
	require.NoError(t, registry.Register(p))
	return p
}

func TestLocalSessionRespectsCredit(t *testing.T) {
	registry := partition.NewRegistry(zap.NewNop())
	p := registerPartition(t, registry, partition.PipelinedCreditBased)
	m := NewLocalConnectionManager(registry, WithLogger(zap.NewNop()))
	require.NoError(t, m.Start())
	defer func() { require.NoError(t, m.Close()) }()

	for i := byte(1); i <= 3; i++ {
		require.NoError(t, p.Add(dataBuffer(t, []byte{i}), 0))
	}

	recv := newCollector()
	req := Request{PartitionID: p.ID(), InitialCredit: 1}
	s, err := m.Open(context.Background(), req, recv)
	require.NoError(t, err)

	recv.wait(t, 1)
	time.Sleep(20 * time.Millisecond)
	data, _, _, _ := recv.snapshot()
	require.Equal(t, [][]byte{{1}}, data)

	require.NoError(t, s.AnnounceCredit(2))
	require.NoError(t, p.Finish())
	recv.wait(t, 4)
	data, events, seqs, err := recv.snapshot()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1}, {2}, {3}}, data)
	assert.Equal(t, []uint64{0, 1, 2, 3}, seqs)
	require.Len(t, events, 1)
	assert.True(t, event.IsEndOfPartition(events[0]))
	require.NoError(t, s.Close())

	// the only subpartition was consumed, so the partition is gone
	require.Eventually(t, func() bool { return registry.Len() == 0 }, testTimeout, time.Millisecond)
	require.Eventually(t, func() bool { return m.stopper.GetTaskCount() == 0 }, testTimeout, time.Millisecond)
}

func TestLocalSessionUnknownPartition(t *testing.T) {
	registry := partition.NewRegistry(zap.NewNop())
	m := NewLocalConnectionManager(registry, WithLogger(zap.NewNop()))
	defer func() { require.NoError(t, m.Close()) }()

	req := Request{PartitionID: partition.NewResultPartitionID()}
	_, err := m.Open(context.Background(), req, newCollector())
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrPartitionNotFound))
}

func TestLocalSessionTaskEvent(t *testing.T) {
	registry := partition.NewRegistry(zap.NewNop())
	p := registerPartition(t, registry, partition.Pipelined)
	d := event.NewDispatcher[partition.ResultPartitionID]()
	m := NewLocalConnectionManager(registry, WithLogger(zap.NewNop()), WithTaskEventDispatcher(d))
	defer func() { require.NoError(t, m.Close()) }()

	got := make(chan event.Event, 1)
	d.RegisterPartition(p.ID())
	require.True(t, d.Subscribe(p.ID(), event.HandlerFunc(func(ev event.Event) { got <- ev })))

	s, err := m.Open(context.Background(), Request{PartitionID: p.ID()}, newCollector())
	require.NoError(t, err)
	require.NoError(t, s.SendTaskEvent(event.TaskEvent{Payload: []byte("hint")}))
	select {
	case ev := <-got:
		assert.Equal(t, event.TaskEvent{Payload: []byte("hint")}, ev)
	case <-time.After(testTimeout):
		t.Fatal("task event not delivered")
	}
	require.NoError(t, s.Close())
}

func startWebsocket(t *testing.T, registry *partition.Registry, opts ...Option) *WebsocketConnectionManager {
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	m := NewWebsocketConnectionManager("127.0.0.1:0", registry, opts...)
	require.NoError(t, m.Start())
	require.NotEmpty(t, m.Addr())
	return m
}

func TestWebsocketPartitionNotFound(t *testing.T) {
	registry := partition.NewRegistry(zap.NewNop())
	server := startWebsocket(t, registry)
	defer func() { require.NoError(t, server.Close()) }()
	client := NewWebsocketConnectionManager("", nil, WithLogger(zap.NewNop()))
	defer func() { require.NoError(t, client.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	req := Request{PartitionID: partition.NewResultPartitionID(), Address: server.Addr()}
	_, err := client.Open(ctx, req, newCollector())
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrPartitionNotFound), "%v", err)
}

func TestWebsocketDialFailure(t *testing.T) {
	client := NewWebsocketConnectionManager("", nil, WithLogger(zap.NewNop()))
	defer func() { require.NoError(t, client.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	req := Request{PartitionID: partition.NewResultPartitionID(), Address: "127.0.0.1:1"}
	_, err := client.Open(ctx, req, newCollector())
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrRemoteTransport), "%v", err)

	_, err = client.Open(ctx, Request{}, newCollector())
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidArg))
}

func TestWebsocketSessionDeliversInOrder(t *testing.T) {
	registry := partition.NewRegistry(zap.NewNop())
	d := event.NewDispatcher[partition.ResultPartitionID]()
	server := startWebsocket(t, registry, WithCompression(true), WithTaskEventDispatcher(d))
	defer func() { require.NoError(t, server.Close()) }()
	client := NewWebsocketConnectionManager("", nil, WithLogger(zap.NewNop()))
	defer func() { require.NoError(t, client.Close()) }()

	p := registerPartition(t, registry, partition.PipelinedCreditBased)
	got := make(chan event.Event, 1)
	d.RegisterPartition(p.ID())
	d.Subscribe(p.ID(), event.HandlerFunc(func(ev event.Event) { got <- ev }))

	payloads := [][]byte{
		bytes.Repeat([]byte("a"), 4096),
		[]byte("short"),
		bytes.Repeat([]byte("xyz"), 1000),
	}
	for _, b := range payloads {
		require.NoError(t, p.Add(dataBuffer(t, b), 0))
	}
	require.NoError(t, p.Finish())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	recv := newCollector()
	req := Request{PartitionID: p.ID(), InitialCredit: 2, Address: server.Addr()}
	s, err := client.Open(ctx, req, recv)
	require.NoError(t, err)

	recv.wait(t, 2)
	time.Sleep(20 * time.Millisecond)
	data, _, _, _ := recv.snapshot()
	require.Len(t, data, 2)

	require.NoError(t, s.SendTaskEvent(event.TaskEvent{Payload: []byte("superstep")}))
	select {
	case ev := <-got:
		assert.Equal(t, event.TaskEvent{Payload: []byte("superstep")}, ev)
	case <-time.After(testTimeout):
		t.Fatal("task event not delivered")
	}

	require.NoError(t, s.AnnounceCredit(1))
	recv.wait(t, 4)
	data, events, seqs, err := recv.snapshot()
	require.NoError(t, err)
	assert.Equal(t, payloads, data)
	assert.Equal(t, []uint64{0, 1, 2, 3}, seqs)
	require.Len(t, events, 1)
	assert.True(t, event.IsEndOfPartition(events[0]))
	require.NoError(t, s.Close())
	require.Eventually(t, func() bool { return registry.Len() == 0 }, testTimeout, time.Millisecond)
}

func TestWebsocketProducerReleaseFailsSession(t *testing.T) {
	registry := partition.NewRegistry(zap.NewNop())
	server := startWebsocket(t, registry)
	defer func() { require.NoError(t, server.Close()) }()
	client := NewWebsocketConnectionManager("", nil, WithLogger(zap.NewNop()))
	defer func() { require.NoError(t, client.Close()) }()

	p := registerPartition(t, registry, partition.Pipelined)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	recv := newCollector()
	s, err := client.Open(ctx, Request{PartitionID: p.ID(), Address: server.Addr()}, recv)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	p.Release(moerr.NewInternalError("producer failed"))
	recv.wait(t, 1)
	_, _, _, err = recv.snapshot()
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrPartitionReleased), "%v", err)
}
