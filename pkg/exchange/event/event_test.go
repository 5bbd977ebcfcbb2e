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

package event

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
)

func TestEventBuffer(t *testing.T) {
	events := []Event{
		EndOfPartition{},
		EndOfSuperstep{},
		CheckpointBarrier{ID: 7, Timestamp: -1},
		TaskEvent{Payload: []byte("hello")},
		TaskEvent{Payload: []byte{}},
	}
	for _, ev := range events {
		buf, err := ToBuffer(ev)
		require.NoError(t, err)
		assert.False(t, buf.IsData())
		assert.Equal(t, 1+ev.Size(), buf.Size())

		got, err := FromBuffer(buf)
		require.NoError(t, err)
		assert.Equal(t, ev, got, ev.Type().String())

		region := buf.Region()
		require.NoError(t, buf.Release())
		assert.True(t, region.IsFreed())
	}
}

func TestFromDataBuffer(t *testing.T) {
	buf := buffer.New(memory.AllocateUnpooled(8, memory.NoOwner), buffer.FreeingRecycler)
	defer buf.Release()
	_, err := FromBuffer(buf)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrInternal))
}

func TestUnmarshalErrors(t *testing.T) {
	region := memory.Wrap([]byte{0xee})
	_, err := Unmarshal(memory.NewInputView(region, 1))
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrUnknownEvent))

	// barrier truncated after the id
	region = memory.AllocateUnpooled(9, memory.NoOwner)
	w := memory.NewOutputView(region)
	require.NoError(t, w.WriteByte(byte(CheckpointBarrierType)))
	require.NoError(t, w.WriteInt64(1))
	_, err = Unmarshal(memory.NewInputView(region, w.Position()))
	assert.Error(t, err)

	region = memory.AllocateUnpooled(5, memory.NoOwner)
	w = memory.NewOutputView(region)
	require.NoError(t, w.WriteByte(byte(TaskEventType)))
	require.NoError(t, w.WriteInt32(100))
	_, err = Unmarshal(memory.NewInputView(region, w.Position()))
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidArg))
}

func TestIsEndOfPartition(t *testing.T) {
	assert.True(t, IsEndOfPartition(EndOfPartition{}))
	assert.False(t, IsEndOfPartition(EndOfSuperstep{}))
	assert.Equal(t, "Unknown(9)", Type(9).String())
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher[string]()
	var n atomic.Int32
	h := HandlerFunc(func(ev Event) {
		if _, ok := ev.(TaskEvent); ok {
			n.Add(1)
		}
	})

	assert.False(t, d.Subscribe("a", h))
	assert.False(t, d.Publish("a", TaskEvent{}))

	d.RegisterPartition("a")
	d.RegisterPartition("a")
	assert.Equal(t, 1, d.Len())
	assert.True(t, d.Subscribe("a", h))
	assert.True(t, d.Subscribe("a", h))
	assert.True(t, d.Publish("a", TaskEvent{Payload: []byte{1}}))
	assert.Equal(t, int32(2), n.Load())

	d.UnregisterPartition("a")
	assert.False(t, d.Publish("a", TaskEvent{}))
	assert.Equal(t, 0, d.Len())
}
