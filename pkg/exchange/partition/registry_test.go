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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	p := newTestPartition(t, Pipelined, 2, nil)

	_, err := r.CreateSubpartitionView(p.ID(), 0, &countingListener{})
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrPartitionNotFound))

	require.NoError(t, r.Register(p))
	err = r.Register(p)
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrPartitionAlreadyRegistered))
	assert.Equal(t, 1, r.Len())

	view, err := r.CreateSubpartitionView(p.ID(), 0, &countingListener{})
	require.NoError(t, err)
	require.NotNil(t, view)
	_, err = r.CreateSubpartitionView(p.ID(), 5, &countingListener{})
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrIndexOutOfRange))

	got, ok := r.Unregister(p.ID())
	assert.True(t, ok)
	assert.Equal(t, p, got)
	_, ok = r.Unregister(p.ID())
	assert.False(t, ok)
	assert.False(t, p.IsReleased())
	p.Release(nil)
}

func TestRegistryRejectsSecondView(t *testing.T) {
	r := NewRegistry(nil)
	p := newTestPartition(t, Pipelined, 1, nil)
	require.NoError(t, r.Register(p))
	defer r.Shutdown()

	view, err := r.CreateSubpartitionView(p.ID(), 0, &countingListener{})
	require.NoError(t, err)

	errC := make(chan error, 1)
	go func() {
		_, err := r.CreateSubpartitionView(p.ID(), 0, &countingListener{})
		errC <- err
	}()
	select {
	case err := <-errC:
		assert.True(t, moerr.IsMoErrCode(err, moerr.ErrViewAlreadyExists), "%v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("second view request blocked")
	}

	view.ReleaseAllResources()
	_, err = r.CreateSubpartitionView(p.ID(), 0, &countingListener{})
	require.NoError(t, err)
}

func TestRegistryReleaseOnConsumed(t *testing.T) {
	r := NewRegistry(nil)
	p := newTestPartition(t, Pipelined, 2, nil)
	require.NoError(t, r.Register(p))

	v0, err := r.CreateSubpartitionView(p.ID(), 0, &countingListener{})
	require.NoError(t, err)
	v1, err := r.CreateSubpartitionView(p.ID(), 1, &countingListener{})
	require.NoError(t, err)

	v0.NotifySubpartitionConsumed()
	v0.NotifySubpartitionConsumed()
	assert.False(t, p.IsReleased())
	assert.Equal(t, 1, r.Len())

	v1.NotifySubpartitionConsumed()
	assert.True(t, p.IsReleased())
	assert.Nil(t, p.Cause())
	assert.Equal(t, 0, r.Len())
}

func TestReleasePartitionsProducedBy(t *testing.T) {
	r := NewRegistry(nil)
	producer := NewProducerID()
	var mine []*ResultPartition
	for i := 0; i < 3; i++ {
		id := ResultPartitionID{PartitionID: NewPartitionID(), ProducerID: producer}
		p, err := NewResultPartition("task-1", id, Pipelined, 1, r, nil)
		require.NoError(t, err)
		require.NoError(t, r.Register(p))
		mine = append(mine, p)
	}
	other := newTestPartition(t, Pipelined, 1, nil)
	require.NoError(t, r.Register(other))

	cause := moerr.NewInternalError("task failed")
	assert.Equal(t, 3, r.ReleasePartitionsProducedBy(producer, cause))
	for _, p := range mine {
		assert.True(t, p.IsReleased())
		assert.Equal(t, cause, p.Cause())
	}
	assert.False(t, other.IsReleased())
	assert.Equal(t, 1, r.Len())

	r.Shutdown()
	assert.True(t, other.IsReleased())
	assert.True(t, moerr.IsMoErrCode(other.Cause(), moerr.ErrShutdown))
	assert.Equal(t, 0, r.Len())
	err := r.Register(newTestPartition(t, Pipelined, 1, nil))
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrShutdown))
}

func TestAsyncConsumableNotifier(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[ResultPartitionID]int)
	done := make(chan struct{}, 4)
	n, err := NewAsyncConsumableNotifier(2, func(id ResultPartitionID) {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		done <- struct{}{}
	}, nil)
	require.NoError(t, err)

	p := newTestPartition(t, Pipelined, 1, n)
	rc := &countingRecycler{}
	require.NoError(t, p.Add(newDataBuffer(rc, 1), 0))
	require.NoError(t, p.Add(newDataBuffer(rc, 2), 0))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
	mu.Lock()
	assert.Equal(t, 1, seen[p.ID()])
	mu.Unlock()
	p.Release(nil)
	n.Close()
}
