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

package buffer

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
)

type countingRecycler struct {
	n atomic.Int32
}

func (c *countingRecycler) Recycle(r *memory.Region) {
	c.n.Add(1)
}

func TestBufferRecycleOnce(t *testing.T) {
	rc := &countingRecycler{}
	buf := New(memory.AllocateUnpooled(64, memory.NoOwner), rc)
	assert.True(t, buf.IsData())
	assert.Equal(t, int32(1), buf.RefCnt())

	const n = 16
	for i := 0; i < n-1; i++ {
		_, err := buf.Retain()
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < n*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := buf.Release(); err != nil {
				assert.True(t, moerr.IsMoErrCode(err, moerr.ErrIllegalRefCnt))
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), rc.n.Load())
	assert.Equal(t, int32(n), failed.Load())
	assert.Equal(t, int32(0), buf.RefCnt())
	assert.True(t, buf.IsRecycled())

	_, err := buf.Retain()
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrIllegalRefCnt))
}

func TestBufferSetSize(t *testing.T) {
	buf := NewEvent(memory.AllocateUnpooled(16, memory.NoOwner), FreeingRecycler)
	assert.False(t, buf.IsData())
	assert.Equal(t, 16, buf.Size())

	require.NoError(t, buf.SetSize(0))
	require.NoError(t, buf.SetSize(10))
	assert.Equal(t, 10, buf.Size())
	data, err := buf.Bytes()
	require.NoError(t, err)
	assert.Len(t, data, 10)

	for _, n := range []int{-1, 17} {
		require.True(t, moerr.IsMoErrCode(buf.SetSize(n), moerr.ErrInvalidSize))
	}

	require.NoError(t, buf.Release())
	assert.True(t, buf.Region().IsFreed())
	require.True(t, moerr.IsMoErrCode(buf.SetSize(1), moerr.ErrInvalidSize))
}

func TestTagAsEvent(t *testing.T) {
	buf := New(memory.AllocateUnpooled(16, memory.NoOwner), FreeingRecycler)
	buf.TagAsEvent()
	assert.False(t, buf.IsData())
	assert.Equal(t, 16, buf.Capacity())
	require.NotNil(t, buf.Recycler())

	// the freeing recycler hands the region back to the runtime
	require.NoError(t, buf.Release())
	assert.True(t, buf.Region().IsFreed())
}
