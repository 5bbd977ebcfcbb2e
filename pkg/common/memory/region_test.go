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

package memory

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
)

func newTestRegions(t *testing.T, size int) []*Region {
	off, err := NewOffHeapMemory(size)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, off.Close())
	})
	return []*Region{
		AllocateUnpooled(size, NoOwner),
		NewRegion(off, Owner(7)),
	}
}

func TestRegionKinds(t *testing.T) {
	regions := newTestRegions(t, 64)
	assert.Equal(t, HeapKind, regions[0].Kind())
	assert.Equal(t, OffHeapKind, regions[1].Kind())
	assert.Equal(t, Owner(7), regions[1].Owner())
	for _, r := range regions {
		assert.Equal(t, 64, r.Size())
		assert.False(t, r.IsFreed())
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	const size = 64
	for _, r := range newTestRegions(t, size) {
		for i := 0; i < size; i++ {
			require.NoError(t, r.Put(i, byte(i*3)))
			b, err := r.Get(i)
			require.NoError(t, err)
			require.Equal(t, byte(i*3), b)

			require.NoError(t, r.PutBool(i, i%2 == 0))
			v, err := r.GetBool(i)
			require.NoError(t, err)
			require.Equal(t, i%2 == 0, v)
		}

		for i := 0; i+2 <= size; i++ {
			for _, acc := range []struct {
				put func(int, int16) error
				get func(int) (int16, error)
			}{
				{r.PutInt16, r.GetInt16},
				{r.PutInt16LittleEndian, r.GetInt16LittleEndian},
				{r.PutInt16BigEndian, r.GetInt16BigEndian},
			} {
				want := int16(-1234 + i)
				require.NoError(t, acc.put(i, want))
				got, err := acc.get(i)
				require.NoError(t, err)
				require.Equal(t, want, got)
			}
			for _, acc := range []struct {
				put func(int, uint16) error
				get func(int) (uint16, error)
			}{
				{r.PutUint16, r.GetUint16},
				{r.PutUint16LittleEndian, r.GetUint16LittleEndian},
				{r.PutUint16BigEndian, r.GetUint16BigEndian},
			} {
				want := uint16(0xfe00 + i)
				require.NoError(t, acc.put(i, want))
				got, err := acc.get(i)
				require.NoError(t, err)
				require.Equal(t, want, got)
			}
		}

		for i := 0; i+4 <= size; i++ {
			for _, acc := range []struct {
				put func(int, int32) error
				get func(int) (int32, error)
			}{
				{r.PutInt32, r.GetInt32},
				{r.PutInt32LittleEndian, r.GetInt32LittleEndian},
				{r.PutInt32BigEndian, r.GetInt32BigEndian},
			} {
				want := int32(math.MinInt32 + i)
				require.NoError(t, acc.put(i, want))
				got, err := acc.get(i)
				require.NoError(t, err)
				require.Equal(t, want, got)
			}
			for _, acc := range []struct {
				put func(int, float32) error
				get func(int) (float32, error)
			}{
				{r.PutFloat32, r.GetFloat32},
				{r.PutFloat32LittleEndian, r.GetFloat32LittleEndian},
				{r.PutFloat32BigEndian, r.GetFloat32BigEndian},
			} {
				want := float32(i) * 1.5
				require.NoError(t, acc.put(i, want))
				got, err := acc.get(i)
				require.NoError(t, err)
				require.Equal(t, want, got)
			}
		}

		for i := 0; i+8 <= size; i++ {
			for _, acc := range []struct {
				put func(int, int64) error
				get func(int) (int64, error)
			}{
				{r.PutInt64, r.GetInt64},
				{r.PutInt64LittleEndian, r.GetInt64LittleEndian},
				{r.PutInt64BigEndian, r.GetInt64BigEndian},
			} {
				want := int64(math.MaxInt64 - i)
				require.NoError(t, acc.put(i, want))
				got, err := acc.get(i)
				require.NoError(t, err)
				require.Equal(t, want, got)
			}
			for _, acc := range []struct {
				put func(int, float64) error
				get func(int) (float64, error)
			}{
				{r.PutFloat64, r.GetFloat64},
				{r.PutFloat64LittleEndian, r.GetFloat64LittleEndian},
				{r.PutFloat64BigEndian, r.GetFloat64BigEndian},
			} {
				want := -float64(i) / 3
				require.NoError(t, acc.put(i, want))
				got, err := acc.get(i)
				require.NoError(t, err)
				require.Equal(t, want, got)
			}
		}
	}
}

func TestExplicitByteOrder(t *testing.T) {
	r := AllocateUnpooled(8, NoOwner)
	require.NoError(t, r.PutInt32BigEndian(0, 0x01020304))
	require.NoError(t, r.PutInt32LittleEndian(4, 0x01020304))
	got, err := r.Slice(0, 8)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 4, 3, 2, 1}, got)

	native, err := r.GetInt32(0)
	require.NoError(t, err)
	require.Equal(t, int32(binary.NativeEndian.Uint32(got)), native)
}

func TestOutOfBounds(t *testing.T) {
	for _, r := range newTestRegions(t, 16) {
		cases := []func() error{
			func() error { _, err := r.Get(-1); return err },
			func() error { _, err := r.Get(16); return err },
			func() error { return r.Put(16, 1) },
			func() error { _, err := r.GetInt16(15); return err },
			func() error { _, err := r.GetInt32BigEndian(13); return err },
			func() error { _, err := r.GetInt64LittleEndian(9); return err },
			func() error { return r.PutFloat64(9, 1) },
			func() error { return r.PutInt64(math.MaxInt, 1) },
			func() error { return r.GetBytes(10, make([]byte, 7)) },
			func() error { return r.PutBytes(-1, []byte{1}) },
			func() error { _, err := r.Slice(0, 17); return err },
			func() error { return r.CopyTo(0, AllocateUnpooled(4, NoOwner), 0, 5) },
		}
		for i, fn := range cases {
			err := fn()
			require.Error(t, err, "case %d", i)
			require.True(t, moerr.IsMoErrCode(err, moerr.ErrOutOfBounds), "case %d: %v", i, err)
		}

		// the last valid positions
		_, err := r.GetInt64(8)
		require.NoError(t, err)
		_, err = r.Get(15)
		require.NoError(t, err)
		require.NoError(t, r.PutBytes(16, nil))
	}
}

func TestUseAfterFree(t *testing.T) {
	for _, r := range newTestRegions(t, 16) {
		for i := 0; i < 16; i++ {
			_, err := r.Get(i)
			require.NoError(t, err)
		}
		r.Free()
		r.Free()
		require.True(t, r.IsFreed())

		other := AllocateUnpooled(16, NoOwner)
		cases := []func() error{
			func() error { _, err := r.Get(0); return err },
			func() error { return r.Put(3, 1) },
			func() error { _, err := r.GetBool(0); return err },
			func() error { _, err := r.GetInt32(0); return err },
			func() error { return r.PutInt64BigEndian(8, 1) },
			func() error { return r.GetBytes(0, make([]byte, 4)) },
			func() error { return r.CopyTo(0, other, 0, 4) },
			func() error { return other.CopyTo(0, r, 0, 4) },
			func() error { _, err := r.Compare(other, 0, 0, 4); return err },
			func() error { return r.SwapBytes(make([]byte, 4), other, 0, 0, 4) },
			func() error { return r.CopyToWriter(&bytes.Buffer{}, 0, 1) },
		}
		for i, fn := range cases {
			require.True(t, moerr.IsMoErrCode(fn(), moerr.ErrUseAfterFree), "case %d", i)
		}
	}
}

func naiveCompare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func TestCompare(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	a := AllocateUnpooled(64, NoOwner)
	b := AllocateUnpooled(64, NoOwner)

	check := func(off1, off2, n int) {
		x, _ := a.Slice(off1, n)
		y, _ := b.Slice(off2, n)
		got, err := a.Compare(b, off1, off2, n)
		require.NoError(t, err)
		require.Equal(t, naiveCompare(x, y), got)
		require.Equal(t, bytes.Compare(x, y), got)
	}

	for _, fill := range []byte{0x00, 0xff} {
		require.NoError(t, a.PutBytes(0, bytes.Repeat([]byte{fill}, 64)))
		require.NoError(t, b.PutBytes(0, bytes.Repeat([]byte{fill}, 64)))
		check(0, 0, 64)
		require.NoError(t, b.Put(37, fill^0xff))
		check(0, 0, 64)
		check(3, 3, 30)
	}

	for i := 0; i < 2000; i++ {
		buf := make([]byte, 64)
		rnd.Read(buf)
		require.NoError(t, a.PutBytes(0, buf))
		// share a random prefix so the first difference lands anywhere
		prefix := rnd.Intn(64)
		other := make([]byte, 64)
		rnd.Read(other)
		copy(other, buf[:prefix])
		require.NoError(t, b.PutBytes(0, other))

		n := rnd.Intn(33)
		off1 := rnd.Intn(64 - n + 1)
		check(off1, off1, n)
		check(0, 0, 64)
	}

	eq, err := a.EqualTo(a, 0, 0, 64)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestSwapBytes(t *testing.T) {
	a := Wrap([]byte{1, 2, 3, 4, 5, 6})
	b := Wrap([]byte{9, 8, 7, 6, 5, 4})

	require.NoError(t, a.SwapBytes(make([]byte, 3), b, 1, 2, 3))
	got, _ := a.Slice(0, 6)
	require.Equal(t, []byte{1, 7, 6, 5, 5, 6}, got)
	got, _ = b.Slice(0, 6)
	require.Equal(t, []byte{9, 8, 2, 3, 4, 4}, got)

	err := a.SwapBytes(make([]byte, 2), b, 0, 0, 3)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrOutOfBounds))
	err = a.SwapBytes(make([]byte, 3), b, 4, 0, 3)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrOutOfBounds))
	// nothing moved
	got, _ = a.Slice(0, 6)
	require.Equal(t, []byte{1, 7, 6, 5, 5, 6}, got)
}

func TestBulkTransfers(t *testing.T) {
	for _, r := range newTestRegions(t, 32) {
		src := []byte("0123456789abcdef")
		require.NoError(t, r.PutBytes(4, src))

		var sink bytes.Buffer
		require.NoError(t, r.CopyToWriter(&sink, 4, 16))
		require.Equal(t, src, sink.Bytes())

		require.NoError(t, r.CopyFromReader(bytes.NewReader([]byte("xyz")), 0, 3))
		got := make([]byte, 3)
		require.NoError(t, r.GetBytes(0, got))
		require.Equal(t, []byte("xyz"), got)
		require.Error(t, r.CopyFromReader(bytes.NewReader([]byte("x")), 0, 3))

		var transfer bytes.Buffer
		require.NoError(t, r.CopyToBuffer(4, &transfer, 10))
		require.Equal(t, "0123456789", transfer.String())
		require.NoError(t, r.CopyFromBuffer(20, &transfer, 10))
		require.Equal(t, 0, transfer.Len())
		require.True(t, moerr.IsMoErrCode(r.CopyFromBuffer(0, &transfer, 1), moerr.ErrOutOfBounds))

		target := AllocateUnpooled(8, NoOwner)
		require.NoError(t, r.CopyTo(20, target, 2, 6))
		got = make([]byte, 6)
		require.NoError(t, target.GetBytes(2, got))
		require.Equal(t, []byte("012345"), got)
	}
}

func TestMemoryReset(t *testing.T) {
	off, err := NewOffHeapMemory(4096)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, off.Close())
		require.NoError(t, off.Close())
	}()
	for _, mem := range []Memory{NewHeapMemory(4096), off} {
		mem.Bytes()[10] = 1
		require.NoError(t, mem.Reset())
		require.Equal(t, byte(0), mem.Bytes()[10])
	}

	_, err = NewOffHeapMemory(0)
	require.Error(t, err)
	mem, err := NewMemory(HeapKind, 8)
	require.NoError(t, err)
	require.Equal(t, "heap", mem.Kind().String())
}
