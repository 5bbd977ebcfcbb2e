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
	"io"
	"sync/atomic"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
)

// Region is a fixed-size byte addressable view over one Memory. Every
// accessor validates the index range and fails once the region is freed.
//
// A Region has exactly one holder at a time. Free only invalidates the
// handle; the underlying Memory is returned by whoever allocated it.
type Region struct {
	mem   Memory
	data  []byte
	size  int
	owner Owner
	freed atomic.Bool
}

// NewRegion wraps mem for owner.
func NewRegion(mem Memory, owner Owner) *Region {
	data := mem.Bytes()
	return &Region{
		mem:   mem,
		data:  data,
		size:  len(data),
		owner: owner,
	}
}

// AllocateUnpooled allocates a heap region that belongs to no pool.
func AllocateUnpooled(size int, owner Owner) *Region {
	return NewRegion(NewHeapMemory(size), owner)
}

// Wrap creates a heap region over b without copying.
func Wrap(b []byte) *Region {
	return NewRegion(&heapMemory{data: b}, NoOwner)
}

func (r *Region) Size() int {
	return r.size
}

func (r *Region) Kind() Kind {
	return r.mem.Kind()
}

func (r *Region) Owner() Owner {
	return r.owner
}

// Memory returns the backing memory so that pools can reuse it after the
// region handle is freed.
func (r *Region) Memory() Memory {
	return r.mem
}

func (r *Region) IsFreed() bool {
	return r.freed.Load()
}

// Free invalidates the region. Calling it more than once is allowed.
func (r *Region) Free() {
	r.freed.Store(true)
}

func (r *Region) check(index, width int) error {
	if r.freed.Load() {
		return moerr.NewUseAfterFree()
	}
	if index < 0 || width < 0 || index > r.size-width {
		return moerr.NewOutOfBounds(index, width, r.size)
	}
	return nil
}

func (r *Region) Get(index int) (byte, error) {
	if err := r.check(index, 1); err != nil {
		return 0, err
	}
	return r.data[index], nil
}

func (r *Region) Put(index int, b byte) error {
	if err := r.check(index, 1); err != nil {
		return err
	}
	r.data[index] = b
	return nil
}

func (r *Region) GetBool(index int) (bool, error) {
	b, err := r.Get(index)
	return b != 0, err
}

func (r *Region) PutBool(index int, v bool) error {
	var b byte
	if v {
		b = 1
	}
	return r.Put(index, b)
}

func (r *Region) get16(index int, swap bool) (uint16, error) {
	if err := r.check(index, 2); err != nil {
		return 0, err
	}
	return load16(r.data, index, swap), nil
}

func (r *Region) put16(index int, v uint16, swap bool) error {
	if err := r.check(index, 2); err != nil {
		return err
	}
	store16(r.data, index, v, swap)
	return nil
}

func (r *Region) get32(index int, swap bool) (uint32, error) {
	if err := r.check(index, 4); err != nil {
		return 0, err
	}
	return load32(r.data, index, swap), nil
}

func (r *Region) put32(index int, v uint32, swap bool) error {
	if err := r.check(index, 4); err != nil {
		return err
	}
	store32(r.data, index, v, swap)
	return nil
}

func (r *Region) get64(index int, swap bool) (uint64, error) {
	if err := r.check(index, 8); err != nil {
		return 0, err
	}
	return load64(r.data, index, swap), nil
}

func (r *Region) put64(index int, v uint64, swap bool) error {
	if err := r.check(index, 8); err != nil {
		return err
	}
	store64(r.data, index, v, swap)
	return nil
}

// GetBytes copies len(dst) bytes starting at index into dst.
func (r *Region) GetBytes(index int, dst []byte) error {
	if err := r.check(index, len(dst)); err != nil {
		return err
	}
	copy(dst, r.data[index:])
	return nil
}

// PutBytes copies src into the region starting at index.
func (r *Region) PutBytes(index int, src []byte) error {
	if err := r.check(index, len(src)); err != nil {
		return err
	}
	copy(r.data[index:], src)
	return nil
}

// CopyTo copies n bytes from offset into target at targetOffset.
func (r *Region) CopyTo(offset int, target *Region, targetOffset, n int) error {
	if err := r.check(offset, n); err != nil {
		return err
	}
	if err := target.check(targetOffset, n); err != nil {
		return err
	}
	copy(target.data[targetOffset:targetOffset+n], r.data[offset:offset+n])
	return nil
}

// CopyToWriter writes n bytes starting at offset to w.
func (r *Region) CopyToWriter(w io.Writer, offset, n int) error {
	if err := r.check(offset, n); err != nil {
		return err
	}
	_, err := w.Write(r.data[offset : offset+n])
	return err
}

// CopyFromReader fills n bytes starting at offset from rd.
func (r *Region) CopyFromReader(rd io.Reader, offset, n int) error {
	if err := r.check(offset, n); err != nil {
		return err
	}
	_, err := io.ReadFull(rd, r.data[offset:offset+n])
	return err
}

// CopyToBuffer appends n bytes starting at offset to buf.
func (r *Region) CopyToBuffer(offset int, buf *bytes.Buffer, n int) error {
	if err := r.check(offset, n); err != nil {
		return err
	}
	buf.Write(r.data[offset : offset+n])
	return nil
}

// CopyFromBuffer consumes n bytes from buf into the region at offset.
func (r *Region) CopyFromBuffer(offset int, buf *bytes.Buffer, n int) error {
	if err := r.check(offset, n); err != nil {
		return err
	}
	if buf.Len() < n {
		return moerr.NewOutOfBounds(0, n, buf.Len())
	}
	copy(r.data[offset:offset+n], buf.Next(n))
	return nil
}

// Slice returns the n bytes starting at offset without copying. The slice
// is only valid while the caller holds the region.
func (r *Region) Slice(offset, n int) ([]byte, error) {
	if err := r.check(offset, n); err != nil {
		return nil, err
	}
	return r.data[offset : offset+n : offset+n], nil
}

// Compare compares n bytes of r at off1 with n bytes of other at off2 as
// unsigned bytes, returning -1, 0 or 1.
func (r *Region) Compare(other *Region, off1, off2, n int) (int, error) {
	if err := r.check(off1, n); err != nil {
		return 0, err
	}
	if err := other.check(off2, n); err != nil {
		return 0, err
	}
	a := r.data[off1 : off1+n]
	b := other.data[off2 : off2+n]

	i := 0
	for ; i+8 <= n; i += 8 {
		x := binary.BigEndian.Uint64(a[i:])
		y := binary.BigEndian.Uint64(b[i:])
		if x != y {
			if x < y {
				return -1, nil
			}
			return 1, nil
		}
	}
	for ; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

// EqualTo reports whether n bytes of r at off1 equal n bytes of other at off2.
func (r *Region) EqualTo(other *Region, off1, off2, n int) (bool, error) {
	c, err := r.Compare(other, off1, off2, n)
	return c == 0 && err == nil, err
}

// SwapBytes exchanges n bytes of r at off1 with n bytes of other at off2,
// using tmp as scratch space. Nothing is moved when an argument is invalid.
func (r *Region) SwapBytes(tmp []byte, other *Region, off1, off2, n int) error {
	if n < 0 || len(tmp) < n {
		return moerr.NewOutOfBounds(0, n, len(tmp))
	}
	if err := r.check(off1, n); err != nil {
		return err
	}
	if err := other.check(off2, n); err != nil {
		return err
	}
	copy(tmp[:n], r.data[off1:off1+n])
	copy(r.data[off1:off1+n], other.data[off2:off2+n])
	copy(other.data[off2:off2+n], tmp[:n])
	return nil
}
