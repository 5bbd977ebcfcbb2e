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
	"io"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
)

// OutputView writes big-endian values sequentially into a region.
type OutputView struct {
	region *Region
	pos    int
}

func NewOutputView(region *Region) *OutputView {
	return &OutputView{region: region}
}

// Position returns the number of bytes written so far.
func (v *OutputView) Position() int {
	return v.pos
}

func (v *OutputView) Remaining() int {
	return v.region.Size() - v.pos
}

// Write implements io.Writer. A write that does not fit writes nothing.
func (v *OutputView) Write(p []byte) (int, error) {
	if err := v.region.PutBytes(v.pos, p); err != nil {
		return 0, err
	}
	v.pos += len(p)
	return len(p), nil
}

func (v *OutputView) WriteByte(b byte) error {
	if err := v.region.Put(v.pos, b); err != nil {
		return err
	}
	v.pos++
	return nil
}

func (v *OutputView) WriteBool(b bool) error {
	if err := v.region.PutBool(v.pos, b); err != nil {
		return err
	}
	v.pos++
	return nil
}

func (v *OutputView) WriteUint16(x uint16) error {
	if err := v.region.PutUint16BigEndian(v.pos, x); err != nil {
		return err
	}
	v.pos += 2
	return nil
}

func (v *OutputView) WriteInt32(x int32) error {
	if err := v.region.PutInt32BigEndian(v.pos, x); err != nil {
		return err
	}
	v.pos += 4
	return nil
}

func (v *OutputView) WriteInt64(x int64) error {
	if err := v.region.PutInt64BigEndian(v.pos, x); err != nil {
		return err
	}
	v.pos += 8
	return nil
}

func (v *OutputView) WriteFloat64(x float64) error {
	if err := v.region.PutFloat64BigEndian(v.pos, x); err != nil {
		return err
	}
	v.pos += 8
	return nil
}

// Skip advances the position by n bytes without writing.
func (v *OutputView) Skip(n int) error {
	if n < 0 || n > v.Remaining() {
		return moerr.NewOutOfBounds(v.pos, n, v.region.Size())
	}
	v.pos += n
	return nil
}

// InputView reads big-endian values sequentially from the first limit bytes
// of a region.
type InputView struct {
	region *Region
	pos    int
	limit  int
}

func NewInputView(region *Region, limit int) *InputView {
	if limit > region.Size() {
		limit = region.Size()
	}
	return &InputView{region: region, limit: limit}
}

func (v *InputView) Position() int {
	return v.pos
}

func (v *InputView) Remaining() int {
	return v.limit - v.pos
}

func (v *InputView) need(n int) error {
	switch rem := v.Remaining(); {
	case rem == 0:
		return io.EOF
	case rem < n:
		return io.ErrUnexpectedEOF
	}
	return nil
}

// Read implements io.Reader.
func (v *InputView) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if v.Remaining() == 0 {
		return 0, io.EOF
	}
	n := min(len(p), v.Remaining())
	if err := v.region.GetBytes(v.pos, p[:n]); err != nil {
		return 0, err
	}
	v.pos += n
	return n, nil
}

func (v *InputView) ReadByte() (byte, error) {
	if err := v.need(1); err != nil {
		return 0, err
	}
	b, err := v.region.Get(v.pos)
	if err != nil {
		return 0, err
	}
	v.pos++
	return b, nil
}

func (v *InputView) ReadBool() (bool, error) {
	b, err := v.ReadByte()
	return b != 0, err
}

func (v *InputView) ReadUint16() (uint16, error) {
	if err := v.need(2); err != nil {
		return 0, err
	}
	x, err := v.region.GetUint16BigEndian(v.pos)
	if err != nil {
		return 0, err
	}
	v.pos += 2
	return x, nil
}

func (v *InputView) ReadInt32() (int32, error) {
	if err := v.need(4); err != nil {
		return 0, err
	}
	x, err := v.region.GetInt32BigEndian(v.pos)
	if err != nil {
		return 0, err
	}
	v.pos += 4
	return x, nil
}

func (v *InputView) ReadInt64() (int64, error) {
	if err := v.need(8); err != nil {
		return 0, err
	}
	x, err := v.region.GetInt64BigEndian(v.pos)
	if err != nil {
		return 0, err
	}
	v.pos += 8
	return x, nil
}

func (v *InputView) ReadFloat64() (float64, error) {
	if err := v.need(8); err != nil {
		return 0, err
	}
	x, err := v.region.GetFloat64BigEndian(v.pos)
	if err != nil {
		return 0, err
	}
	v.pos += 8
	return x, nil
}

// Skip advances the position by n bytes.
func (v *InputView) Skip(n int) error {
	if n < 0 {
		return moerr.NewOutOfBounds(v.pos, n, v.limit)
	}
	if n > v.Remaining() {
		return io.ErrUnexpectedEOF
	}
	v.pos += n
	return nil
}
