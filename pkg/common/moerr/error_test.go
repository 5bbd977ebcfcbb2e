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

package moerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type name string

func (n name) String() string { return string(n) }

func TestErrorMessages(t *testing.T) {
	require.Equal(t, "access out of bounds: offset 4, length 8, size 8", NewOutOfBounds(4, 8, 8).Error())
	require.Equal(t, "partition p@a not found", NewPartitionNotFound(name("p@a")).Error())
	require.Equal(t, "memory region used after free", NewUseAfterFree().Error())
	require.Equal(t, "internal error: bad 1", NewInternalError("bad %d", 1).Error())
	require.Equal(t, "input gate of task-1 has been released", NewInputGateReleased("task-1").Error())
	require.True(t, IsMoErrCode(NewInputGateReleased("task-1"), ErrChannelReleased))
}

func TestAllCodesHaveMessages(t *testing.T) {
	for code, item := range errorMsgRefer {
		assert.NotEmpty(t, item.errorMsgOrFormat, "code %d", code)
	}
}

func TestUnknownCodePanics(t *testing.T) {
	require.Panics(t, func() {
		_ = newError(ErrEnd)
	})
}

func TestIsMoErrCode(t *testing.T) {
	err := NewPoolDestroyed()
	require.True(t, IsMoErrCode(err, ErrPoolDestroyed))
	require.False(t, IsMoErrCode(err, ErrCancelled))
	require.True(t, IsMoErrCode(nil, Ok))
	require.False(t, IsMoErrCode(errors.New("plain"), ErrPoolDestroyed))

	wrapped := fmt.Errorf("request buffer: %w", err)
	require.True(t, IsMoErrCode(wrapped, ErrPoolDestroyed))
	require.True(t, errors.Is(wrapped, NewPoolDestroyed()))

	code, ok := GetMoErrCode(wrapped)
	require.True(t, ok)
	require.Equal(t, ErrPoolDestroyed, code)
}

func TestMarshalBinary(t *testing.T) {
	err := NewIndexOutOfRange(3, 2)
	data, e := err.MarshalBinary()
	require.NoError(t, e)

	var got Error
	require.NoError(t, got.UnmarshalBinary(data))
	require.Equal(t, err.ErrorCode(), got.ErrorCode())
	require.Equal(t, err.Error(), got.Error())

	require.Error(t, got.UnmarshalBinary([]byte{1}))
}

func TestDisplay(t *testing.T) {
	err := NewCancelled(nil)
	require.Equal(t, err.Error(), err.Display())
	d := err.WithDetail("task t1")
	require.Equal(t, "operation cancelled: context cancelled: task t1", d.Display())
	require.Empty(t, err.Detail())
}
