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
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// 0 - 99 is OK.
	Ok    uint16 = 0
	OkMax uint16 = 99

	// Group 1: Internal errors
	ErrStart       uint16 = 20100
	ErrInternal    uint16 = 20101
	ErrInvalidArg  uint16 = 20102
	ErrShutdown    uint16 = 20103
	ErrIllegalCode uint16 = 20104

	// Group 2: memory regions
	ErrOutOfBounds      uint16 = 20200
	ErrUseAfterFree     uint16 = 20201
	ErrMemoryAllocation uint16 = 20202

	// Group 3: buffers and pools
	ErrInvalidSize        uint16 = 20300
	ErrIllegalRefCnt      uint16 = 20301
	ErrPoolDestroyed      uint16 = 20302
	ErrInsufficientMemory uint16 = 20303
	ErrCancelled          uint16 = 20304

	// Group 4: partitions and channels
	ErrPartitionNotFound          uint16 = 20400
	ErrPartitionReleased          uint16 = 20401
	ErrPartitionAlreadyRegistered uint16 = 20402
	ErrViewAlreadyExists          uint16 = 20403
	ErrIndexOutOfRange            uint16 = 20404
	ErrChannelReleased            uint16 = 20405
	ErrRemoteTransport            uint16 = 20406
	ErrUnknownEvent               uint16 = 20407

	// ErrEnd, the max value of MOErrorCode
	ErrEnd uint16 = 65535
)

type moErrorMsgItem struct {
	errorMsgOrFormat string
}

var errorMsgRefer = map[uint16]moErrorMsgItem{
	Ok: {"ok"},

	ErrInternal:    {"internal error: %s"},
	ErrInvalidArg:  {"invalid argument %s, bad value %v"},
	ErrShutdown:    {"%s is shut down"},
	ErrIllegalCode: {"illegal error code %d"},

	ErrOutOfBounds:      {"access out of bounds: offset %d, length %d, size %d"},
	ErrUseAfterFree:     {"memory region used after free"},
	ErrMemoryAllocation: {"could not allocate %d pages, only %d available"},

	ErrInvalidSize:        {"invalid buffer size %d, capacity %d"},
	ErrIllegalRefCnt:      {"illegal reference count %d"},
	ErrPoolDestroyed:      {"buffer pool is destroyed"},
	ErrInsufficientMemory: {"insufficient network memory: %s"},
	ErrCancelled:          {"operation cancelled: %s"},

	ErrPartitionNotFound:          {"partition %s not found"},
	ErrPartitionReleased:          {"partition %s has been released"},
	ErrPartitionAlreadyRegistered: {"partition %s already registered"},
	ErrViewAlreadyExists:          {"subpartition %d of %s is already being consumed"},
	ErrIndexOutOfRange:            {"index %d out of range [0, %d)"},
	ErrChannelReleased:            {"input channel %d has been released"},
	ErrRemoteTransport:            {"remote transport error from %s: %s"},
	ErrUnknownEvent:               {"unknown event type %d"},
}

func newError(code uint16, args ...any) *Error {
	item, has := errorMsgRefer[code]
	if !has {
		panic(NewIllegalCode(code))
	}
	err := &Error{code: code, message: item.errorMsgOrFormat}
	if len(args) > 0 {
		err.message = fmt.Sprintf(item.errorMsgOrFormat, args...)
	}
	return err
}

type Error struct {
	code    uint16
	message string
	detail  string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Detail() string {
	return e.detail
}

func (e *Error) Display() string {
	if len(e.detail) == 0 {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.detail)
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

// Is reports whether target is a moerr with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// WithDetail returns a copy of e carrying detail.
func (e *Error) WithDetail(detail string) *Error {
	c := *e
	c.detail = detail
	return &c
}

var _ encoding.BinaryMarshaler = new(Error)

// MarshalBinary encodes the code followed by the message bytes.
func (e *Error) MarshalBinary() ([]byte, error) {
	data := make([]byte, 2+len(e.message))
	binary.BigEndian.PutUint16(data, e.code)
	copy(data[2:], e.message)
	return data, nil
}

var _ encoding.BinaryUnmarshaler = new(Error)

func (e *Error) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return NewInvalidArg("moerr payload", len(data))
	}
	e.code = binary.BigEndian.Uint16(data)
	e.message = string(data[2:])
	return nil
}

// IsMoErrCode reports whether err, or any error it wraps, is a moerr
// carrying code rc.
func IsMoErrCode(err error, rc uint16) bool {
	if err == nil {
		return rc == Ok
	}
	var me *Error
	if !errors.As(err, &me) {
		return false
	}
	return me.code == rc
}

// GetMoErrCode returns the code of the first moerr in err's chain.
func GetMoErrCode(err error) (uint16, bool) {
	var me *Error
	if !errors.As(err, &me) {
		return 0, false
	}
	return me.code, true
}

func NewIllegalCode(code uint16) *Error {
	return &Error{
		code:    ErrIllegalCode,
		message: fmt.Sprintf(errorMsgRefer[ErrIllegalCode].errorMsgOrFormat, code),
	}
}

func NewInternalError(msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ErrInternal, xmsg)
}

func NewInvalidArg(arg string, val any) *Error {
	return newError(ErrInvalidArg, arg, val)
}

func NewShutdown(what string) *Error {
	return newError(ErrShutdown, what)
}

func NewOutOfBounds(offset, length, size int) *Error {
	return newError(ErrOutOfBounds, offset, length, size)
}

func NewUseAfterFree() *Error {
	return newError(ErrUseAfterFree)
}

func NewMemoryAllocation(requested, available int) *Error {
	return newError(ErrMemoryAllocation, requested, available)
}

func NewInvalidSize(size, capacity int) *Error {
	return newError(ErrInvalidSize, size, capacity)
}

func NewIllegalRefCnt(cnt int32) *Error {
	return newError(ErrIllegalRefCnt, cnt)
}

func NewPoolDestroyed() *Error {
	return newError(ErrPoolDestroyed)
}

func NewInsufficientMemory(msg string, args ...any) *Error {
	return newError(ErrInsufficientMemory, fmt.Sprintf(msg, args...))
}

func NewCancelled(cause error) *Error {
	msg := "context cancelled"
	if cause != nil {
		msg = cause.Error()
	}
	return newError(ErrCancelled, msg)
}

func NewPartitionNotFound(partition fmt.Stringer) *Error {
	return newError(ErrPartitionNotFound, partition.String())
}

func NewPartitionReleased(partition fmt.Stringer) *Error {
	return newError(ErrPartitionReleased, partition.String())
}

func NewPartitionAlreadyRegistered(partition fmt.Stringer) *Error {
	return newError(ErrPartitionAlreadyRegistered, partition.String())
}

func NewViewAlreadyExists(index int, partition fmt.Stringer) *Error {
	return newError(ErrViewAlreadyExists, index, partition.String())
}

func NewIndexOutOfRange(index, n int) *Error {
	return newError(ErrIndexOutOfRange, index, n)
}

func NewChannelReleased(index int) *Error {
	return newError(ErrChannelReleased, index)
}

// NewInputGateReleased reports an operation on a released input gate. It
// shares the code of NewChannelReleased.
func NewInputGateReleased(owner string) *Error {
	return &Error{
		code:    ErrChannelReleased,
		message: fmt.Sprintf("input gate of %s has been released", owner),
	}
}

func NewRemoteTransport(addr string, msg string, args ...any) *Error {
	return newError(ErrRemoteTransport, addr, fmt.Sprintf(msg, args...))
}

func NewUnknownEvent(typ uint8) *Error {
	return newError(ErrUnknownEvent, typ)
}
