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
	"fmt"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
)

// Type identifies the kind of an Event on the wire.
type Type uint8

const (
	EndOfPartitionType Type = iota + 1
	EndOfSuperstepType
	CheckpointBarrierType
	TaskEventType
)

func (t Type) String() string {
	switch t {
	case EndOfPartitionType:
		return "EndOfPartition"
	case EndOfSuperstepType:
		return "EndOfSuperstep"
	case CheckpointBarrierType:
		return "CheckpointBarrier"
	case TaskEventType:
		return "TaskEvent"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Event is a control item travelling through partitions and gates next to
// data buffers.
type Event interface {
	Type() Type
	// Size is the number of bytes Marshal writes.
	Size() int
	Marshal(w *memory.OutputView) error
}

// EndOfPartition is the last item of every subpartition.
type EndOfPartition struct{}

func (EndOfPartition) Type() Type                        { return EndOfPartitionType }
func (EndOfPartition) Size() int                         { return 0 }
func (EndOfPartition) Marshal(w *memory.OutputView) error { return nil }

// EndOfSuperstep separates iterations of an iterative job.
type EndOfSuperstep struct{}

func (EndOfSuperstep) Type() Type                        { return EndOfSuperstepType }
func (EndOfSuperstep) Size() int                         { return 0 }
func (EndOfSuperstep) Marshal(w *memory.OutputView) error { return nil }

// CheckpointBarrier aligns the inputs of a task on a checkpoint.
type CheckpointBarrier struct {
	ID        int64
	Timestamp int64
}

func (CheckpointBarrier) Type() Type { return CheckpointBarrierType }
func (CheckpointBarrier) Size() int  { return 16 }

func (e CheckpointBarrier) Marshal(w *memory.OutputView) error {
	if err := w.WriteInt64(e.ID); err != nil {
		return err
	}
	return w.WriteInt64(e.Timestamp)
}

// TaskEvent carries an opaque user payload between tasks.
type TaskEvent struct {
	Payload []byte
}

func (TaskEvent) Type() Type { return TaskEventType }

func (e TaskEvent) Size() int {
	return 4 + len(e.Payload)
}

func (e TaskEvent) Marshal(w *memory.OutputView) error {
	if err := w.WriteInt32(int32(len(e.Payload))); err != nil {
		return err
	}
	_, err := w.Write(e.Payload)
	return err
}

// IsEndOfPartition returns true if ev marks the end of a subpartition.
func IsEndOfPartition(ev Event) bool {
	_, ok := ev.(EndOfPartition)
	return ok
}

// Marshal writes the type tag followed by the event body.
func Marshal(ev Event, w *memory.OutputView) error {
	if err := w.WriteByte(byte(ev.Type())); err != nil {
		return err
	}
	return ev.Marshal(w)
}

// Unmarshal reads an event written by Marshal.
func Unmarshal(r *memory.InputView) (Event, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch Type(tag) {
	case EndOfPartitionType:
		return EndOfPartition{}, nil
	case EndOfSuperstepType:
		return EndOfSuperstep{}, nil
	case CheckpointBarrierType:
		id, err := r.ReadInt64()
		if err != nil {
			return nil, err
		}
		ts, err := r.ReadInt64()
		if err != nil {
			return nil, err
		}
		return CheckpointBarrier{ID: id, Timestamp: ts}, nil
	case TaskEventType:
		n, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		if n < 0 || int(n) > r.Remaining() {
			return nil, moerr.NewInvalidArg("task event payload length", n)
		}
		payload := make([]byte, n)
		if _, err := r.Read(payload); err != nil {
			return nil, err
		}
		return TaskEvent{Payload: payload}, nil
	default:
		return nil, moerr.NewUnknownEvent(tag)
	}
}

// ToBuffer serializes ev into an unpooled event buffer.
func ToBuffer(ev Event) (*buffer.Buffer, error) {
	region := memory.AllocateUnpooled(1+ev.Size(), memory.NoOwner)
	w := memory.NewOutputView(region)
	if err := Marshal(ev, w); err != nil {
		region.Free()
		return nil, err
	}
	buf := buffer.NewEvent(region, buffer.FreeingRecycler)
	if err := buf.SetSize(w.Position()); err != nil {
		_ = buf.Release()
		return nil, err
	}
	return buf, nil
}

// FromBuffer deserializes the event carried by buf. buf is not released.
func FromBuffer(buf *buffer.Buffer) (Event, error) {
	if buf.IsData() {
		return nil, moerr.NewInternalError("buffer does not carry an event")
	}
	return Unmarshal(memory.NewInputView(buf.Region(), buf.Size()))
}
