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
	"context"

	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
)

// Request asks a producer for the buffers of one subpartition.
type Request struct {
	PartitionID       partition.ResultPartitionID
	SubpartitionIndex int
	// InitialCredit is the number of buffers the producer may send before
	// the consumer announces more. It is ignored unless the partition is
	// credit based.
	InitialCredit int
	// Address of the producer. Empty for in-process managers.
	Address string
}

// Receiver is the consumer end of a session. Its methods are called from
// the session's I/O goroutine, in producer order.
type Receiver interface {
	// RequestBuffer returns an empty buffer to copy an incoming payload into.
	RequestBuffer(ctx context.Context) (*buffer.Buffer, error)
	// OnBuffer hands over buf, its sequence number and the producer's
	// backlog after it was sent. The receiver owns buf.
	OnBuffer(buf *buffer.Buffer, seq uint64, backlog int) error
	// OnError reports a failure of the session. No further calls follow.
	OnError(err error)
}

// Session is one logical stream from a subpartition to a consumer channel.
type Session interface {
	// AnnounceCredit lets the producer send n more buffers.
	AnnounceCredit(n int) error
	// SendTaskEvent sends ev upstream to the producer of the partition.
	SendTaskEvent(ev event.Event) error
	Close() error
}

// ConnectionManager opens sessions to producers. Open fails with
// PartitionNotFound if the producer has not registered the partition yet,
// so that the caller can retry.
type ConnectionManager interface {
	Start() error
	Open(ctx context.Context, req Request, recv Receiver) (Session, error)
	Close() error
}
