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
	"strings"

	"github.com/google/uuid"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
)

// PartitionID identifies an intermediate result partition.
type PartitionID uuid.UUID

func NewPartitionID() PartitionID {
	return PartitionID(uuid.New())
}

func (id PartitionID) String() string {
	return uuid.UUID(id).String()
}

// ProducerID identifies one execution attempt of a producing task.
type ProducerID uuid.UUID

func NewProducerID() ProducerID {
	return ProducerID(uuid.New())
}

func (id ProducerID) String() string {
	return uuid.UUID(id).String()
}

// ResultPartitionID is the runtime identity of a partition: the logical
// partition plus the producer attempt that writes it.
type ResultPartitionID struct {
	PartitionID PartitionID
	ProducerID  ProducerID
}

func NewResultPartitionID() ResultPartitionID {
	return ResultPartitionID{
		PartitionID: NewPartitionID(),
		ProducerID:  NewProducerID(),
	}
}

func (id ResultPartitionID) String() string {
	return id.PartitionID.String() + "@" + id.ProducerID.String()
}

// ParseResultPartitionID parses the String form.
func ParseResultPartitionID(s string) (ResultPartitionID, error) {
	p, a, ok := strings.Cut(s, "@")
	if !ok {
		return ResultPartitionID{}, moerr.NewInvalidArg("result partition id", s)
	}
	pid, err := uuid.Parse(p)
	if err != nil {
		return ResultPartitionID{}, moerr.NewInvalidArg("partition id", p)
	}
	aid, err := uuid.Parse(a)
	if err != nil {
		return ResultPartitionID{}, moerr.NewInvalidArg("producer id", a)
	}
	return ResultPartitionID{PartitionID: PartitionID(pid), ProducerID: ProducerID(aid)}, nil
}

// ResultPartitionType is the flow control policy of a partition.
type ResultPartitionType uint8

const (
	Blocking ResultPartitionType = iota
	Pipelined
	PipelinedBounded
	PipelinedCreditBased
)

var resultPartitionTypeNames = [...]string{
	Blocking:             "BLOCKING",
	Pipelined:            "PIPELINED",
	PipelinedBounded:     "PIPELINED_BOUNDED",
	PipelinedCreditBased: "PIPELINED_CREDIT_BASED",
}

func (t ResultPartitionType) String() string {
	if int(t) < len(resultPartitionTypeNames) {
		return resultPartitionTypeNames[t]
	}
	return "UNKNOWN"
}

// IsPipelined returns true if consumers may read while the producer writes.
func (t ResultPartitionType) IsPipelined() bool {
	return t != Blocking
}

func (t ResultPartitionType) IsBackpressured() bool {
	return t != Blocking
}

// IsBounded returns true if the partition uses a bounded local pool.
func (t ResultPartitionType) IsBounded() bool {
	return t == PipelinedBounded || t == PipelinedCreditBased
}

// IsCreditBased returns true if the consumer must announce credits before
// the producer sends further buffers.
func (t ResultPartitionType) IsCreditBased() bool {
	return t == PipelinedCreditBased
}

func ParseResultPartitionType(s string) (ResultPartitionType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range resultPartitionTypeNames {
		if n == name {
			return ResultPartitionType(i), nil
		}
	}
	return Blocking, moerr.NewInvalidArg("result partition type", s)
}

func (t ResultPartitionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ResultPartitionType) UnmarshalText(text []byte) error {
	v, err := ParseResultPartitionType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// BufferAvailabilityListener is told how many buffers became readable on a
// subpartition view.
type BufferAvailabilityListener interface {
	NotifyBuffersAvailable(n int)
}

// ReleaseListener is optionally implemented by a BufferAvailabilityListener
// that wants to learn about a partition released under its view.
type ReleaseListener interface {
	NotifyPartitionReleased(cause error)
}
