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
	"github.com/google/uuid"
	"github.com/pierrec/lz4"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
)

type frameType uint8

const (
	frameRequest frameType = iota + 1
	frameAck
	frameBuffer
	frameError
	frameCredit
	frameTaskEvent
)

const (
	flagEvent uint8 = 1 << iota
	flagCompressed
)

// headerSize is type(1) flags(1) seq(8) backlog(4) length(4).
const headerSize = 18

// requestSize is partition(16) producer(16) subpartition(4) credit(4).
const requestSize = 40

// minCompressSize is the smallest payload worth compressing.
const minCompressSize = 64

type frameHeader struct {
	typ     frameType
	flags   uint8
	seq     uint64
	backlog int32
}

func encodeFrame(h frameHeader, payload []byte) ([]byte, error) {
	out := make([]byte, headerSize+len(payload))
	w := memory.NewOutputView(memory.Wrap(out))
	if err := w.WriteByte(byte(h.typ)); err != nil {
		return nil, err
	}
	if err := w.WriteByte(h.flags); err != nil {
		return nil, err
	}
	if err := w.WriteInt64(int64(h.seq)); err != nil {
		return nil, err
	}
	if err := w.WriteInt32(h.backlog); err != nil {
		return nil, err
	}
	if err := w.WriteInt32(int32(len(payload))); err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeFrame(data []byte) (frameHeader, []byte, error) {
	var h frameHeader
	if len(data) < headerSize {
		return h, nil, moerr.NewInvalidArg("frame size", len(data))
	}
	r := memory.NewInputView(memory.Wrap(data), len(data))
	typ, _ := r.ReadByte()
	flags, _ := r.ReadByte()
	seq, _ := r.ReadInt64()
	backlog, _ := r.ReadInt32()
	length, err := r.ReadInt32()
	if err != nil {
		return h, nil, err
	}
	if length < 0 || int(length) != r.Remaining() {
		return h, nil, moerr.NewInvalidArg("frame payload length", length)
	}
	h = frameHeader{typ: frameType(typ), flags: flags, seq: uint64(seq), backlog: backlog}
	return h, data[headerSize:], nil
}

func encodeRequest(req Request) ([]byte, error) {
	out := make([]byte, requestSize)
	w := memory.NewOutputView(memory.Wrap(out))
	pid := uuid.UUID(req.PartitionID.PartitionID)
	aid := uuid.UUID(req.PartitionID.ProducerID)
	if _, err := w.Write(pid[:]); err != nil {
		return nil, err
	}
	if _, err := w.Write(aid[:]); err != nil {
		return nil, err
	}
	if err := w.WriteInt32(int32(req.SubpartitionIndex)); err != nil {
		return nil, err
	}
	if err := w.WriteInt32(int32(req.InitialCredit)); err != nil {
		return nil, err
	}
	return encodeFrame(frameHeader{typ: frameRequest}, out)
}

func decodeRequest(payload []byte) (Request, error) {
	var req Request
	if len(payload) != requestSize {
		return req, moerr.NewInvalidArg("request size", len(payload))
	}
	region := memory.Wrap(payload)
	var pid, aid uuid.UUID
	if err := region.GetBytes(0, pid[:]); err != nil {
		return req, err
	}
	if err := region.GetBytes(16, aid[:]); err != nil {
		return req, err
	}
	index, err := region.GetInt32BigEndian(32)
	if err != nil {
		return req, err
	}
	credit, err := region.GetInt32BigEndian(36)
	if err != nil {
		return req, err
	}
	req.PartitionID = partition.ResultPartitionID{
		PartitionID: partition.PartitionID(pid),
		ProducerID:  partition.ProducerID(aid),
	}
	req.SubpartitionIndex = int(index)
	req.InitialCredit = int(credit)
	return req, nil
}

func encodeCredit(n int) ([]byte, error) {
	out := make([]byte, 4)
	if err := memory.Wrap(out).PutInt32BigEndian(0, int32(n)); err != nil {
		return nil, err
	}
	return encodeFrame(frameHeader{typ: frameCredit}, out)
}

func decodeCredit(payload []byte) (int, error) {
	n, err := memory.Wrap(payload).GetInt32BigEndian(0)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, moerr.NewInvalidArg("credit", n)
	}
	return int(n), nil
}

// encodeError turns err into an error frame. Errors that are not moerr
// errors are sent as internal errors.
func encodeError(err error) ([]byte, error) {
	var me *moerr.Error
	if e, ok := err.(*moerr.Error); ok {
		me = e
	} else {
		me = moerr.NewInternalError("%s", err.Error())
	}
	payload, merr := me.MarshalBinary()
	if merr != nil {
		return nil, merr
	}
	return encodeFrame(frameHeader{typ: frameError}, payload)
}

func decodeError(payload []byte) error {
	e := &moerr.Error{}
	if err := e.UnmarshalBinary(payload); err != nil {
		return err
	}
	return e
}

// compressor lz4 compresses payloads. It is not safe for concurrent use.
type compressor struct {
	hashTable []int
	buf       []byte
}

func newCompressor() *compressor {
	return &compressor{hashTable: make([]int, 1<<16)}
}

// compress returns the payload to send and whether it is compressed. A
// compressed payload starts with the big endian raw length.
func (c *compressor) compress(src []byte) ([]byte, bool) {
	if len(src) < minCompressSize {
		return src, false
	}
	bound := 4 + lz4.CompressBlockBound(len(src))
	if cap(c.buf) < bound {
		c.buf = make([]byte, bound)
	}
	dst := c.buf[:bound]
	n, err := lz4.CompressBlock(src, dst[4:], c.hashTable)
	if err != nil || n == 0 || n+4 >= len(src) {
		return src, false
	}
	if err := memory.Wrap(dst).PutInt32BigEndian(0, int32(len(src))); err != nil {
		return src, false
	}
	return dst[:4+n], true
}

func decompress(src []byte) ([]byte, error) {
	raw, err := memory.Wrap(src).GetInt32BigEndian(0)
	if err != nil {
		return nil, err
	}
	if raw < 0 {
		return nil, moerr.NewInvalidArg("raw payload length", raw)
	}
	dst := make([]byte, raw)
	n, err := lz4.UncompressBlock(src[4:], dst)
	if err != nil {
		return nil, err
	}
	if n != int(raw) {
		return nil, moerr.NewInvalidArg("decompressed payload length", n)
	}
	return dst, nil
}
