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
	"encoding/binary"
	"math/bits"
)

// The functions in this file are the only place that reads or writes
// fixed-width values. Callers must have validated that b[i:i+width] is in
// range; everything else goes through the checked Region accessors.

// littleEndianHost reports the byte order of the running machine.
var littleEndianHost = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

func load16(b []byte, i int, swap bool) uint16 {
	v := binary.NativeEndian.Uint16(b[i : i+2])
	if swap {
		return bits.ReverseBytes16(v)
	}
	return v
}

func store16(b []byte, i int, v uint16, swap bool) {
	if swap {
		v = bits.ReverseBytes16(v)
	}
	binary.NativeEndian.PutUint16(b[i:i+2], v)
}

func load32(b []byte, i int, swap bool) uint32 {
	v := binary.NativeEndian.Uint32(b[i : i+4])
	if swap {
		return bits.ReverseBytes32(v)
	}
	return v
}

func store32(b []byte, i int, v uint32, swap bool) {
	if swap {
		v = bits.ReverseBytes32(v)
	}
	binary.NativeEndian.PutUint32(b[i:i+4], v)
}

func load64(b []byte, i int, swap bool) uint64 {
	v := binary.NativeEndian.Uint64(b[i : i+8])
	if swap {
		return bits.ReverseBytes64(v)
	}
	return v
}

func store64(b []byte, i int, v uint64, swap bool) {
	if swap {
		v = bits.ReverseBytes64(v)
	}
	binary.NativeEndian.PutUint64(b[i:i+8], v)
}

// swapLittle and swapBig tell whether a little- or big-endian access has to
// reverse the native bytes.
var (
	swapLittle = !littleEndianHost
	swapBig    = littleEndianHost
)
