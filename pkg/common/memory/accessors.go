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
	"math"
)

// Typed accessors. The native variants are the fastest; the explicit
// little- and big-endian variants reverse the native bytes when the host
// order differs.

// GetUint16 reads a uint16 at index in native byte order.
func (r *Region) GetUint16(index int) (uint16, error) {
	return r.get16(index, false)
}

func (r *Region) PutUint16(index int, v uint16) error {
	return r.put16(index, v, false)
}

// GetUint16LittleEndian reads a uint16 at index in little-endian order.
func (r *Region) GetUint16LittleEndian(index int) (uint16, error) {
	return r.get16(index, swapLittle)
}

func (r *Region) PutUint16LittleEndian(index int, v uint16) error {
	return r.put16(index, v, swapLittle)
}

// GetUint16BigEndian reads a uint16 at index in big-endian order.
func (r *Region) GetUint16BigEndian(index int) (uint16, error) {
	return r.get16(index, swapBig)
}

func (r *Region) PutUint16BigEndian(index int, v uint16) error {
	return r.put16(index, v, swapBig)
}

// GetInt16 reads an int16 at index in native byte order.
func (r *Region) GetInt16(index int) (int16, error) {
	v, err := r.get16(index, false)
	return int16(v), err
}

func (r *Region) PutInt16(index int, v int16) error {
	return r.put16(index, uint16(v), false)
}

// GetInt16LittleEndian reads an int16 at index in little-endian order.
func (r *Region) GetInt16LittleEndian(index int) (int16, error) {
	v, err := r.get16(index, swapLittle)
	return int16(v), err
}

func (r *Region) PutInt16LittleEndian(index int, v int16) error {
	return r.put16(index, uint16(v), swapLittle)
}

// GetInt16BigEndian reads an int16 at index in big-endian order.
func (r *Region) GetInt16BigEndian(index int) (int16, error) {
	v, err := r.get16(index, swapBig)
	return int16(v), err
}

func (r *Region) PutInt16BigEndian(index int, v int16) error {
	return r.put16(index, uint16(v), swapBig)
}

// GetInt32 reads an int32 at index in native byte order.
func (r *Region) GetInt32(index int) (int32, error) {
	v, err := r.get32(index, false)
	return int32(v), err
}

func (r *Region) PutInt32(index int, v int32) error {
	return r.put32(index, uint32(v), false)
}

// GetInt32LittleEndian reads an int32 at index in little-endian order.
func (r *Region) GetInt32LittleEndian(index int) (int32, error) {
	v, err := r.get32(index, swapLittle)
	return int32(v), err
}

func (r *Region) PutInt32LittleEndian(index int, v int32) error {
	return r.put32(index, uint32(v), swapLittle)
}

// GetInt32BigEndian reads an int32 at index in big-endian order.
func (r *Region) GetInt32BigEndian(index int) (int32, error) {
	v, err := r.get32(index, swapBig)
	return int32(v), err
}

func (r *Region) PutInt32BigEndian(index int, v int32) error {
	return r.put32(index, uint32(v), swapBig)
}

// GetInt64 reads an int64 at index in native byte order.
func (r *Region) GetInt64(index int) (int64, error) {
	v, err := r.get64(index, false)
	return int64(v), err
}

func (r *Region) PutInt64(index int, v int64) error {
	return r.put64(index, uint64(v), false)
}

// GetInt64LittleEndian reads an int64 at index in little-endian order.
func (r *Region) GetInt64LittleEndian(index int) (int64, error) {
	v, err := r.get64(index, swapLittle)
	return int64(v), err
}

func (r *Region) PutInt64LittleEndian(index int, v int64) error {
	return r.put64(index, uint64(v), swapLittle)
}

// GetInt64BigEndian reads an int64 at index in big-endian order.
func (r *Region) GetInt64BigEndian(index int) (int64, error) {
	v, err := r.get64(index, swapBig)
	return int64(v), err
}

func (r *Region) PutInt64BigEndian(index int, v int64) error {
	return r.put64(index, uint64(v), swapBig)
}

// GetFloat32 reads a float32 at index in native byte order.
func (r *Region) GetFloat32(index int) (float32, error) {
	v, err := r.get32(index, false)
	return math.Float32frombits(v), err
}

func (r *Region) PutFloat32(index int, v float32) error {
	return r.put32(index, math.Float32bits(v), false)
}

// GetFloat32LittleEndian reads a float32 at index in little-endian order.
func (r *Region) GetFloat32LittleEndian(index int) (float32, error) {
	v, err := r.get32(index, swapLittle)
	return math.Float32frombits(v), err
}

func (r *Region) PutFloat32LittleEndian(index int, v float32) error {
	return r.put32(index, math.Float32bits(v), swapLittle)
}

// GetFloat32BigEndian reads a float32 at index in big-endian order.
func (r *Region) GetFloat32BigEndian(index int) (float32, error) {
	v, err := r.get32(index, swapBig)
	return math.Float32frombits(v), err
}

func (r *Region) PutFloat32BigEndian(index int, v float32) error {
	return r.put32(index, math.Float32bits(v), swapBig)
}

// GetFloat64 reads a float64 at index in native byte order.
func (r *Region) GetFloat64(index int) (float64, error) {
	v, err := r.get64(index, false)
	return math.Float64frombits(v), err
}

func (r *Region) PutFloat64(index int, v float64) error {
	return r.put64(index, math.Float64bits(v), false)
}

// GetFloat64LittleEndian reads a float64 at index in little-endian order.
func (r *Region) GetFloat64LittleEndian(index int) (float64, error) {
	v, err := r.get64(index, swapLittle)
	return math.Float64frombits(v), err
}

func (r *Region) PutFloat64LittleEndian(index int, v float64) error {
	return r.put64(index, math.Float64bits(v), swapLittle)
}

// GetFloat64BigEndian reads a float64 at index in big-endian order.
func (r *Region) GetFloat64BigEndian(index int) (float64, error) {
	v, err := r.get64(index, swapBig)
	return math.Float64frombits(v), err
}

func (r *Region) PutFloat64BigEndian(index int, v float64) error {
	return r.put64(index, math.Float64bits(v), swapBig)
}
