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

package util

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	require.Equal(t, 3, Clamp(1, 3, 8))
	require.Equal(t, 5, Clamp(5, 3, 8))
	require.Equal(t, 8, Clamp(20, 3, 8))
	require.Equal(t, 4, Clamp(math.MaxInt, 4, math.MaxInt))
	require.Equal(t, 6, Clamp(1, 6, 2))
	require.Equal(t, 0.5, Clamp(0.5, 0, 1.0))
}
