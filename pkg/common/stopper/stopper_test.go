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

package stopper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
)

func TestRunTaskOnNotRunning(t *testing.T) {
	defer leaktest.AfterTest(t)()
	s := NewStopper("TestRunTaskOnNotRunning")
	s.Stop()
	err := s.RunTask(func(ctx context.Context) {})
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrShutdown))
}

func TestRunTask(t *testing.T) {
	defer leaktest.AfterTest(t)()
	s := NewStopper("TestRunTask")
	defer s.Stop()

	c := make(chan struct{})
	require.NoError(t, s.RunTask(func(ctx context.Context) {
		close(c)
	}))
	select {
	case <-c:
	case <-time.After(time.Second * 10):
		assert.Fail(t, "run task timeout")
	}
}

func TestStopCancelsRunningTasks(t *testing.T) {
	defer leaktest.AfterTest(t)()
	s := NewStopper("TestStopCancelsRunningTasks", WithStopTimeout(time.Second))

	var stopped atomic.Int32
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, s.RunNamedTask("wait", func(ctx context.Context) {
			started <- struct{}{}
			<-ctx.Done()
			stopped.Add(1)
		}))
	}
	<-started
	<-started
	assert.Equal(t, 2, s.GetTaskCount())

	s.Stop()
	assert.Equal(t, int32(2), stopped.Load())
	assert.Equal(t, 0, s.GetTaskCount())
	s.Stop()
}
