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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/logutil"
)

// Option stop option
type Option func(*options)

type options struct {
	stopTimeout time.Duration
	logger      *zap.Logger
}

func (opts *options) adjust(name string) {
	if opts.stopTimeout == 0 {
		opts.stopTimeout = time.Minute
	}
	opts.logger = logutil.Adjust(opts.logger, "stopper").With(zap.String("stopper", name))
}

// WithStopTimeout sets how long Stop waits before logging the tasks that
// are still running.
func WithStopTimeout(timeout time.Duration) Option {
	return func(opts *options) {
		opts.stopTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Stopper runs background tasks and stops them together. Every task gets
// a context that is cancelled by Stop.
type Stopper struct {
	name    string
	opts    *options
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
	nextID  atomic.Uint64

	mu struct {
		sync.Mutex
		tasks map[uint64]string
	}
}

// NewStopper create a stopper
func NewStopper(name string, opts ...Option) *Stopper {
	s := &Stopper{name: name, opts: &options{}}
	for _, opt := range opts {
		opt(s.opts)
	}
	s.opts.adjust(name)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.tasks = make(map[uint64]string)
	return s
}

// RunTask runs task in a new goroutine.
func (s *Stopper) RunTask(task func(context.Context)) error {
	return s.RunNamedTask("undefined", task)
}

// RunNamedTask runs task in a new goroutine, failing once the stopper
// has been stopped.
func (s *Stopper) RunNamedTask(name string, task func(context.Context)) error {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return moerr.NewShutdown(s.name)
	}
	id := s.nextID.Add(1)
	s.mu.tasks[id] = name
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.mu.tasks, id)
			s.mu.Unlock()
			s.wg.Done()
		}()
		task(s.ctx)
	}()
	return nil
}

// Stop cancels every task and waits for them to return.
func (s *Stopper) Stop() {
	s.mu.Lock()
	if !s.stopped.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.opts.stopTimeout)
	defer timer.Stop()
	for {
		select {
		case <-done:
			s.opts.logger.Debug("stopper stopped")
			return
		case <-timer.C:
			s.opts.logger.Warn("tasks still running after stop timeout",
				zap.Strings("tasks", s.runningTasks()))
			timer.Reset(s.opts.stopTimeout)
		}
	}
}

// GetTaskCount returns the number of running tasks.
func (s *Stopper) GetTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mu.tasks)
}

func (s *Stopper) runningTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.mu.tasks))
	for _, name := range s.mu.tasks {
		names = append(names, name)
	}
	return names
}
