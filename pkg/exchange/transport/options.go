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
	"time"

	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
	"github.com/matrixorigin/moexchange/pkg/logutil"
)

const (
	defaultPath             = "/partition"
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// Option option for create connection manager
type Option func(*options)

type options struct {
	logger           *zap.Logger
	taskEvents       *event.Dispatcher[partition.ResultPartitionID]
	compress         bool
	path             string
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
}

func (opts *options) adjust(name string) {
	opts.logger = logutil.Adjust(opts.logger, name)
	if opts.path == "" {
		opts.path = defaultPath
	}
	if opts.handshakeTimeout <= 0 {
		opts.handshakeTimeout = defaultHandshakeTimeout
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithTaskEventDispatcher sets the dispatcher that task events sent by
// consumers are published to.
func WithTaskEventDispatcher(d *event.Dispatcher[partition.ResultPartitionID]) Option {
	return func(opts *options) {
		opts.taskEvents = d
	}
}

// WithCompression enables lz4 compression of data buffers written by the
// server side.
func WithCompression(enable bool) Option {
	return func(opts *options) {
		opts.compress = enable
	}
}

// WithPath sets the http path sessions are served on.
func WithPath(path string) Option {
	return func(opts *options) {
		opts.path = path
	}
}

// WithHandshakeTimeout bounds the wait for a session request on the
// server side.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(opts *options) {
		opts.handshakeTimeout = timeout
	}
}

// WithWriteTimeout sets the deadline of each frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(opts *options) {
		opts.writeTimeout = timeout
	}
}
