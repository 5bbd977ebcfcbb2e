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
	"sync"
)

// Handler receives events published for the key it subscribed to.
type Handler interface {
	OnEvent(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

func (f HandlerFunc) OnEvent(ev Event) {
	f(ev)
}

// Dispatcher routes out-of-band events to the handlers registered for a
// key, typically a result partition id.
type Dispatcher[K comparable] struct {
	mu       sync.RWMutex
	handlers map[K][]Handler
}

func NewDispatcher[K comparable]() *Dispatcher[K] {
	return &Dispatcher[K]{handlers: make(map[K][]Handler)}
}

// RegisterPartition makes key known so that handlers can subscribe to it.
func (d *Dispatcher[K]) RegisterPartition(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[key]; !ok {
		d.handlers[key] = nil
	}
}

// UnregisterPartition drops key and its handlers.
func (d *Dispatcher[K]) UnregisterPartition(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, key)
}

// Subscribe adds h for key. It returns false if key is not registered.
func (d *Dispatcher[K]) Subscribe(key K, h Handler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.handlers[key]
	if !ok {
		return false
	}
	d.handlers[key] = append(hs, h)
	return true
}

// Publish hands ev to every handler of key. It returns false if key is not
// registered.
func (d *Dispatcher[K]) Publish(key K, ev Event) bool {
	d.mu.RLock()
	hs, ok := d.handlers[key]
	handlers := append([]Handler(nil), hs...)
	d.mu.RUnlock()
	if !ok {
		return false
	}
	for _, h := range handlers {
		h.OnEvent(ev)
	}
	return true
}

func (d *Dispatcher[K]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}
