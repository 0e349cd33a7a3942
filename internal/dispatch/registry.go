// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"sync"

	"go.uber.org/zap"
)

// Registry holds the open threads of a process. Threads are independent;
// nothing orders sends across them.
type Registry struct {
	mu       sync.RWMutex
	threads  map[string]*Dispatcher
	config   Config
	resolver Resolver
	throttle ThrottleState
	logger   *zap.Logger
}

// NewRegistry creates a registry whose threads share resolver and throttle
func NewRegistry(cfg Config, resolver Resolver, throttle ThrottleState, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		threads:  make(map[string]*Dispatcher),
		config:   cfg,
		resolver: resolver,
		throttle: throttle,
		logger:   logger,
	}
}

// Open starts a new thread
func (r *Registry) Open() *Dispatcher {
	d := New(r.config, r.resolver, r.throttle, r.logger)
	r.mu.Lock()
	r.threads[d.ID()] = d
	r.mu.Unlock()
	r.logger.Debug("Thread opened", zap.String("thread_id", d.ID()))
	return d
}

// Get returns the thread with id
func (r *Registry) Get(id string) (*Dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.threads[id]
	return d, ok
}

// Close cancels and forgets the thread with id
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	d, ok := r.threads[id]
	delete(r.threads, id)
	r.mu.Unlock()
	if ok {
		d.Cancel()
	}
	return ok
}

// Len returns the number of open threads
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}
