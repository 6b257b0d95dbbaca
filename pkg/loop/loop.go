// Copyright 2026 The Iceflow Authors, Inc.
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

// Package loop runs tasks one at a time on a single goroutine. One Loop
// owns all mutable state of one ICE session: socket readers and timers
// post closures instead of touching that state directly.
package loop

import (
	"sync"
	"sync/atomic"

	"iceflow/pkg/iceerrors"
)

// Task is a unit of deferred work. Tasks run to completion before the
// next task starts.
type Task func()

// Loop is a serialized task executor. The zero value is not usable; use
// New.
type Loop struct {
	mu      sync.Mutex
	queue   []Task
	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool
}

// New creates a started Loop.
func New() *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues a task. It never blocks and is safe to call from inside a
// running task; the posted task runs after the current one completes.
func (l *Loop) Post(task Task) error {
	if l.stopped.Load() {
		return iceerrors.ErrStopped
	}

	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *Loop) take() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) run() {
	defer close(l.doneCh)
	for {
		for {
			task, ok := l.take()
			if !ok {
				break
			}
			task()
		}

		select {
		case <-l.stopCh:
			// run what was already queued, then quit
			for {
				task, ok := l.take()
				if !ok {
					return
				}
				task()
			}
		case <-l.wake:
		}
	}
}

// Stop prevents further posts, finishes the queued tasks and waits for the
// loop goroutine to exit. Stop is idempotent.
func (l *Loop) Stop() {
	if l.stopped.Swap(true) {
		<-l.doneCh
		return
	}
	close(l.stopCh)
	<-l.doneCh
}

// Stopping reports whether Stop has been called.
func (l *Loop) Stopping() bool { return l.stopped.Load() }
