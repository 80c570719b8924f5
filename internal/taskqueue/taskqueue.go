// Copyright 2023 Buf Technologies, Inc.
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

// Package taskqueue provides a single-goroutine FIFO task dispatcher.
//
// The pool uses it to deliver every caller-visible notification. Tasks
// posted to a queue run one at a time, in the order they were posted, on
// a dedicated dispatcher goroutine. A component that posts a notification
// is therefore never re-entered synchronously from within its own call
// stack, no matter what the notified code does.
package taskqueue

import "sync"

// Queue is an unbounded FIFO queue of tasks executed by a single
// dispatcher goroutine. The zero value is not usable; use New.
type Queue struct {
	mu     sync.Mutex
	// +checklocks:mu
	tasks []func()
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	running bool

	wake chan struct{}
	done chan struct{}
}

// New creates a queue and starts its dispatcher goroutine.
func New() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Post enqueues a task. It never blocks. Posting after Close does
// nothing and reports false.
func (q *Queue) Post(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops the dispatcher after all previously posted tasks have run
// and waits for it to exit. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	alreadyClosed := q.closed
	q.closed = true
	q.mu.Unlock()
	if !alreadyClosed {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		var task func()
		if len(q.tasks) > 0 {
			task = q.tasks[0]
			// Nil out the slot so the task can be collected once run.
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
		}
		closed := q.closed
		q.mu.Unlock()

		if task != nil {
			task()
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
