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

// Package priority provides a small priority queue built from
// per-priority FIFO buckets. Higher numeric priority is served first;
// items of equal priority are served in insertion order. Items can be
// removed by identity and re-prioritized, which plain container/heap
// does not support without index bookkeeping.
package priority

// Queue is a priority queue over items of type T. T must be comparable
// so items can be removed by identity. The zero value is not usable;
// use NewQueue.
type Queue[T comparable] struct {
	buckets [][]T
	size    int
}

// NewQueue creates a queue with priority levels 0 through numLevels-1.
func NewQueue[T comparable](numLevels int) *Queue[T] {
	return &Queue[T]{buckets: make([][]T, numLevels)}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return q.size
}

// Insert adds item at the given priority, after any items already queued
// at that priority.
func (q *Queue[T]) Insert(item T, priority int) {
	q.buckets[priority] = append(q.buckets[priority], item)
	q.size++
}

// ExtractHighest removes and returns the oldest item at the highest
// non-empty priority. The second return value is false if the queue is
// empty.
func (q *Queue[T]) ExtractHighest() (T, bool) {
	for p := len(q.buckets) - 1; p >= 0; p-- {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		item := bucket[0]
		var zero T
		bucket[0] = zero
		q.buckets[p] = bucket[1:]
		q.size--
		return item, true
	}
	var zero T
	return zero, false
}

// PeekHighestPriority returns the highest priority that has a queued
// item. The second return value is false if the queue is empty.
func (q *Queue[T]) PeekHighestPriority() (int, bool) {
	for p := len(q.buckets) - 1; p >= 0; p-- {
		if len(q.buckets[p]) > 0 {
			return p, true
		}
	}
	return 0, false
}

// Remove removes item from the queue, wherever it is, and reports
// whether it was found.
func (q *Queue[T]) Remove(item T) bool {
	for p, bucket := range q.buckets {
		for i, queued := range bucket {
			if queued != item {
				continue
			}
			var zero T
			copy(bucket[i:], bucket[i+1:])
			bucket[len(bucket)-1] = zero
			q.buckets[p] = bucket[:len(bucket)-1]
			q.size--
			return true
		}
	}
	return false
}

// ChangePriority moves item to the back of the bucket for newPriority.
// It reports whether the item was found. Moving an item to its current
// priority is a no-op.
func (q *Queue[T]) ChangePriority(item T, newPriority int) bool {
	for p, bucket := range q.buckets {
		for i, queued := range bucket {
			if queued != item {
				continue
			}
			if p == newPriority {
				return true
			}
			var zero T
			copy(bucket[i:], bucket[i+1:])
			bucket[len(bucket)-1] = zero
			q.buckets[p] = bucket[:len(bucket)-1]
			q.buckets[newPriority] = append(q.buckets[newPriority], item)
			return true
		}
	}
	return false
}

// ForEach calls fn for every queued item, highest priority first, FIFO
// within a priority. fn must not mutate the queue.
func (q *Queue[T]) ForEach(fn func(item T, priority int)) {
	for p := len(q.buckets) - 1; p >= 0; p-- {
		for _, item := range q.buckets[p] {
			fn(item, p)
		}
	}
}
