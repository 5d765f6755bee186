// Copyright 2020 Google LLC
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

package bar

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sarchlab/akita/v4/sim"
)

// Queue is a bounded single-producer single-consumer FIFO. Producers poll
// NearFull to pause before the queue overflows.
type Queue[T any] struct {
	buf      sim.Buffer
	capacity int
	nearFull int
}

// NewQueue builds a queue holding up to capacity elements that reports
// NearFull once nearFull elements are buffered. Each dot separated element
// of name is capitalized to form a valid buffer name.
func NewQueue[T any](name string, capacity, nearFull int) *Queue[T] {
	return &Queue[T]{
		buf:      sim.NewBuffer(bufferName(name), capacity),
		capacity: capacity,
		nearFull: nearFull,
	}
}

// TryPush appends v. It returns false and drops v if the queue is full.
func (q *Queue[T]) TryPush(v T) bool {
	if !q.buf.CanPush() {
		return false
	}
	q.buf.Push(v)
	return true
}

// TryPop removes the oldest element.
func (q *Queue[T]) TryPop() (T, bool) {
	var zero T
	item := q.buf.Pop()
	if item == nil {
		return zero, false
	}
	return item.(T), true
}

// Peek returns the oldest element without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	item := q.buf.Peek()
	if item == nil {
		return zero, false
	}
	return item.(T), true
}

// Len is the number of buffered elements.
func (q *Queue[T]) Len() int {
	return q.buf.Size()
}

// Cap is the queue capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Free is the number of elements that can still be pushed.
func (q *Queue[T]) Free() int {
	return q.capacity - q.buf.Size()
}

// NearFull reports whether occupancy reached the pause threshold.
func (q *Queue[T]) NearFull() bool {
	return q.buf.Size() >= q.nearFull
}

// Clear drops every buffered element.
func (q *Queue[T]) Clear() {
	q.buf.Clear()
}

// bufferName capitalizes every element of a dotted name. Empty elements
// become "Q".
func bufferName(name string) string {
	elems := strings.Split(name, ".")
	for i, e := range elems {
		r, n := utf8.DecodeRuneInString(e)
		if n == 0 || !unicode.IsLetter(r) {
			elems[i] = "Q" + e
			continue
		}
		elems[i] = string(unicode.ToUpper(r)) + e[n:]
	}
	return strings.Join(elems, ".")
}
