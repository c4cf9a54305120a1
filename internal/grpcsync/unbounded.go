/*
 *
 * Copyright 2022 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package grpcsync

import (
	"context"
	"sync"
)

type callback func(ctx context.Context)

// unboundedQueue is an unbounded, FIFO, single-reader queue of callbacks.
// It exists because CallbackSerializer must never block a caller of
// Schedule even if the consumer is momentarily behind — the same guarantee
// grpc-go's internal/buffer.Unbounded provides, reimplemented here since
// that package lives under google.golang.org/grpc/internal and cannot be
// imported from outside that module.
type unboundedQueue struct {
	mu      sync.Mutex
	backlog []callback
	ch      chan callback
	closed  bool
}

func newUnboundedQueue() *unboundedQueue {
	return &unboundedQueue{
		ch: make(chan callback, 1),
	}
}

// put enqueues f. It returns false if the queue has been closed.
func (q *unboundedQueue) put(f callback) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.backlog) == 0 {
		select {
		case q.ch <- f:
			return true
		default:
		}
	}
	q.backlog = append(q.backlog, f)
	return true
}

// get returns the channel on which the next callback is delivered.
func (q *unboundedQueue) get() chan callback {
	return q.ch
}

// load refills the delivery channel from the backlog after a callback has
// been consumed from get().
func (q *unboundedQueue) load() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) > 0 {
		select {
		case q.ch <- q.backlog[0]:
			q.backlog = q.backlog[1:]
		default:
		}
	}
}

func (q *unboundedQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
