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

// Package grpcsync provides the work-serializer primitive every grpclb
// component is built around: a single-consumer FIFO queue of callbacks.
// Nothing touches the grpclb policy's state except from inside a callback
// run by this serializer.
package grpcsync

import "context"

// CallbackSerializer provides a mechanism to schedule callbacks in a
// synchronized manner. It provides a FIFO guarantee on the order of
// execution of scheduled callbacks. New callbacks can be scheduled by
// invoking the Schedule() method.
//
// This type is safe for concurrent access.
type CallbackSerializer struct {
	// Done is closed once the serializer is shut down completely, i.e. a
	// scheduled callback, if any, that was running when the context passed
	// to NewCallbackSerializer was canceled has returned, and the
	// serializer has deallocated all of its resources.
	Done chan struct{}

	callbacks *unboundedQueue
}

// NewCallbackSerializer returns a new CallbackSerializer instance. The
// provided context is passed to scheduled callbacks; cancel it to shut the
// serializer down. No callback runs after the context is canceled.
func NewCallbackSerializer(ctx context.Context) *CallbackSerializer {
	cs := &CallbackSerializer{
		Done:      make(chan struct{}),
		callbacks: newUnboundedQueue(),
	}
	go cs.run(ctx)
	return cs
}

// Schedule adds a callback to be run after every callback scheduled prior to
// this call. Callbacks are expected to honor ctx and return early if it is
// canceled while they're running a blocking operation.
//
// Schedule returns false if the serializer has already been shut down. The
// callback will not run in that case.
func (cs *CallbackSerializer) Schedule(f func(ctx context.Context)) bool {
	return cs.callbacks.put(f)
}

func (cs *CallbackSerializer) run(ctx context.Context) {
	defer close(cs.Done)
	for {
		select {
		case <-ctx.Done():
			cs.callbacks.close()
			return
		case f, ok := <-cs.callbacks.get():
			if !ok {
				return
			}
			cs.callbacks.load()
			if ctx.Err() != nil {
				return
			}
			f(ctx)
		}
	}
}
