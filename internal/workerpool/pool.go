/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
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
 */

/*
Package workerpool offloads blocking store calls off the goroutine
that owns a replication phase, onto a fixed-size pool of workers.

Architecture:

 1. Do() submits a job to a request queue
 2. One of NumWorkers goroutines picks it up and runs it
 3. The caller blocks on a per-job result channel until it completes

This mirrors the teacher's disk-engine async I/O worker pool (request
queue + fixed workers, §4 there), generalized from paged file reads and
writes to arbitrary blocking calls. In this module only the document
store (internal/docstore) submits work to it; the Leader and Follower
replication tasks call the Store Adapter inline on their own goroutines.
*/
package workerpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Job is a unit of blocking work submitted to a Pool.
type Job func() error

type request struct {
	fn   Job
	done chan error
}

// Pool runs submitted Jobs on a fixed number of worker goroutines.
type Pool struct {
	requests chan request
	eg       *errgroup.Group
	ctx      context.Context

	submitted atomic.Uint64
	completed atomic.Uint64
}

// New starts a Pool with numWorkers goroutines draining a queue of
// depth queueSize. The pool stops every worker once ctx is cancelled
// or Close is called.
func New(ctx context.Context, numWorkers, queueSize int) *Pool {
	eg, egCtx := errgroup.WithContext(ctx)
	p := &Pool{
		requests: make(chan request, queueSize),
		eg:       eg,
		ctx:      egCtx,
	}
	for i := 0; i < numWorkers; i++ {
		eg.Go(func() error {
			return p.run()
		})
	}
	return p
}

func (p *Pool) run() error {
	for {
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case req, ok := <-p.requests:
			if !ok {
				return nil
			}
			err := req.fn()
			p.completed.Add(1)
			req.done <- err
		}
	}
}

// Do submits fn and blocks until a worker has run it (or ctx/the
// pool's own lifetime ends first), returning fn's error.
func (p *Pool) Do(ctx context.Context, fn Job) error {
	req := request{fn: fn, done: make(chan error, 1)}
	p.submitted.Add(1)
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Stats reports how many jobs have been submitted and completed, for
// metrics/diagnostics.
func (p *Pool) Stats() (submitted, completed uint64) {
	return p.submitted.Load(), p.completed.Load()
}

// Close stops accepting new jobs and waits for every worker to return.
// Callers must ensure no Do call is still in flight when Close runs,
// since closing the request channel while a send is in progress panics.
func (p *Pool) Close() error {
	close(p.requests)
	return p.eg.Wait()
}
