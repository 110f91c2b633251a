// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package safepoint coordinates stop-the-world pauses between the worker
// goroutines running tasks and a requester (normally the collector) that
// needs every worker's heap references in an enumerable state. It trades
// read/write barriers for poll sites: loop back-edges, calls, allocations,
// and suspensions all call Poll.
package safepoint

import (
	"sync"
	"sync/atomic"
)

// Coordinator is shared by every worker and by the collector.
type Coordinator struct {
	stopRequested int32 // atomic bool
	atSafepoint   int64 // atomic count of workers currently parked

	mu      sync.Mutex
	cond    *sync.Cond
	workers int32 // number of registered workers expected to reach the point
}

// New creates a coordinator expecting the given number of workers.
func New(workers int) *Coordinator {
	c := &Coordinator{workers: int32(workers)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetWorkerCount updates the number of workers the coordinator waits on;
// used if the pool is resized after construction.
func (c *Coordinator) SetWorkerCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	atomic.StoreInt32(&c.workers, int32(n))
}

// WorkerExited removes one worker from the rendezvous count. A worker
// leaving its run loop must call it so an in-flight stop request does
// not wait on a thread that will never poll again.
func (c *Coordinator) WorkerExited() {
	c.mu.Lock()
	atomic.AddInt32(&c.workers, -1)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Requested reports whether a stop-the-world pause is in progress.
func (c *Coordinator) Requested() bool {
	return atomic.LoadInt32(&c.stopRequested) != 0
}

// Poll must be called by a worker at every site named in the component
// design: backward jumps, calls, allocations, and the scheduler's outer
// loop. If a stop has been requested, the calling worker blocks until the
// requester releases it.
func (c *Coordinator) Poll() {
	if !c.Requested() {
		return
	}
	c.park()
}

func (c *Coordinator) park() {
	c.mu.Lock()
	atomic.AddInt64(&c.atSafepoint, 1)
	c.cond.Broadcast()
	for c.Requested() {
		c.cond.Wait()
	}
	atomic.AddInt64(&c.atSafepoint, -1)
	c.mu.Unlock()
}

// RequestStop sets the stop flag and blocks until every registered worker
// has observed it and parked, establishing a happens-before edge between
// every worker's prior progress and the requester's critical section.
func (c *Coordinator) RequestStop() {
	atomic.StoreInt32(&c.stopRequested, 1)
	c.mu.Lock()
	for atomic.LoadInt64(&c.atSafepoint) < int64(atomic.LoadInt32(&c.workers)) {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// Release clears the stop flag and wakes every parked worker.
func (c *Coordinator) Release() {
	c.mu.Lock()
	atomic.StoreInt32(&c.stopRequested, 0)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// WithStopTheWorld requests a pause, runs fn, then releases. Used by the
// collector to bracket a collection cycle.
func (c *Coordinator) WithStopTheWorld(fn func()) {
	c.RequestStop()
	defer c.Release()
	fn()
}
