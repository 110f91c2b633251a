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

// Package vmsync holds the live state behind the heap's Mutex, Channel and
// Semaphore handles. Contention never blocks an OS thread: a task that
// cannot proceed is appended to a FIFO waiter queue and suspends itself;
// the releasing side dequeues and hands the woken task id back to the
// scheduler for re-injection.
package vmsync

import (
	"errors"
	"sync"

	"raya/internal/value"
)

var (
	ErrUnknownHandle = errors.New("vmsync: unknown handle")
	ErrNotOwner      = errors.New("vmsync: unlock by non-owner")
)

// NoTask is returned when a release found no waiter to wake.
const NoTask uint64 = 0

type mutexState struct {
	owner   uint64 // task id, 0 when free
	waiters []uint64
}

type chanState struct {
	capacity int
	buf      []value.Value
	sendq    []pendingSend // blocked senders, FIFO
	recvq    []uint64      // blocked receivers, FIFO
}

type pendingSend struct {
	task uint64
	val  value.Value
}

type semState struct {
	permits int
	waiters []uint64
}

// Registry is the shared table of all live sync primitives. One per VM.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	mutexes map[uint64]*mutexState
	chans   map[uint64]*chanState
	sems    map[uint64]*semState
}

func NewRegistry() *Registry {
	return &Registry{
		nextID:  1,
		mutexes: map[uint64]*mutexState{},
		chans:   map[uint64]*chanState{},
		sems:    map[uint64]*semState{},
	}
}

// ---- mutexes ----

// NewMutex allocates a free mutex slot and returns its registry id.
func (r *Registry) NewMutex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.mutexes[id] = &mutexState{}
	return id
}

// Lock attempts to acquire the mutex for task. acquired is true when the
// task now owns it; otherwise the task has been enqueued FIFO and must
// suspend until an unlock wakes it. Re-entry after wake-up finds the task
// already installed as owner (ownership transfers on unlock), so the
// retried Lock succeeds immediately.
func (r *Registry) Lock(id, task uint64) (acquired bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mutexes[id]
	if !ok {
		return false, ErrUnknownHandle
	}
	if m.owner == 0 || m.owner == task {
		m.owner = task
		return true, nil
	}
	m.waiters = append(m.waiters, task)
	return false, nil
}

// Unlock releases the mutex. If a waiter is queued, ownership transfers to
// the FIFO head and its task id is returned for re-injection; otherwise
// the mutex is cleared and NoTask returned.
func (r *Registry) Unlock(id, task uint64) (wake uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mutexes[id]
	if !ok {
		return NoTask, ErrUnknownHandle
	}
	if m.owner != task {
		return NoTask, ErrNotOwner
	}
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.owner = next
		return next, nil
	}
	m.owner = 0
	return NoTask, nil
}

// DropWaiter removes task from a mutex's wait queue; used when a waiting
// task is cancelled before the lock was ever transferred to it.
func (r *Registry) DropWaiter(id, task uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mutexes[id]
	if !ok {
		return
	}
	for i, w := range m.waiters {
		if w == task {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// ---- channels ----

// NewChannel allocates a bounded FIFO channel. A capacity of 0 still
// buffers one element per rendezvous: send parks until a receiver takes
// the value.
func (r *Registry) NewChannel(capacity int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.chans[id] = &chanState{capacity: capacity}
	return id
}

// Send offers v on the channel. When a receiver is parked the value is
// buffered for it and its id returned to wake. When the buffer has room
// the value is enqueued and the send completes. Otherwise the sender
// parks with its value and must suspend; Recv re-injects it later.
func (r *Registry) Send(id, task uint64, v value.Value) (delivered bool, wake uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chans[id]
	if !ok {
		return false, NoTask, ErrUnknownHandle
	}
	if len(c.recvq) > 0 {
		recv := c.recvq[0]
		c.recvq = c.recvq[1:]
		c.buf = append(c.buf, v)
		return true, recv, nil
	}
	if len(c.buf) < c.capacity {
		c.buf = append(c.buf, v)
		return true, NoTask, nil
	}
	c.sendq = append(c.sendq, pendingSend{task: task, val: v})
	return false, NoTask, nil
}

// Recv takes the next value. When the buffer is empty and no sender is
// parked, the receiver parks and must suspend; a later Send wakes it and
// its retried Recv finds the value buffered.
func (r *Registry) Recv(id, task uint64) (v value.Value, received bool, wake uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chans[id]
	if !ok {
		return value.Null, false, NoTask, ErrUnknownHandle
	}
	if len(c.buf) > 0 {
		v = c.buf[0]
		c.buf = c.buf[1:]
		if len(c.sendq) > 0 {
			ps := c.sendq[0]
			c.sendq = c.sendq[1:]
			c.buf = append(c.buf, ps.val)
			return v, true, ps.task, nil
		}
		return v, true, NoTask, nil
	}
	if len(c.sendq) > 0 {
		ps := c.sendq[0]
		c.sendq = c.sendq[1:]
		return ps.val, true, ps.task, nil
	}
	c.recvq = append(c.recvq, task)
	return value.Null, false, NoTask, nil
}

// ---- semaphores ----

// NewSemaphore allocates a counting semaphore with the given permits.
func (r *Registry) NewSemaphore(permits int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.sems[id] = &semState{permits: permits}
	return id
}

// Acquire takes one permit, or parks the task FIFO when none remain.
func (r *Registry) Acquire(id, task uint64) (acquired bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sems[id]
	if !ok {
		return false, ErrUnknownHandle
	}
	if s.permits > 0 {
		s.permits--
		return true, nil
	}
	s.waiters = append(s.waiters, task)
	return false, nil
}

// Release returns one permit, transferring it directly to the FIFO head
// when a task is parked.
func (r *Registry) Release(id uint64) (wake uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sems[id]
	if !ok {
		return NoTask, ErrUnknownHandle
	}
	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		return next, nil
	}
	s.permits++
	return NoTask, nil
}

// ChannelValues visits every value currently buffered or pending in any
// channel; the collector treats them as roots since a parked sender's
// value is otherwise invisible from any stack.
func (r *Registry) ChannelValues(visit func(value.Value)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.chans {
		for _, v := range c.buf {
			visit(v)
		}
		for _, ps := range c.sendq {
			visit(ps.val)
		}
	}
}
