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

package sched

import (
	"container/heap"
	"time"
)

// timerEntry is one sleeping task.
type timerEntry struct {
	wakeAt time.Time
	taskID uint64
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].wakeAt.Before(h[j].wakeAt) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// timerThread owns the min-heap of sleeping tasks and pushes due ones
// back through wake. It is not a safepoint participant: it never touches
// the heap, only task ids.
type timerThread struct {
	add  chan timerEntry
	stop chan struct{}
	wake func(taskID uint64)
}

func newTimerThread(wake func(uint64)) *timerThread {
	return &timerThread{
		add:  make(chan timerEntry, 64),
		stop: make(chan struct{}),
		wake: wake,
	}
}

func (tt *timerThread) run() {
	var pending timerHeap
	heap.Init(&pending)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		// fire everything due, then sleep until the next deadline
		now := time.Now()
		for pending.Len() > 0 && !pending[0].wakeAt.After(now) {
			e := heap.Pop(&pending).(timerEntry)
			tt.wake(e.taskID)
		}
		d := time.Hour
		if pending.Len() > 0 {
			d = time.Until(pending[0].wakeAt)
			if d < 0 {
				d = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
		select {
		case e := <-tt.add:
			heap.Push(&pending, e)
		case <-timer.C:
		case <-tt.stop:
			return
		}
	}
}

func (tt *timerThread) schedule(wakeAt time.Time, taskID uint64) {
	tt.add <- timerEntry{wakeAt: wakeAt, taskID: taskID}
}

func (tt *timerThread) shutdown() { close(tt.stop) }
