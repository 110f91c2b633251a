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

// Package sched runs tasks: a fixed work-stealing worker pool, a global
// injector queue, a timer thread for sleepers, and the task registry. It
// implements the interpreter's Env interface and the collector's root
// enumeration, tying the concurrency model together.
package sched

import (
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"raya/internal/log"
	"raya/internal/value"
	"raya/internal/vm"
)

// Config tunes the pool.
type Config struct {
	// Workers is the number of OS-thread-backed worker goroutines;
	// defaults to the host CPU count.
	Workers int
}

// DefaultConfig mirrors the construction-time default of one worker per
// host CPU.
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU()}
}

var (
	ErrUnknownFunction = errors.New("sched: unknown function index")
	ErrShuttingDown    = errors.New("sched: scheduler is shutting down")
)

// taskEntry is the registry's view of one task.
type taskEntry struct {
	task *vm.Task
	uid  uuid.UUID // internal identity; the public handle is the uint64 id

	waiters mapset.Set // task ids to wake at completion

	// pendingWake absorbs the race between a wake-up and the worker that
	// is still in the middle of parking the task.
	pendingWake int32

	// lastSusp remembers why the task parked so cancellation can unhook
	// it from mutex/channel wait queues.
	lastSusp *vm.Suspension
}

// Scheduler owns the worker pool and the task registry. One per VM.
type Scheduler struct {
	cfg Config
	vm  *vm.VM

	inj    injector
	locals []*deque

	regMu sync.RWMutex
	tasks map[uint64]*taskEntry
	seq   uint64 // atomically incremented task id source

	timer *timerThread

	gcFlight singleflight.Group

	stopped  int32
	rootID   uint64
	rootDone chan struct{}

	group *errgroup.Group
}

// New builds a scheduler over an already constructed VM and installs
// itself as the VM's Env.
func New(cfg Config, machine *vm.VM) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	s := &Scheduler{
		cfg:      cfg,
		vm:       machine,
		tasks:    map[uint64]*taskEntry{},
		rootDone: make(chan struct{}),
	}
	s.locals = make([]*deque, cfg.Workers)
	for i := range s.locals {
		s.locals[i] = &deque{}
	}
	s.timer = newTimerThread(s.WakeTask)
	machine.Env = s
	machine.SP.SetWorkerCount(cfg.Workers)
	return s
}

// Execute spawns the root task over fnIndex, runs the pool until that
// task reaches a terminal state, and returns its result or exception.
func (s *Scheduler) Execute(fnIndex uint32, args []value.Value) (value.Value, value.Value, vm.TaskState, error) {
	id, err := s.SpawnTask(fnIndex, args, value.Null, 0)
	if err != nil {
		return value.Null, value.Null, vm.TaskFailed, err
	}
	s.rootID = id

	s.group = new(errgroup.Group)
	for i := 0; i < s.cfg.Workers; i++ {
		w := i
		s.group.Go(func() error {
			s.worker(w)
			return nil
		})
	}
	s.group.Go(func() error {
		s.timer.run()
		return nil
	})

	<-s.rootDone
	atomic.StoreInt32(&s.stopped, 1)
	s.timer.shutdown()
	if err := s.group.Wait(); err != nil {
		return value.Null, value.Null, vm.TaskFailed, err
	}

	s.regMu.RLock()
	entry := s.tasks[id]
	s.regMu.RUnlock()
	if entry == nil {
		return value.Null, value.Null, vm.TaskFailed, errors.New("sched: root task drained before observation")
	}
	t := entry.task
	return t.Result, t.Exception, t.State(), nil
}

// TaskCount reports the number of live registry entries, including the
// root; used by tests of the drain invariant.
func (s *Scheduler) TaskCount() int {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return len(s.tasks)
}

// ---- worker loop ----

func (s *Scheduler) worker(idx int) {
	defer s.vm.SP.WorkerExited()
	src := rand.New(rand.NewSource(int64(idx)*2654435761 + time.Now().UnixNano()))
	idle := 0
	for atomic.LoadInt32(&s.stopped) == 0 {
		s.vm.SP.Poll()

		t := s.locals[idx].popBottom()
		if t == nil {
			t = s.inj.pop()
		}
		if t == nil && s.cfg.Workers > 1 {
			victim := src.Intn(s.cfg.Workers)
			if victim != idx {
				t = s.locals[victim].stealTop()
			}
		}
		if t == nil {
			idle++
			if idle > 64 {
				time.Sleep(200 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
			continue
		}
		idle = 0

		if !t.CasState(vm.TaskReady, vm.TaskRunning) {
			// lost the race for this task; drop our reference
			continue
		}
		if t.Cancelled() && len(t.Frames) == 0 {
			// cancelled before its first instruction: terminal Cancelled
			// without ever entering the interpreter
			t.Exception = s.vm.Heap.AllocString("CancellationError: task cancelled")
			s.finish(t, vm.TaskCancelled)
			continue
		}
		s.runTask(idx, t)
	}
}

func (s *Scheduler) runTask(idx int, t *vm.Task) {
	outcome, susp := s.vm.Run(t)
	switch outcome {
	case vm.OutcomeCompleted:
		s.finish(t, vm.TaskCompleted)
	case vm.OutcomeFailed:
		// an uncaught CancellationError still terminates as Failed with
		// the exception retained for awaiters
		s.finish(t, vm.TaskFailed)
	case vm.OutcomeSuspended:
		s.park(idx, t, susp)
	}
}

// finish moves t to a terminal state, unhooks any stale sync-queue
// registration, and wakes every registered waiter.
func (s *Scheduler) finish(t *vm.Task, state vm.TaskState) {
	t.SetState(state)

	s.regMu.Lock()
	entry := s.tasks[t.ID]
	var waiters []interface{}
	if entry != nil {
		waiters = entry.waiters.ToSlice()
		entry.waiters = mapset.NewSet()
		if entry.lastSusp != nil {
			s.unhookSuspension(t, entry.lastSusp)
			entry.lastSusp = nil
		}
	}
	s.regMu.Unlock()

	log.Debug("task finished", "task", t.ID, "state", state)
	for _, w := range waiters {
		s.WakeTask(w.(uint64))
	}
	if t.ID == s.rootID {
		close(s.rootDone)
	}
}

// unhookSuspension removes a terminal task from the waiter queue it was
// parked on; a cancelled mutex waiter may even have had ownership
// transferred to it in the race window, which is handed straight back.
// Caller holds regMu.
func (s *Scheduler) unhookSuspension(t *vm.Task, susp *vm.Suspension) {
	if susp.Reason == vm.SuspendMutex {
		s.vm.Sync.DropWaiter(susp.Target, t.ID)
		if wake, err := s.vm.Sync.Unlock(susp.Target, t.ID); err == nil && wake != 0 {
			s.WakeTask(wake)
		}
	}
}

// park records why t suspended and leaves it alone until whoever is
// responsible re-queues it. Yield and preemption re-queue immediately.
func (s *Scheduler) park(idx int, t *vm.Task, susp *vm.Suspension) {
	switch susp.Reason {
	case vm.SuspendYield:
		t.SetState(vm.TaskReady)
		s.inj.push(t)
		return
	case vm.SuspendPreempted:
		// keep a preempted task on this worker's deque: peers can steal
		// it, but locality is preserved when they don't
		t.SetState(vm.TaskReady)
		s.locals[idx].pushBottom(t)
		return
	}

	s.regMu.Lock()
	entry := s.tasks[t.ID]
	if entry != nil {
		entry.lastSusp = susp
	}
	s.regMu.Unlock()

	t.SetState(vm.TaskSuspended)

	if susp.Reason == vm.SuspendSleep {
		s.timer.schedule(susp.WakeAt, t.ID)
	}

	// a wake-up that raced with parking is honored now
	if entry != nil && atomic.CompareAndSwapInt32(&entry.pendingWake, 1, 0) {
		if t.CasState(vm.TaskSuspended, vm.TaskReady) {
			s.inj.push(t)
		}
	}
}

// ---- vm.Env ----

// SpawnTask registers and enqueues a new task. The public id is a
// registry-assigned sequence number; a full UUID is minted alongside it
// as the task's internal identity for logs and diagnostics.
func (s *Scheduler) SpawnTask(fnIndex uint32, args []value.Value, closure value.Value, parent uint64) (uint64, error) {
	if atomic.LoadInt32(&s.stopped) != 0 {
		return 0, ErrShuttingDown
	}
	if int(fnIndex) >= len(s.vm.Module.Functions) {
		return 0, ErrUnknownFunction
	}
	id := atomic.AddUint64(&s.seq, 1)
	t := vm.NewTask(id, parent, fnIndex, args, closure)
	entry := &taskEntry{task: t, uid: uuid.New(), waiters: mapset.NewSet()}

	s.regMu.Lock()
	s.tasks[id] = entry
	s.regMu.Unlock()

	t.SetState(vm.TaskReady)
	s.inj.push(t)
	log.Debug("task spawned", "task", id, "uuid", entry.uid, "fn", fnIndex, "parent", parent)
	return id, nil
}

// TaskStatus reads a task's lifecycle snapshot.
func (s *Scheduler) TaskStatus(id uint64) (vm.TaskState, value.Value, value.Value, bool) {
	s.regMu.RLock()
	entry := s.tasks[id]
	s.regMu.RUnlock()
	if entry == nil {
		return vm.TaskFailed, value.Null, value.Null, false
	}
	t := entry.task
	return t.State(), t.Result, t.Exception, true
}

// AddWaiter registers waiter on target; false means target is already
// terminal and the caller should re-check instead of parking.
func (s *Scheduler) AddWaiter(target, waiter uint64) bool {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	entry := s.tasks[target]
	if entry == nil || entry.task.State().Terminal() {
		return false
	}
	entry.waiters.Add(waiter)
	return true
}

// WakeTask re-injects a suspended task. If the task is still parking
// (worker mid-suspension), the wake is recorded and honored by park.
func (s *Scheduler) WakeTask(id uint64) {
	s.regMu.RLock()
	entry := s.tasks[id]
	s.regMu.RUnlock()
	if entry == nil {
		return
	}
	t := entry.task
	if t.CasState(vm.TaskSuspended, vm.TaskReady) {
		s.inj.push(t)
		return
	}
	if !t.State().Terminal() {
		atomic.StoreInt32(&entry.pendingWake, 1)
		// re-check: the worker may have finished parking between the
		// state read and the flag store
		if t.CasState(vm.TaskSuspended, vm.TaskReady) {
			atomic.StoreInt32(&entry.pendingWake, 0)
			s.inj.push(t)
		}
	}
}

// CancelTask flags id for cancellation and nudges it so the flag is
// observed: a suspended task is re-injected, a running one is preempted.
func (s *Scheduler) CancelTask(id uint64) {
	s.regMu.RLock()
	entry := s.tasks[id]
	s.regMu.RUnlock()
	if entry == nil || entry.task.State().Terminal() {
		return
	}
	entry.task.Cancel()
	s.WakeTask(id)
}

// DrainObserved removes a terminal task once its awaiter has consumed the
// result, returning the registry to its steady-state size.
func (s *Scheduler) DrainObserved(id uint64) {
	if id == s.rootID {
		return // the host observes the root through Execute
	}
	s.regMu.Lock()
	if entry := s.tasks[id]; entry != nil && entry.task.State().Terminal() {
		delete(s.tasks, id)
	}
	s.regMu.Unlock()
}

// MaybeCollect triggers one collection cycle when the heap has crossed
// its threshold. Concurrent triggers collapse into a single flight; the
// calling worker immediately polls so the stop-the-world request it just
// fired (or joined) can take it to a safepoint.
func (s *Scheduler) MaybeCollect() {
	if !s.vm.Heap.ShouldCollect() {
		return
	}
	s.gcFlight.DoChan("collect", func() (interface{}, error) {
		s.vm.Heap.Collect(s)
		return nil, nil
	})
	s.vm.SP.Poll()
}

// ---- gc.RootProvider ----

// EnumerateRoots visits every live task's stacks, locals, and closures,
// plus the VM-pinned roots (globals, interned constants, channel
// buffers). Runs inside the collector's stop-the-world window.
func (s *Scheduler) EnumerateRoots(visit func(value.Value)) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	for _, entry := range s.tasks {
		entry.task.EnumerateRoots(visit)
	}
	s.vm.EnumerateRoots(visit)
}
