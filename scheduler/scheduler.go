// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs units of work on a bounded number of goroutines in
// priority order.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrCancelled is reported to the completion of a cancelled task.
	ErrCancelled = errors.New("scheduler: task cancelled")

	// ErrClosed is reported to the completion of a task that was pending or
	// submitted after the scheduler was closed.
	ErrClosed = errors.New("scheduler: closed")
)

// Priority orders pending tasks.  Higher priorities run first.
type Priority int

// Task priorities.  The zero value selects Normal.
const (
	Low Priority = iota + 1
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority parses the name of a priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return Low, nil
	case "normal", "":
		return Normal, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Work is a unit of work run by the scheduler.  It should return promptly
// once ctx is cancelled.
type Work func(ctx context.Context) error

// State is the lifecycle state of a task.
type State int

// Task states.
const (
	Pending State = iota
	Running
	Finished
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Task is a unit of work submitted to a Scheduler.
type Task struct {
	s     *Scheduler
	seq   uint64
	index int // position in the queue, -1 once dequeued

	// guarded by s.mu
	priority        Priority
	state           State
	work            Work
	completion      func(error)
	cancel          context.CancelFunc
	cancelRequested bool
	err             error

	done chan struct{}
}

// Scheduler runs tasks with bounded concurrency.  Pending tasks are started
// in priority order, and in submission order within a priority.  Running
// tasks are never preempted.
type Scheduler struct {
	sem  *semaphore.Weighted
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // running tasks and the dispatch loop

	mu     sync.Mutex
	queue  taskQueue
	seq    uint64
	closed bool
}

// New returns a scheduler that runs at most maxConcurrent tasks at once.
func New(maxConcurrent int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Submit queues work at priority p.  completion is called exactly once with
// the result of work, ErrCancelled, or ErrClosed.  If the scheduler is
// closed, completion is called before Submit returns.
func (s *Scheduler) Submit(p Priority, work Work, completion func(error)) *Task {
	if p <= 0 {
		p = Normal
	}
	t := &Task{
		s:          s,
		priority:   p,
		work:       work,
		completion: completion,
		index:      -1,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		finish := t.completeLocked(Cancelled, ErrClosed)
		s.mu.Unlock()
		finish()
		return t
	}
	s.seq++
	t.seq = s.seq
	heap.Push(&s.queue, t)
	s.mu.Unlock()

	s.signal()
	return t
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch starts pending tasks whenever a slot is free.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}

		for s.sem.TryAcquire(1) {
			s.mu.Lock()
			if s.closed || s.queue.Len() == 0 {
				s.mu.Unlock()
				s.sem.Release(1)
				break
			}
			t := heap.Pop(&s.queue).(*Task)
			ctx, cancel := context.WithCancel(s.ctx)
			t.state = Running
			t.cancel = cancel
			work := t.work
			s.wg.Add(1)
			s.mu.Unlock()

			go s.run(ctx, t, work)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t *Task, work Work) {
	defer s.wg.Done()

	err := safeRun(ctx, work)

	s.sem.Release(1)
	s.signal()

	s.mu.Lock()
	t.cancel()
	state := Finished
	if t.cancelRequested {
		state = Cancelled
		if err == nil || errors.Is(err, context.Canceled) {
			err = ErrCancelled
		}
	} else if s.closed && errors.Is(err, context.Canceled) {
		err = ErrClosed
	}
	finish := t.completeLocked(state, err)
	s.mu.Unlock()
	finish()
}

func safeRun(ctx context.Context, work Work) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scheduler: task panicked: %v", p)
		}
	}()
	return work(ctx)
}

// completeLocked moves t to a terminal state and drops its references to
// the work and completion funcs.  The returned func invokes the completion
// and must be called without s.mu held.
func (t *Task) completeLocked(state State, err error) func() {
	t.state = state
	t.err = err
	completion := t.completion
	t.completion = nil
	t.work = nil
	return func() {
		if completion != nil {
			completion(err)
			completion = nil
		}
		close(t.done)
	}
}

// Cancel cancels t.  A pending task is removed from the queue and completes
// with ErrCancelled.  A running task has its context cancelled and
// completes when its work returns.
func (t *Task) Cancel() {
	s := t.s
	s.mu.Lock()
	switch t.state {
	case Pending:
		if t.index >= 0 {
			heap.Remove(&s.queue, t.index)
		}
		finish := t.completeLocked(Cancelled, ErrCancelled)
		s.mu.Unlock()
		finish()
	case Running:
		t.cancelRequested = true
		cancel := t.cancel
		s.mu.Unlock()
		cancel()
	default:
		s.mu.Unlock()
	}
}

// SetPriority changes the priority of a pending task.  It returns false if
// the task has already started or completed.
func (t *Task) SetPriority(p Priority) bool {
	if p <= 0 {
		p = Normal
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.state != Pending {
		return false
	}
	t.priority = p
	heap.Fix(&s.queue, t.index)
	return true
}

// Priority returns the current priority of t.
func (t *Task) Priority() Priority {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.priority
}

// State returns the current state of t.
func (t *Task) State() State {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.state
}

// Done returns a channel that is closed once t has completed and its
// completion has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the result of t once it has completed.
func (t *Task) Err() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.err
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close completes pending tasks with ErrClosed, cancels running tasks, and
// waits for them to return.  Tasks submitted after Close complete
// immediately with ErrClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var finishers []func()
	for s.queue.Len() > 0 {
		t := heap.Pop(&s.queue).(*Task)
		finishers = append(finishers, t.completeLocked(Cancelled, ErrClosed))
	}
	s.mu.Unlock()

	s.cancel()
	for _, finish := range finishers {
		finish()
	}
	s.wg.Wait()
}

// taskQueue implements heap.Interface.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*Task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
