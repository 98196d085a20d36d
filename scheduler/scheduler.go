// Package scheduler runs background units of work with a priority, an
// earliest-start time and a per-task timeout. A task name runs at most once
// concurrently; completion is reported through an optional callback and the
// logger. GTNet hands its delivery retries and deferred status checks to
// this scheduler instead of managing threads itself.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped indicates an enqueue after Stop.
var ErrStopped = errors.New("scheduler: stopped")

// Task is one unit of background work.
//
// Priority orders tasks that are due at the same time, lower value first.
// A zero EarliestStart means "run as soon as a worker is free". A positive
// Repeat re-enqueues the task that long after each completion.
type Task struct {
	Name          string
	Priority      int
	EarliestStart time.Time
	Timeout       time.Duration
	Repeat        time.Duration
	Run           func(ctx context.Context) error
}

// Scheduler dispatches queued tasks to a fixed worker pool.
type Scheduler struct {
	workers        int
	defaultTimeout time.Duration
	logger         *slog.Logger

	// OnDone, when set, observes every task completion.
	OnDone func(name string, err error)

	mu      sync.Mutex
	queue   taskQueue
	running map[string]bool
	wake    chan struct{}
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Start must be called before tasks run.
func New(workers int, defaultTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		workers:        workers,
		defaultTimeout: defaultTimeout,
		logger:         logger.With("component", "scheduler"),
		running:        make(map[string]bool),
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
}

// Enqueue queues one task. Tasks with an empty name or nil Run are
// rejected.
func (s *Scheduler) Enqueue(task Task) error {
	if task.Name == "" {
		return errors.New("scheduler: task name is required")
	}
	if task.Run == nil {
		return errors.New("scheduler: task run function is required")
	}
	if task.Timeout <= 0 {
		task.Timeout = s.defaultTimeout
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	heap.Push(&s.queue, task)
	s.mu.Unlock()

	s.kick()
	return nil
}

// Stop stops dispatching and waits for in-flight tasks. Queued tasks that
// have not started are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the first due task whose name is not already running. It
// returns the wait duration until the earliest queued task when nothing is
// due yet.
func (s *Scheduler) next() (Task, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	// The heap's backing array is only partially ordered, so the pick among
	// eligible tasks compares candidates with the queue's own ordering.
	best := -1
	for i := 0; i < s.queue.Len(); i++ {
		task := s.queue[i]
		if task.EarliestStart.After(now) {
			continue
		}
		if s.running[task.Name] {
			continue
		}
		if best < 0 || s.queue.Less(i, best) {
			best = i
		}
	}
	if best >= 0 {
		task := heap.Remove(&s.queue, best).(Task)
		s.running[task.Name] = true
		return task, 0, true
	}

	wait := 200 * time.Millisecond
	for _, task := range s.queue {
		if until := time.Until(task.EarliestStart); until > 0 && until < wait {
			wait = until
		}
	}
	return Task{}, wait, false
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()

	for {
		task, wait, ok := s.next()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			case <-time.After(wait):
			}
			continue
		}

		s.runTask(task)
	}
}

func (s *Scheduler) runTask(task Task) {
	ctx, cancel := context.WithTimeout(s.ctx, task.Timeout)
	err := task.Run(ctx)
	cancel()

	s.mu.Lock()
	delete(s.running, task.Name)
	requeue := task.Repeat > 0 && !s.stopped
	if requeue {
		next := task
		next.EarliestStart = time.Now().Add(task.Repeat)
		heap.Push(&s.queue, next)
	}
	s.mu.Unlock()
	if requeue {
		s.kick()
	}

	if err != nil {
		s.logger.Warn("task failed", "task", task.Name, "error", err)
	} else {
		s.logger.Debug("task completed", "task", task.Name)
	}
	if s.OnDone != nil {
		s.OnDone(task.Name, err)
	}
}

// taskQueue orders by earliest start, then priority (lower first).
type taskQueue []Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if !q[i].EarliestStart.Equal(q[j].EarliestStart) {
		return q[i].EarliestStart.Before(q[j].EarliestStart)
	}
	return q[i].Priority < q[j].Priority
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(Task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	*q = old[:n-1]
	return task
}
