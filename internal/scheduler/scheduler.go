// Package scheduler runs work items on a bounded number of goroutines and
// provides a drain barrier between phases.
package scheduler

import (
	"context"
	"sync"

	sorterrors "github.com/tamirms/groupsort/errors"
	"golang.org/x/sync/errgroup"
)

// queueMultiplier sizes the task queue relative to the worker count.
const queueMultiplier = 2

// Task is one unit of work. The context is canceled once any task fails.
type Task func(ctx context.Context) error

// Scheduler is a fixed-size worker pool over a bounded queue. The first task
// error cancels the context of running tasks and skips queued ones; later
// errors are dropped.
//
// Submit and Barrier must be called from one goroutine.
type Scheduler struct {
	queue   chan Task
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelCauseFunc
	pending sync.WaitGroup

	closed   bool
	closeErr error

	mu       sync.Mutex
	firstErr error
}

// New starts workers goroutines. workers <= 0 means one.
func New(ctx context.Context, workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancelCause(ctx)
	s := &Scheduler{
		queue:  make(chan Task, workers*queueMultiplier),
		group:  new(errgroup.Group),
		ctx:    ctx,
		cancel: cancel,
	}
	for range workers {
		s.group.Go(s.runWorker)
	}
	return s
}

// Context returns the context handed to tasks.
func (s *Scheduler) Context() context.Context { return s.ctx }

// runWorker keeps draining the queue after a failure so that Barrier and
// Close never wait on tasks nobody will run; skipped tasks are not executed.
func (s *Scheduler) runWorker() error {
	for task := range s.queue {
		if s.ctx.Err() == nil {
			if err := task(s.ctx); err != nil {
				s.recordErr(err)
			}
		}
		s.pending.Done()
	}
	return nil
}

func (s *Scheduler) recordErr(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	s.cancel(err)
}

func (s *Scheduler) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Submit enqueues task, blocking while the queue is full. Once a task has
// failed, Submit returns that error instead of enqueueing.
func (s *Scheduler) Submit(task Task) error {
	if s.closed {
		return sorterrors.ErrSchedulerClosed
	}
	if err := s.err(); err != nil {
		return err
	}
	s.pending.Add(1)
	select {
	case s.queue <- task:
		return nil
	case <-s.ctx.Done():
		s.pending.Done()
		return s.cause()
	}
}

// cause returns the first task error, or why the parent context ended.
func (s *Scheduler) cause() error {
	if err := s.err(); err != nil {
		return err
	}
	return context.Cause(s.ctx)
}

// Barrier blocks until every task submitted before it has finished, then
// returns the first task error, if any. The scheduler stays usable.
func (s *Scheduler) Barrier() error {
	s.pending.Wait()
	return s.cause()
}

// Close stops accepting tasks, waits for the workers to drain the queue and
// exit, and returns the first task error. Idempotent.
func (s *Scheduler) Close() error {
	if s.closed {
		return s.closeErr
	}
	s.closed = true
	close(s.queue)
	if err := s.group.Wait(); err != nil {
		s.recordErr(err)
	}
	s.closeErr = s.cause()
	s.cancel(nil)
	return s.closeErr
}
