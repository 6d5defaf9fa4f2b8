// Package scheduler implements a bounded, priority ordered worker pool
// which executes at most one task per key at any time
package scheduler

import (
	"container/heap"
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Luzifer/imgcache/pkg/metrics"
)

// DefaultConcurrency is the number of executors used when none is configured
const DefaultConcurrency = 1

var (
	// ErrCanceled is the result of a job or handle whose interest was withdrawn
	ErrCanceled = errors.New("canceled")
	// ErrClosed is the result of work submitted to or pending in a closed scheduler
	ErrClosed = errors.New("scheduler closed")
)

type (
	// Task is the unit of work executed for a key. The context is
	// cancelled when nobody is interested in the result anymore.
	Task[T any] func(ctx context.Context) (T, error)

	// CompletionFunc is invoked exactly once for every job after it
	// finished, was dropped or was cancelled. It runs on the executor
	// goroutine (or the goroutine cancelling the job) and must not block
	// for long.
	CompletionFunc[T any] func(key string, jobID uint64, value T, err error)

	// Option configures a Scheduler
	Option[T any] func(*Scheduler[T])

	// Scheduler deduplicates submissions by key and dispatches them to a
	// fixed number of executors by priority
	Scheduler[T any] struct {
		concurrency int
		logger      logrus.FieldLogger
		onComplete  CompletionFunc[T]

		ctx    context.Context
		cancel context.CancelFunc

		lock    sync.Mutex
		cond    *sync.Cond
		closed  bool
		queue   jobQueue[T]
		jobs    map[string]*job[T]
		running map[string]*job[T]
		nextID  uint64
		nextSeq uint64

		workers errgroup.Group
	}

	// Stats is a snapshot of the scheduler state
	Stats struct {
		Pending int
		Running int
	}

	job[T any] struct {
		id       uint64
		key      string
		priority Priority
		seq      uint64
		task     Task[T]

		handles  []*Handle[T]
		interest int
		index    int
		running  bool
		finished bool
		cancel   context.CancelFunc
	}
)

// WithCompletion registers the hook called once per finished job
func WithCompletion[T any](fn CompletionFunc[T]) Option[T] {
	return func(s *Scheduler[T]) { s.onComplete = fn }
}

// WithLogger sets the logger used for dispatch information
func WithLogger[T any](l logrus.FieldLogger) Option[T] {
	return func(s *Scheduler[T]) { s.logger = l }
}

// New creates a Scheduler and starts its executors. A concurrency below
// one is replaced by DefaultConcurrency.
func New[T any](concurrency int, opts ...Option[T]) *Scheduler[T] {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	s := &Scheduler[T]{
		concurrency: concurrency,
		logger:      logrus.StandardLogger(),
		jobs:        make(map[string]*job[T]),
		running:     make(map[string]*job[T]),
	}
	s.cond = sync.NewCond(&s.lock)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, o := range opts {
		o(s)
	}

	for i := 0; i < s.concurrency; i++ {
		s.workers.Go(s.executor)
	}

	return s
}

// Submit registers interest in the result of task for key. If a job for
// the key is already pending or running the returned handle is attached
// to it and the pending job's priority is raised to prio if higher; the
// task passed here is not used in that case.
func (s *Scheduler[T]) Submit(key string, prio Priority, task Task[T]) *Handle[T] {
	s.lock.Lock()
	defer s.lock.Unlock()

	h := &Handle[T]{s: s, done: make(chan struct{})}

	if s.closed {
		var zero T
		h.resolve(zero, ErrClosed)
		return h
	}

	j := s.jobs[key]
	switch {
	case j == nil:
		s.nextID++
		s.nextSeq++
		j = &job[T]{
			id:       s.nextID,
			key:      key,
			priority: prio,
			seq:      s.nextSeq,
			task:     task,
			index:    -1,
		}
		s.jobs[key] = j
		heap.Push(&s.queue, j)
		s.cond.Signal()

	case prio > j.priority:
		j.priority = prio
		if j.index >= 0 {
			heap.Fix(&s.queue, j.index)
		}
	}

	j.interest++
	j.handles = append(j.handles, h)
	h.job = j

	s.reportStats()
	return h
}

// Stats returns the number of pending and running jobs
func (s *Scheduler[T]) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()

	return Stats{Pending: len(s.queue), Running: len(s.running)}
}

// Close drops all pending jobs, cancels running ones and waits for the
// executors to exit. Handles of dropped jobs resolve with ErrClosed.
func (s *Scheduler[T]) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true

	dropped := make([]*job[T], 0, len(s.queue))
	for s.queue.Len() > 0 {
		j := heap.Pop(&s.queue).(*job[T]) //nolint:forcetypeassert // Only jobs are pushed
		j.finished = true
		delete(s.jobs, j.key)
		dropped = append(dropped, j)
	}
	s.reportStats()
	s.cond.Broadcast()
	s.lock.Unlock()

	s.cancel()

	for _, j := range dropped {
		s.complete(j, ErrClosed)
	}

	return errors.Wrap(s.workers.Wait(), "waiting for executors")
}

func (s *Scheduler[T]) executor() error {
	for {
		j, ctx := s.next()
		if j == nil {
			return nil
		}

		s.logger.WithFields(logrus.Fields{
			"key":      j.key,
			"priority": j.priority,
		}).Debug("dispatching job")

		v, err := j.task(ctx)
		s.finish(j, v, err)
	}
}

// next blocks until a job can be dispatched or the scheduler is closed
func (s *Scheduler[T]) next() (*job[T], context.Context) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for {
		if s.closed {
			return nil, nil
		}

		if j := s.popDispatchable(); j != nil {
			ctx, cancel := context.WithCancel(s.ctx)
			j.cancel = cancel
			j.running = true
			s.running[j.key] = j
			s.reportStats()
			return j, ctx
		}

		s.cond.Wait()
	}
}

// popDispatchable returns the highest priority job whose key is not
// currently executing. A key can still be executing after its job was
// cancelled if the task ignores its context.
func (s *Scheduler[T]) popDispatchable() *job[T] {
	var skipped []*job[T]
	defer func() {
		for _, j := range skipped {
			heap.Push(&s.queue, j)
		}
	}()

	for s.queue.Len() > 0 {
		j := heap.Pop(&s.queue).(*job[T]) //nolint:forcetypeassert // Only jobs are pushed
		if _, busy := s.running[j.key]; busy {
			skipped = append(skipped, j)
			continue
		}
		return j
	}

	return nil
}

func (s *Scheduler[T]) finish(j *job[T], v T, err error) {
	s.lock.Lock()
	j.cancel()
	j.running = false
	j.finished = true
	if s.running[j.key] == j {
		delete(s.running, j.key)
	}
	if s.jobs[j.key] == j {
		delete(s.jobs, j.key)
	}
	if j.interest == 0 {
		// Nobody is interested anymore, never hand out partial results
		var zero T
		v, err = zero, ErrCanceled
	}
	// Resolved before unlocking: a Submit for the key either joined this
	// job or sees it done
	for _, h := range j.handles {
		h.resolve(v, err)
	}
	s.reportStats()
	// Same-key jobs may have been held back while this one was running
	s.cond.Broadcast()
	s.lock.Unlock()

	if s.onComplete != nil {
		s.onComplete(j.key, j.id, v, err)
	}
}

// cancelHandle withdraws the interest of h in its job
func (s *Scheduler[T]) cancelHandle(h *Handle[T]) bool {
	s.lock.Lock()
	j := h.job
	if j.finished || h.canceled {
		s.lock.Unlock()
		return false
	}

	h.canceled = true
	j.interest--

	var dropped bool
	if j.interest == 0 {
		if s.jobs[j.key] == j {
			// Detach so the next submission for the key starts over
			delete(s.jobs, j.key)
		}

		switch {
		case j.index >= 0:
			heap.Remove(&s.queue, j.index)
			j.finished = true
			dropped = true

		case j.running:
			j.cancel()
		}
	}
	s.reportStats()
	s.lock.Unlock()

	var zero T
	h.resolve(zero, ErrCanceled)

	if dropped {
		s.complete(j, ErrCanceled)
	}

	return true
}

// complete resolves all handles of a job which never ran
func (s *Scheduler[T]) complete(j *job[T], err error) {
	var zero T
	for _, h := range j.handles {
		h.resolve(zero, err)
	}

	if s.onComplete != nil {
		s.onComplete(j.key, j.id, zero, err)
	}
}

// reportStats must be called with the lock held
func (s *Scheduler[T]) reportStats() {
	metrics.ImgcacheSchedulerJobs.WithLabelValues("pending").Set(float64(len(s.queue)))
	metrics.ImgcacheSchedulerJobs.WithLabelValues("running").Set(float64(len(s.running)))
}
