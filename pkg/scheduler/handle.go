package scheduler

import (
	"context"
	"sync"
)

// Handle represents one submission's interest in a job
type Handle[T any] struct {
	s   *Scheduler[T]
	job *job[T]

	// guarded by s.lock
	canceled bool

	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// Cancel withdraws this handle's interest. The job is dropped (if still
// queued) or its context cancelled (if running) once no handle is
// interested anymore. Returns false if the handle was already resolved.
func (h *Handle[T]) Cancel() bool {
	if h.job == nil {
		return false
	}
	return h.s.cancelHandle(h)
}

// Done is closed when the result is available
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// JobID identifies the job this handle is attached to. Handles for the
// same key submitted while a job is pending or running share the id.
func (h *Handle[T]) JobID() uint64 {
	if h.job == nil {
		return 0
	}
	return h.job.id
}

// Priority returns the current effective priority of the job
func (h *Handle[T]) Priority() Priority {
	if h.job == nil {
		return PriorityNormal
	}

	h.s.lock.Lock()
	defer h.s.lock.Unlock()
	return h.job.priority
}

// Result blocks until the job finished and returns its result
func (h *Handle[T]) Result() (T, error) {
	<-h.done
	return h.value, h.err
}

// Wait is like Result but gives up when ctx is done
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (h *Handle[T]) resolve(v T, err error) {
	h.once.Do(func() {
		h.value, h.err = v, err
		close(h.done)
	})
}
