package imagecache

import "sync"

// Dispatcher runs result deliveries. Implementations must execute the
// functions one at a time in the order they were dispatched.
type Dispatcher interface {
	Dispatch(fn func())
}

// serialQueue is the default Dispatcher: a single goroutine working an
// unbounded FIFO so the coordinator never blocks on slow callbacks
type serialQueue struct {
	lock   sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.lock)

	go q.run()
	return q
}

// Dispatch enqueues fn and reports false if the queue is already closed
func (q *serialQueue) Dispatch(fn func()) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, fn)
	q.cond.Signal()
	return true
}

// Close runs all queued functions and stops the queue
func (q *serialQueue) Close() {
	q.lock.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.lock.Unlock()

	<-q.done
}

func (q *serialQueue) run() {
	defer close(q.done)

	for {
		q.lock.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}

		if len(q.items) == 0 {
			q.lock.Unlock()
			return
		}

		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.lock.Unlock()

		fn()
	}
}
