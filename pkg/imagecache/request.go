package imagecache

import (
	"bytes"
	"context"
	"image"
	"sync"

	"github.com/Luzifer/imgcache/pkg/cachekey"
	"github.com/Luzifer/imgcache/pkg/scheduler"
)

type (
	// Callback receives the results of a request on the delivery context
	Callback[T any] func(Result[T])

	// Result is handed to the callback of a request
	Result[T any] struct {
		Value T
		// Ref is the resolved WithRef liveness lookup, nil if none was
		// given or the referenced object is gone
		Ref       any
		FromCache bool
		Tier      Tier
		// Refreshed is set on the second delivery of a WithRefreshCached
		// request when the remote content changed
		Refreshed bool
		Err       error
	}

	// Request is the handle for a single RequestImage / RequestData call
	Request[T any] struct {
		id  string
		url string
		key cachekey.Key

		c       *Cache
		w       *waiter
		cb      Callback[T]
		ref     Liveness
		convert func(outcome) T

		lock     sync.Mutex
		canceled bool
		finished bool
		result   Result[T]
		done     chan struct{}
	}

	kind int

	// waiter is the coordinator's view of a request
	waiter struct {
		id       string
		url      string
		key      cachekey.Key
		kind     kind
		priority scheduler.Priority
		opts     requestOpts

		handle *scheduler.Handle[*Response]
		hit    *hitDecode
		// checksum of the cached value already delivered in refresh mode
		refreshChecksum string

		deliver    func(outcome)
		progress   func(received, expected int64)
		isCanceled func() bool
	}

	// outcome is the type independent form of a delivery
	outcome struct {
		data      []byte
		img       image.Image
		fromCache bool
		tier      Tier
		refreshed bool
		err       error
		// final deliveries finish the request
		final bool
		// silent deliveries finish the request without calling back
		silent bool
	}
)

const (
	kindData kind = iota
	kindImage
)

// Cancel withdraws the request. No callback is invoked for it afterwards
// and Wait returns ErrCanceled. The fetch serving it is cancelled when
// no other request is waiting for it. Returns false if the request was
// already finished or cancelled.
func (r *Request[T]) Cancel() bool {
	r.lock.Lock()
	if r.canceled || r.finished {
		r.lock.Unlock()
		return false
	}
	r.canceled = true
	r.result = Result[T]{Err: ErrCanceled}
	close(r.done)
	r.lock.Unlock()

	if r.w != nil {
		r.c.cancelWaiter(r.w)
	}

	return true
}

// Done is closed after the final result was delivered or the request
// was cancelled
func (r *Request[T]) Done() <-chan struct{} { return r.done }

// ID identifies the request in log output
func (r *Request[T]) ID() string { return r.id }

// Key returns the cache key of the requested URL
func (r *Request[T]) Key() cachekey.Key { return r.key }

// URL returns the requested URL
func (r *Request[T]) URL() string { return r.url }

// Wait blocks until the request is done and returns the last delivered
// result along with its error
func (r *Request[T]) Wait(ctx context.Context) (Result[T], error) {
	select {
	case <-r.done:
		r.lock.Lock()
		defer r.lock.Unlock()
		return r.result, r.result.Err

	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	}
}

func (r *Request[T]) deliver(o outcome) {
	r.lock.Lock()
	if r.canceled || r.finished {
		r.lock.Unlock()
		return
	}

	if o.silent {
		r.finished = true
		r.lock.Unlock()
		close(r.done)
		return
	}

	res := Result[T]{
		FromCache: o.fromCache,
		Tier:      o.tier,
		Refreshed: o.refreshed,
		Err:       o.err,
	}
	if o.err == nil {
		res.Value = r.convert(o)
	}
	if r.ref != nil {
		res.Ref = r.ref()
	}

	r.result = res
	if o.final {
		r.finished = true
	}
	r.lock.Unlock()

	if r.cb != nil {
		r.cb(res)
	}

	if o.final {
		close(r.done)
	}
}

// abort finishes a request which never reached the coordinator
func (r *Request[T]) abort(err error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.canceled || r.finished {
		return
	}

	r.finished = true
	r.result = Result[T]{Err: err}
	close(r.done)
}

func (r *Request[T]) reportProgress(fn ProgressFunc, received, expected int64) {
	r.lock.Lock()
	active := !r.canceled && !r.finished
	r.lock.Unlock()

	if active {
		fn(received, expected)
	}
}

func (r *Request[T]) isCanceled() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.canceled
}

func convertData(o outcome) []byte { return bytes.Clone(o.data) }

func convertImage(o outcome) image.Image { return o.img }
