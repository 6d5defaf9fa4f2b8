package imagecache

import (
	"github.com/lestrrat-go/option"
)

type (
	// RequestOption modifies a single RequestImage / RequestData call
	RequestOption = option.Interface

	identRequestOptionRef         struct{}
	identRequestOptionRetryFailed struct{}
	identRequestOptionNoBlacklist struct{}
	identRequestOptionMemoryOnly  struct{}
	identRequestOptionRefresh     struct{}
	identRequestOptionProgress    struct{}

	requestOpts struct {
		ref         Liveness
		retryFailed bool
		noBlacklist bool
		memoryOnly  bool
		refresh     bool
		progress    ProgressFunc
	}
)

// WithRef passes a liveness lookup through to the callback. It is
// resolved when the result is delivered, the cache never holds the
// referenced object itself.
func WithRef(ref Liveness) RequestOption {
	return option.New(identRequestOptionRef{}, ref)
}

// WithRetryFailed fetches the URL even if its last fetch failed
func WithRetryFailed() RequestOption {
	return option.New(identRequestOptionRetryFailed{}, true)
}

// WithoutBlacklisting keeps a failure of this request from blacklisting
// the URL. The URL is still blacklisted if another request waiting for
// the same fetch did not opt out.
func WithoutBlacklisting() RequestOption {
	return option.New(identRequestOptionNoBlacklist{}, true)
}

// WithMemoryOnly skips persisting the fetched content to disk. Applies
// only if every request waiting for the fetch asked for it.
func WithMemoryOnly() RequestOption {
	return option.New(identRequestOptionMemoryOnly{}, true)
}

// WithRefreshCached delivers a cached value first and revalidates it
// against the remote afterwards. If the remote content differs a second
// result with Refreshed set is delivered to the same callback.
func WithRefreshCached() RequestOption {
	return option.New(identRequestOptionRefresh{}, true)
}

// WithProgress reports download progress of the fetch serving the
// request on the delivery context
func WithProgress(fn ProgressFunc) RequestOption {
	return option.New(identRequestOptionProgress{}, fn)
}

func parseRequestOptions(opts []RequestOption) (o requestOpts) {
	for _, opt := range opts {
		switch opt.Ident() {
		case identRequestOptionRef{}:
			o.ref = opt.Value().(Liveness) //nolint:forcetypeassert // Set through WithRef only
		case identRequestOptionRetryFailed{}:
			o.retryFailed = opt.Value().(bool) //nolint:forcetypeassert
		case identRequestOptionNoBlacklist{}:
			o.noBlacklist = opt.Value().(bool) //nolint:forcetypeassert
		case identRequestOptionMemoryOnly{}:
			o.memoryOnly = opt.Value().(bool) //nolint:forcetypeassert
		case identRequestOptionRefresh{}:
			o.refresh = opt.Value().(bool) //nolint:forcetypeassert
		case identRequestOptionProgress{}:
			o.progress = opt.Value().(ProgressFunc) //nolint:forcetypeassert
		}
	}

	return o
}
