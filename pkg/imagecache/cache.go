// Package imagecache implements a URL keyed object cache: cached objects
// are served from memory or disk, missing ones are fetched exactly once
// no matter how many requests are waiting for them, failed URLs are
// blacklisted and results are delivered to callbacks on a serial
// delivery context.
package imagecache

import (
	"context"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/imgcache/pkg/blacklist"
	"github.com/Luzifer/imgcache/pkg/cachekey"
	"github.com/Luzifer/imgcache/pkg/decode"
	"github.com/Luzifer/imgcache/pkg/metrics"
	"github.com/Luzifer/imgcache/pkg/scheduler"
	"github.com/Luzifer/imgcache/pkg/storage"
	"github.com/Luzifer/imgcache/pkg/tiered"
	"github.com/Luzifer/imgcache/pkg/transport"
)

type (
	// Priority orders fetches waiting for a free executor
	Priority = scheduler.Priority

	// Tier tells where a result came from
	Tier = tiered.Tier

	// Response is what a Transport returns for a successful fetch
	Response = transport.Response

	// ProgressFunc reports fetch progress, expected is -1 if unknown
	ProgressFunc = transport.ProgressFunc

	// Transport fetches remote objects. It is invoked by at most one
	// executor per URL at a time and must honor ctx cancellation.
	Transport interface {
		Fetch(ctx context.Context, url string, progress transport.ProgressFunc) (*Response, error)
	}

	// Decoder turns fetched bytes into an image
	Decoder interface {
		Decode(data []byte) (image.Image, string, error)
	}

	// Encoder turns an injected image into bytes and a content-type
	Encoder interface {
		Encode(img image.Image) ([]byte, string, error)
	}

	// Config configures a Cache. Zero values are replaced by defaults.
	Config struct {
		// MemoryCapacity is the number of entries kept in memory
		MemoryCapacity uint64
		// Concurrency is the number of parallel fetches
		Concurrency int
		// Storage is the disk tier, nil keeps everything in memory
		Storage storage.Storage

		Transport  Transport
		Decoder    Decoder
		Encoder    Encoder
		Logger     logrus.FieldLogger
		Dispatcher Dispatcher
	}

	// Cache is the facade tying together the tiered store, the blacklist
	// and the download scheduler
	Cache struct {
		store     *tiered.Store
		blacklist *blacklist.Store
		sched     *scheduler.Scheduler[*Response]

		transport  Transport
		decoder    Decoder
		encoder    Encoder
		logger     logrus.FieldLogger
		dispatcher Dispatcher
		queue      *serialQueue

		ctx    context.Context
		cancel context.CancelFunc

		requests    chan *waiter
		cancels     chan *waiter
		lookups     chan lookupEvent
		completions chan completionEvent
		decodes     chan decodeEvent
		progress    chan progressEvent

		// owned by the coordinator
		inflight map[cachekey.Key]*inflight
		hits     map[cachekey.Key]*hitDecode

		quit      chan struct{}
		runDone   chan struct{}
		closeOnce sync.Once
	}
)

// Priorities available for requests
const (
	PriorityVeryLow  = scheduler.PriorityVeryLow
	PriorityLow      = scheduler.PriorityLow
	PriorityNormal   = scheduler.PriorityNormal
	PriorityHigh     = scheduler.PriorityHigh
	PriorityVeryHigh = scheduler.PriorityVeryHigh
)

// Tiers reported in results
const (
	TierNone   = tiered.TierNone
	TierDisk   = tiered.TierDisk
	TierMemory = tiered.TierMemory
)

// New creates a Cache and starts its coordinator
func New(cfg Config) (*Cache, error) {
	if cfg.Concurrency < 0 {
		return nil, errors.Errorf("invalid concurrency %d", cfg.Concurrency)
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.New(transport.WithLogger(cfg.Logger))
	}
	if cfg.Decoder == nil {
		cfg.Decoder = decode.Image{}
	}
	if cfg.Encoder == nil {
		cfg.Encoder = decode.Image{}
	}

	storeOpts := []tiered.Option{tiered.WithLogger(cfg.Logger)}
	if cfg.MemoryCapacity > 0 {
		storeOpts = append(storeOpts, tiered.WithMemoryCapacity(cfg.MemoryCapacity))
	}

	c := &Cache{
		store:     tiered.New(cfg.Storage, storeOpts...),
		blacklist: blacklist.New(),

		transport:  cfg.Transport,
		decoder:    cfg.Decoder,
		encoder:    cfg.Encoder,
		logger:     cfg.Logger,
		dispatcher: cfg.Dispatcher,

		requests:    make(chan *waiter),
		cancels:     make(chan *waiter),
		lookups:     make(chan lookupEvent),
		completions: make(chan completionEvent),
		decodes:     make(chan decodeEvent),
		progress:    make(chan progressEvent),

		inflight: make(map[cachekey.Key]*inflight),
		hits:     make(map[cachekey.Key]*hitDecode),

		quit:    make(chan struct{}),
		runDone: make(chan struct{}),
	}

	if c.dispatcher == nil {
		c.queue = newSerialQueue()
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.sched = scheduler.New(
		cfg.Concurrency,
		scheduler.WithCompletion[*Response](c.onComplete),
		scheduler.WithLogger[*Response](cfg.Logger),
	)

	go c.run()

	return c, nil
}

// Close fails all outstanding requests with ErrClosed, stops running
// fetches and waits for pending disk writes. Storage backends are not
// closed.
func (c *Cache) Close() (err error) {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.runDone

		if serr := c.sched.Close(); serr != nil {
			err = errors.Wrap(serr, "closing scheduler")
		}

		c.cancel()

		// Write failures were already logged and reported to callers
		if serr := c.store.Close(); serr != nil && !errors.Is(serr, ErrPersistence) && err == nil {
			err = errors.Wrap(serr, "flushing disk tier")
		}

		if c.queue != nil {
			c.queue.Close()
		}
	})

	return err
}

// RequestImage retrieves the image behind url from cache or remote and
// delivers it to cb
func (c *Cache) RequestImage(url string, prio Priority, cb Callback[image.Image], opts ...RequestOption) *Request[image.Image] {
	return newRequest(c, url, kindImage, prio, cb, convertImage, opts)
}

// RequestData retrieves the raw bytes behind url from cache or remote
// and delivers them to cb
func (c *Cache) RequestData(url string, prio Priority, cb Callback[[]byte], opts ...RequestOption) *Request[[]byte] {
	return newRequest(c, url, kindData, prio, cb, convertData, opts)
}

// CacheImage encodes img and stores it for url. It blocks until the
// disk tier was written and reports success.
func (c *Cache) CacheImage(ctx context.Context, img image.Image, url string) bool {
	key, err := cachekey.FromURL(url)
	if err != nil {
		c.logger.WithError(err).WithField("url", url).Error("caching image")
		return false
	}

	data, contentType, err := c.encoder.Encode(img)
	if err != nil {
		c.logger.WithError(err).WithField("url", url).Error("encoding image")
		return false
	}

	return c.inject(ctx, key, url, data, contentType, img) == nil
}

// CacheData stores data for url. It blocks until the disk tier was
// written and reports success.
func (c *Cache) CacheData(ctx context.Context, data []byte, url string) bool {
	key, err := cachekey.FromURL(url)
	if err != nil {
		c.logger.WithError(err).WithField("url", url).Error("caching data")
		return false
	}

	return c.inject(ctx, key, url, data, "", nil) == nil
}

// Prefetch loads the disk entry for url into memory without contacting
// the remote. It returns false when the URL is not cached on disk.
func (c *Cache) Prefetch(ctx context.Context, url string) bool {
	key, err := cachekey.FromURL(url)
	if err != nil {
		return false
	}

	ok, err := c.store.PrefetchToMemory(ctx, key)
	if err != nil {
		c.logger.WithError(err).WithField("url", url).Warn("prefetching entry")
	}

	return ok
}

// RemoveEntry is RemoveEntryErr without error details
func (c *Cache) RemoveEntry(ctx context.Context, url string) bool {
	return c.RemoveEntryErr(ctx, url) == nil
}

// RemoveEntryErr removes url from both cache tiers and the blacklist.
// ErrNotFound is returned if the URL was neither cached nor blacklisted.
func (c *Cache) RemoveEntryErr(ctx context.Context, url string) error {
	key, err := cachekey.FromURL(url)
	if err != nil {
		return errors.Wrap(err, "building cache key")
	}

	wasBlacklisted := c.blacklist.Clear(key)
	metrics.ImgcacheBlacklistEntries.Set(float64(c.blacklist.Len()))

	err = c.store.Remove(ctx, key)
	if errors.Is(err, ErrNotFound) && wasBlacklisted {
		return nil
	}

	return errors.Wrap(err, "removing entry")
}

// IsBlacklisted reports whether the last fetch of url failed
func (c *Cache) IsBlacklisted(url string) bool {
	key, err := cachekey.FromURL(url)
	if err != nil {
		return false
	}

	return c.blacklist.IsBlacklisted(key)
}

func (c *Cache) inject(ctx context.Context, key cachekey.Key, url string, data []byte, contentType string, img image.Image) error {
	logger := c.logger.WithFields(logrus.Fields{"url": url, "key": key})

	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	result := c.store.Put(ctx, key, data, storage.Meta{
		ContentType:  contentType,
		LastModified: time.Now(),
	})

	if img != nil {
		c.store.AttachDecoded(key, tiered.Checksum(data), img)
	}

	select {
	case err := <-result:
		if err != nil {
			return err
		}

	case <-ctx.Done():
		logger.WithError(ctx.Err()).Warn("gave up waiting for disk write")
		return errors.Wrap(ctx.Err(), "waiting for disk write")
	}

	if c.blacklist.Clear(key) {
		metrics.ImgcacheBlacklistEntries.Set(float64(c.blacklist.Len()))
	}

	logger.Debug("injected entry")
	return nil
}

// post hands fn to the delivery context and reports false if the
// delivery context is gone
func (c *Cache) post(fn func()) bool {
	if c.queue != nil {
		return c.queue.Dispatch(fn)
	}

	c.dispatcher.Dispatch(fn)
	return true
}

func (c *Cache) cancelWaiter(w *waiter) {
	select {
	case c.cancels <- w:
	case <-c.quit:
	}
}

func newRequest[T any](c *Cache, url string, k kind, prio Priority, cb Callback[T], convert func(outcome) T, opts []RequestOption) *Request[T] {
	o := parseRequestOptions(opts)

	r := &Request[T]{
		id:      uuid.NewString(),
		url:     url,
		c:       c,
		cb:      cb,
		ref:     o.ref,
		convert: convert,
		done:    make(chan struct{}),
	}

	key, err := cachekey.FromURL(url)
	if err != nil {
		if !c.post(func() { r.deliver(outcome{err: err, final: true}) }) {
			r.abort(err)
		}
		return r
	}
	r.key = key

	w := &waiter{
		id:         r.id,
		url:        url,
		key:        key,
		kind:       k,
		priority:   prio,
		opts:       o,
		deliver:    r.deliver,
		isCanceled: r.isCanceled,
	}
	if o.progress != nil {
		w.progress = func(received, expected int64) { r.reportProgress(o.progress, received, expected) }
	}
	r.w = w

	select {
	case c.requests <- w:
	case <-c.quit:
		r.abort(ErrClosed)
	}

	return r
}
