package imagecache

import (
	"context"
	"image"
	"slices"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/imgcache/pkg/cachekey"
	"github.com/Luzifer/imgcache/pkg/metrics"
	"github.com/Luzifer/imgcache/pkg/scheduler"
	"github.com/Luzifer/imgcache/pkg/storage"
	"github.com/Luzifer/imgcache/pkg/tiered"
)

type (
	phase int

	// inflight collects all waiters for a key which missed the memory
	// tier until their result is known
	inflight struct {
		key     cachekey.Key
		url     string
		phase   phase
		waiters []*waiter
		jobID   uint64

		// content being decoded, either read from disk or fetched
		data      []byte
		meta      storage.Meta
		fromCache bool
		tier      Tier
	}

	// hitDecode collects image waiters for a memory entry which has no
	// decoded form yet
	hitDecode struct {
		key     cachekey.Key
		entry   tiered.Entry
		waiters []*waiter
	}

	lookupEvent struct {
		p     *inflight
		entry tiered.Entry
		err   error
	}

	completionEvent struct {
		key   cachekey.Key
		jobID uint64
		resp  *Response
		err   error
	}

	decodeEvent struct {
		p   *inflight
		h   *hitDecode
		img image.Image
		err error
	}

	progressEvent struct {
		p        *inflight
		received int64
		expected int64
	}
)

const (
	phaseLookup phase = iota
	phaseFetch
	phaseDecode
)

// run is the coordinator: it owns the in-flight tables and is the only
// goroutine making decisions about blacklist and memory tier state for
// requests
func (c *Cache) run() {
	defer close(c.runDone)

	for {
		select {
		case w := <-c.requests:
			c.handleRequest(w)

		case w := <-c.cancels:
			c.handleCancel(w)

		case ev := <-c.lookups:
			c.handleLookup(ev)

		case ev := <-c.completions:
			c.handleCompletion(ev)

		case ev := <-c.decodes:
			c.handleDecode(ev)

		case ev := <-c.progress:
			c.handleProgress(ev)

		case <-c.quit:
			c.shutdown()
			return
		}

		metrics.ImgcacheInflightRequests.Set(float64(len(c.inflight)))
	}
}

func (c *Cache) handleRequest(w *waiter) {
	if w.isCanceled() {
		return
	}

	c.waiterLogger(w).Debug("received request")

	if e, ok := c.store.GetMemory(w.key); ok {
		metrics.ImgcacheLookupsTotal.WithLabelValues(TierMemory.String()).Inc()
		c.serveHit(w, e)
		return
	}

	if p := c.inflight[w.key]; p != nil {
		c.join(p, w)
		return
	}

	p := &inflight{
		key:     w.key,
		url:     w.url,
		phase:   phaseLookup,
		waiters: []*waiter{w},
	}
	c.inflight[w.key] = p

	go c.lookup(p)
}

func (c *Cache) handleCancel(w *waiter) {
	if h := w.hit; h != nil {
		h.waiters = slices.DeleteFunc(h.waiters, func(o *waiter) bool { return o == w })
		w.hit = nil
		return
	}

	p := c.inflight[w.key]
	if p == nil || !slices.Contains(p.waiters, w) {
		// Already delivered
		return
	}

	p.waiters = slices.DeleteFunc(p.waiters, func(o *waiter) bool { return o == w })
	if w.handle != nil {
		w.handle.Cancel()
	}

	if len(p.waiters) == 0 {
		delete(c.inflight, p.key)
		if p.phase == phaseFetch {
			metrics.ImgcacheFetchesTotal.WithLabelValues(string(metrics.FetchCanceled)).Inc()
		}
		c.waiterLogger(w).Debug("last waiter cancelled, dropping request")
	}
}

func (c *Cache) handleLookup(ev lookupEvent) {
	p := ev.p
	if c.inflight[p.key] != p {
		return
	}

	if ev.err != nil {
		metrics.ImgcacheLookupsTotal.WithLabelValues(TierNone.String()).Inc()
		c.startFetch(p)
		return
	}

	metrics.ImgcacheLookupsTotal.WithLabelValues(ev.entry.Tier.String()).Inc()

	p.data = ev.entry.Data
	p.meta = ev.entry.Meta
	p.fromCache = true
	p.tier = ev.entry.Tier

	img, ok := ev.entry.Decoded.(image.Image)
	if ok || !hasImageWaiters(p.waiters) {
		c.completeCached(p, img, nil)
		return
	}

	p.phase = phaseDecode
	go c.decode(p, nil, p.data)
}

func (c *Cache) handleCompletion(ev completionEvent) {
	p := c.inflight[ev.key]
	if p == nil || p.phase != phaseFetch || p.jobID != ev.jobID {
		// Result of a job nobody is waiting for anymore
		return
	}

	if errors.Is(ev.err, scheduler.ErrCanceled) || errors.Is(ev.err, scheduler.ErrClosed) {
		return
	}

	for _, w := range p.waiters {
		if w.handle != nil && w.handle.JobID() != ev.jobID {
			// Joined while the completion was being sent and got a job of
			// its own
			w.handle.Cancel()
		}
		w.handle = nil
	}

	if ev.err != nil {
		metrics.ImgcacheFetchesTotal.WithLabelValues(string(metrics.FetchFailed)).Inc()
		c.failFetch(p, wrapKind(ErrTransport, ev.err))
		return
	}

	p.data = ev.resp.Data
	p.meta = storage.Meta{
		ContentType:  ev.resp.ContentType,
		LastModified: ev.resp.LastModified,
	}
	p.tier = TierNone

	if !hasImageWaiters(p.waiters) {
		c.completeFetch(p, nil)
		return
	}

	p.phase = phaseDecode
	go c.decode(p, nil, p.data)
}

func (c *Cache) handleDecode(ev decodeEvent) {
	if ev.h != nil {
		c.completeHitDecode(ev.h, ev.img, ev.err)
		return
	}

	p := ev.p
	if c.inflight[p.key] != p || p.phase != phaseDecode {
		return
	}

	switch {
	case p.fromCache:
		c.completeCached(p, ev.img, ev.err)

	case ev.err != nil:
		metrics.ImgcacheFetchesTotal.WithLabelValues(string(metrics.FetchDecodeFailed)).Inc()
		c.failDecode(p, ev.err)

	default:
		c.completeFetch(p, ev.img)
	}
}

func (c *Cache) handleProgress(ev progressEvent) {
	p := ev.p
	if c.inflight[p.key] != p {
		return
	}

	for _, w := range p.waiters {
		if w.progress == nil {
			continue
		}

		fn := w.progress
		c.post(func() { fn(ev.received, ev.expected) })
	}
}

// serveHit answers a request from a memory entry
func (c *Cache) serveHit(w *waiter, e tiered.Entry) {
	if w.kind == kindData {
		c.deliverHit(w, e, nil)
		return
	}

	if img, ok := e.Decoded.(image.Image); ok {
		c.deliverHit(w, e, img)
		return
	}

	h := c.hits[w.key]
	if h == nil || h.entry.Meta.Checksum != e.Meta.Checksum {
		h = &hitDecode{key: w.key, entry: e}
		c.hits[w.key] = h
		go c.decode(nil, h, e.Data)
	}

	h.waiters = append(h.waiters, w)
	w.hit = h
}

func (c *Cache) deliverHit(w *waiter, e tiered.Entry, img image.Image) {
	c.deliver(w, outcome{
		data:      e.Data,
		img:       img,
		fromCache: true,
		tier:      e.Tier,
		final:     !w.opts.refresh,
	})

	if w.opts.refresh {
		c.startRefresh(w, e.Meta.Checksum)
	}
}

func (c *Cache) completeHitDecode(h *hitDecode, img image.Image, err error) {
	if c.hits[h.key] == h {
		delete(c.hits, h.key)
	}

	if err == nil {
		c.store.AttachDecoded(h.key, h.entry.Meta.Checksum, img)
	} else {
		c.logger.WithError(err).WithField("key", h.key).Warn("decoding cached entry failed")
	}

	for _, w := range h.waiters {
		w.hit = nil

		if err != nil {
			c.deliver(w, outcome{err: err, fromCache: true, tier: h.entry.Tier, final: true})
			continue
		}

		c.deliverHit(w, h.entry, img)
	}
}

// startRefresh keeps a waiter whose cached value was delivered around
// until the remote was asked for a newer version
func (c *Cache) startRefresh(w *waiter, checksum string) {
	w.refreshChecksum = checksum

	if p := c.inflight[w.key]; p != nil {
		c.join(p, w)
		return
	}

	p := &inflight{
		key:     w.key,
		url:     w.url,
		waiters: []*waiter{w},
	}
	c.inflight[w.key] = p
	c.startFetch(p)
}

func (c *Cache) join(p *inflight, w *waiter) {
	if p.phase == phaseFetch {
		if c.rejectBlacklisted(w) {
			return
		}
		p.waiters = append(p.waiters, w)
		if !c.fetchFinished(p) {
			c.submit(p, w)
		}
		return
	}

	p.waiters = append(p.waiters, w)
}

// fetchFinished reports whether the job of p is done and only its
// completion event is outstanding. Waiters joining then share that
// result instead of starting another fetch.
func (c *Cache) fetchFinished(p *inflight) bool {
	for _, o := range p.waiters {
		if o.handle == nil || o.handle.JobID() != p.jobID {
			continue
		}

		select {
		case <-o.handle.Done():
			return true
		default:
			return false
		}
	}

	return false
}

// startFetch submits every waiter of p which may fetch to the scheduler
// and fails the others
func (c *Cache) startFetch(p *inflight) {
	candidates := p.waiters

	p.phase = phaseFetch
	p.waiters = nil
	p.jobID = 0
	p.data = nil
	p.meta = storage.Meta{}
	p.fromCache = false
	p.tier = TierNone

	for _, w := range candidates {
		if c.rejectBlacklisted(w) {
			continue
		}
		p.waiters = append(p.waiters, w)
		c.submit(p, w)
	}

	if len(p.waiters) == 0 {
		delete(c.inflight, p.key)
	}
}

func (c *Cache) submit(p *inflight, w *waiter) {
	w.handle = c.sched.Submit(string(p.key), w.priority, c.fetchTask(p))
	if p.jobID == 0 {
		p.jobID = w.handle.JobID()
	}
}

func (c *Cache) rejectBlacklisted(w *waiter) bool {
	if w.opts.retryFailed || !c.blacklist.IsBlacklisted(w.key) {
		return false
	}

	metrics.ImgcacheBlacklistHitsTotal.Inc()

	if w.refreshChecksum != "" {
		c.deliver(w, outcome{final: true, silent: true})
		return true
	}

	c.waiterLogger(w).Debug("rejecting blacklisted url")
	c.deliver(w, outcome{err: ErrBlacklisted, final: true})
	return true
}

// completeCached delivers content found in the store to all waiters of
// p and turns p into a fetch if some of them want a refresh
func (c *Cache) completeCached(p *inflight, img image.Image, decodeErr error) {
	if img != nil {
		c.store.AttachDecoded(p.key, p.meta.Checksum, img)
	}

	var refresh []*waiter
	for _, w := range p.waiters {
		if w.refreshChecksum != "" {
			// Got its cached value before joining
			refresh = append(refresh, w)
			continue
		}

		o := outcome{
			data:      p.data,
			img:       img,
			fromCache: true,
			tier:      p.tier,
			final:     !w.opts.refresh,
		}
		if w.kind == kindImage && decodeErr != nil {
			o.err = decodeErr
			o.final = true
		}

		c.deliver(w, o)

		if !o.final {
			w.refreshChecksum = p.meta.Checksum
			refresh = append(refresh, w)
		}
	}

	if len(refresh) == 0 {
		delete(c.inflight, p.key)
		return
	}

	p.waiters = refresh
	c.startFetch(p)
}

// completeFetch stores successfully fetched content and delivers it
func (c *Cache) completeFetch(p *inflight, img image.Image) {
	delete(c.inflight, p.key)
	metrics.ImgcacheFetchesTotal.WithLabelValues(string(metrics.FetchSucceeded)).Inc()

	var opts []tiered.PutOption
	if allWaiters(p.waiters, func(w *waiter) bool { return w.opts.memoryOnly }) {
		opts = append(opts, tiered.MemoryOnly())
	}

	c.store.Put(context.Background(), p.key, p.data, p.meta, opts...)

	checksum := tiered.Checksum(p.data)
	if img != nil {
		c.store.AttachDecoded(p.key, checksum, img)
	}

	if c.blacklist.Clear(p.key) {
		metrics.ImgcacheBlacklistEntries.Set(float64(c.blacklist.Len()))
	}

	c.logger.WithFields(logrus.Fields{
		"key":     p.key,
		"url":     p.url,
		"waiters": len(p.waiters),
	}).Debug("fetched entry")

	for _, w := range p.waiters {
		c.deliverFetched(w, p.data, img, nil, checksum)
	}
}

func (c *Cache) failFetch(p *inflight, err error) {
	delete(c.inflight, p.key)
	c.markFailed(p, err)

	for _, w := range p.waiters {
		if w.refreshChecksum != "" {
			// The cached value stays the answer
			c.deliver(w, outcome{final: true, silent: true})
			continue
		}
		c.deliver(w, outcome{err: err, final: true})
	}
}

// failDecode handles fetched content which is not an image: nothing is
// stored, data waiters still get the bytes
func (c *Cache) failDecode(p *inflight, err error) {
	delete(c.inflight, p.key)
	c.markFailed(p, err)

	checksum := tiered.Checksum(p.data)
	for _, w := range p.waiters {
		c.deliverFetched(w, p.data, nil, err, checksum)
	}
}

func (c *Cache) deliverFetched(w *waiter, data []byte, img image.Image, decodeErr error, checksum string) {
	if w.refreshChecksum != "" && (w.refreshChecksum == checksum || (w.kind == kindImage && decodeErr != nil)) {
		c.deliver(w, outcome{final: true, silent: true})
		return
	}

	o := outcome{
		data:      data,
		img:       img,
		tier:      TierNone,
		refreshed: w.refreshChecksum != "",
		final:     true,
	}
	if w.kind == kindImage && decodeErr != nil {
		o.err = decodeErr
	}

	c.deliver(w, o)
}

func (c *Cache) markFailed(p *inflight, err error) {
	logger := c.logger.WithError(err).WithFields(logrus.Fields{"key": p.key, "url": p.url})

	if allWaiters(p.waiters, func(w *waiter) bool { return w.opts.noBlacklist }) {
		logger.Warn("fetching entry failed")
		return
	}

	entry := c.blacklist.MarkFailed(p.key, p.url, err)
	metrics.ImgcacheBlacklistEntries.Set(float64(c.blacklist.Len()))
	logger.WithField("failures", entry.Failures).Warn("fetching entry failed, blacklisting url")
}

// shutdown fails everything still waiting
func (c *Cache) shutdown() {
	for key, p := range c.inflight {
		for _, w := range p.waiters {
			c.deliver(w, outcome{err: ErrClosed, final: true})
		}
		delete(c.inflight, key)
	}

	for key, h := range c.hits {
		for _, w := range h.waiters {
			c.deliver(w, outcome{err: ErrClosed, final: true})
		}
		delete(c.hits, key)
	}

	metrics.ImgcacheInflightRequests.Set(0)
}

func (c *Cache) deliver(w *waiter, o outcome) {
	c.post(func() { w.deliver(o) })
}

func (c *Cache) fetchTask(p *inflight) scheduler.Task[*Response] {
	url := p.url

	return func(ctx context.Context) (*Response, error) {
		return c.transport.Fetch(ctx, url, func(received, expected int64) { //nolint:wrapcheck // Wrapped into ErrTransport by the coordinator
			select {
			case c.progress <- progressEvent{p: p, received: received, expected: expected}:
			case <-ctx.Done():
			case <-c.quit:
			}
		})
	}
}

func (c *Cache) onComplete(key string, jobID uint64, resp *Response, err error) {
	// Runs on executor or cancelling goroutines which must not wait for
	// the coordinator
	go func() {
		select {
		case c.completions <- completionEvent{key: cachekey.Key(key), jobID: jobID, resp: resp, err: err}:
		case <-c.quit:
		}
	}()
}

func (c *Cache) lookup(p *inflight) {
	e, err := c.store.Get(c.ctx, p.key)

	select {
	case c.lookups <- lookupEvent{p: p, entry: e, err: err}:
	case <-c.quit:
	}
}

func (c *Cache) decode(p *inflight, h *hitDecode, data []byte) {
	img, _, err := c.decoder.Decode(data)
	if err != nil {
		err = wrapKind(ErrDecode, err)
	}

	select {
	case c.decodes <- decodeEvent{p: p, h: h, img: img, err: err}:
	case <-c.quit:
	}
}

func (c *Cache) waiterLogger(w *waiter) *logrus.Entry {
	return c.logger.WithFields(logrus.Fields{
		"key":     w.key,
		"request": w.id,
		"url":     w.url,
	})
}

func allWaiters(waiters []*waiter, fn func(*waiter) bool) bool {
	for _, w := range waiters {
		if !fn(w) {
			return false
		}
	}
	return len(waiters) > 0
}

func hasImageWaiters(waiters []*waiter) bool {
	return slices.ContainsFunc(waiters, func(w *waiter) bool { return w.kind == kindImage })
}
