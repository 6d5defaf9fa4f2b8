// Package tiered implements a two-level object store: a bounded in-memory
// LRU in front of a durable storage.Storage backend
package tiered

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Luzifer/imgcache/pkg/cachekey"
	"github.com/Luzifer/imgcache/pkg/metrics"
	"github.com/Luzifer/imgcache/pkg/storage"
)

// DefaultMemoryCapacity is the number of entries kept in memory when
// no capacity is configured
const DefaultMemoryCapacity = 64

// Tier identifies where an entry was found
type Tier int

const (
	// TierNone means the entry was not cached and had to be fetched
	TierNone Tier = iota
	// TierDisk means the entry was read from the disk tier
	TierDisk
	// TierMemory means the entry was read from the memory tier
	TierMemory
)

func (t Tier) String() string {
	switch t {
	case TierDisk:
		return "disk"
	case TierMemory:
		return "memory"
	default:
		return "none"
	}
}

type (
	// Entry is a copy of a cached object handed out to callers
	Entry struct {
		Data    []byte
		Meta    storage.Meta
		Decoded any
		Tier    Tier
	}

	// Store is the two-tier store. The memory tier is bounded by entry
	// count and evicts the least recently used entry first, the disk
	// tier is unbounded.
	Store struct {
		memory  *ttlcache.Cache[cachekey.Key, *memEntry]
		memLock sync.Mutex
		// removals counts Remove calls, guarded by memLock
		removals uint64

		disk   storage.Storage
		logger logrus.FieldLogger

		capacity uint64
		now      func() time.Time

		pending     map[cachekey.Key]chan struct{}
		pendingLock sync.Mutex
		writers     errgroup.Group

		unsubscribe func()
	}

	// Option configures a Store
	Option func(*Store)

	// PutOption configures a single Put
	PutOption func(*putOpts)

	memEntry struct {
		data    []byte
		meta    storage.Meta
		decoded any
	}

	putOpts struct {
		memoryOnly bool
	}
)

// WithMemoryCapacity sets the number of entries kept in the memory tier
func WithMemoryCapacity(n uint64) Option {
	return func(s *Store) { s.capacity = n }
}

// WithLogger sets the logger used to report disk tier problems
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.logger = l }
}

// MemoryOnly skips the disk tier for this Put
func MemoryOnly() PutOption {
	return func(o *putOpts) { o.memoryOnly = true }
}

// New creates a Store in front of the given disk backend. A nil disk
// backend yields a memory-only store.
func New(disk storage.Storage, opts ...Option) *Store {
	s := &Store{
		disk:     disk,
		logger:   logrus.StandardLogger(),
		capacity: DefaultMemoryCapacity,
		now:      time.Now,
		pending:  make(map[cachekey.Key]chan struct{}),
	}

	for _, o := range opts {
		o(s)
	}

	s.memory = ttlcache.New[cachekey.Key, *memEntry](
		ttlcache.WithCapacity[cachekey.Key, *memEntry](s.capacity),
	)

	s.unsubscribe = s.memory.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[cachekey.Key, *memEntry]) {
		if reason != ttlcache.EvictionReasonCapacityReached {
			return
		}
		metrics.ImgcacheMemoryEvictionsTotal.Inc()
		s.logger.WithField("key", item.Key()).Debug("evicted entry from memory tier")
	})

	return s
}

// Close waits for all pending disk writes and returns the first error
// any of them produced
func (s *Store) Close() error {
	err := s.writers.Wait()
	s.unsubscribe()
	return err
}

// Get looks up the key in memory first and on disk second. Entries found
// on disk are promoted into memory. Disk read errors are logged and
// treated as a miss.
func (s *Store) Get(ctx context.Context, key cachekey.Key) (Entry, error) {
	if e, ok := s.GetMemory(key); ok {
		return e, nil
	}

	s.memLock.Lock()
	removals := s.removals
	s.memLock.Unlock()

	e, err := s.readDisk(ctx, key)
	if err != nil {
		return Entry{}, err
	}

	s.memLock.Lock()
	// A concurrent Put may have stored newer content meanwhile and a
	// concurrent Remove must not see the entry come back
	if s.removals == removals && !s.memory.Has(key) {
		s.memory.Set(key, &memEntry{data: e.Data, meta: e.Meta}, ttlcache.DefaultTTL)
	}
	s.memLock.Unlock()

	return e.clone(), nil
}

// GetMemory looks up the key in the memory tier only
func (s *Store) GetMemory(key cachekey.Key) (Entry, bool) {
	item := s.memory.Get(key)
	if item == nil {
		return Entry{}, false
	}

	me := item.Value()
	return Entry{
		Data:    bytes.Clone(me.data),
		Meta:    me.meta,
		Decoded: me.decoded,
		Tier:    TierMemory,
	}, true
}

// Put stores the data in memory and persists it to disk in the
// background. The returned channel receives the result of the disk
// write (nil when skipped) and is closed afterwards. A failed disk
// write does not remove the memory copy.
func (s *Store) Put(ctx context.Context, key cachekey.Key, data []byte, meta storage.Meta, opts ...PutOption) <-chan error {
	var o putOpts
	for _, opt := range opts {
		opt(&o)
	}

	data = bytes.Clone(data)
	meta.Size = int64(len(data))
	meta.Checksum = Checksum(data)
	meta.LastCached = s.now()

	s.memLock.Lock()
	s.memory.Set(key, &memEntry{data: data, meta: meta}, ttlcache.DefaultTTL)
	s.memLock.Unlock()

	result := make(chan error, 1)
	if s.disk == nil || o.memoryOnly {
		result <- nil
		close(result)
		return result
	}

	s.pendingLock.Lock()
	prev := s.pending[key]
	done := make(chan struct{})
	s.pending[key] = done
	s.pendingLock.Unlock()

	ctx = context.WithoutCancel(ctx)
	s.writers.Go(func() error {
		defer func() {
			s.pendingLock.Lock()
			if s.pending[key] == done {
				delete(s.pending, key)
			}
			s.pendingLock.Unlock()
			close(done)
			close(result)
		}()

		if prev != nil {
			// Writes of the same key must not overtake each other
			<-prev
		}

		err := s.disk.StoreFile(ctx, key.Path(), &meta, bytes.NewReader(data))
		if err != nil {
			err = newPersistenceError("write to disk tier", err)
			metrics.ImgcacheDiskErrorsTotal.WithLabelValues("write").Inc()
			s.logger.WithError(err).WithField("key", key).Error("persisting entry failed, keeping memory copy")
		}

		result <- err
		return err
	})

	return result
}

// Remove deletes the key from both tiers. ErrNotFound is returned if
// neither tier held the key, disk failures are returned wrapped into
// ErrPersistence.
func (s *Store) Remove(ctx context.Context, key cachekey.Key) error {
	s.waitPending(key)

	s.memLock.Lock()
	inMemory := s.memory.Has(key)
	s.memory.Delete(key)
	s.removals++
	s.memLock.Unlock()

	if s.disk == nil {
		if !inMemory {
			return ErrNotFound
		}
		return nil
	}

	err := s.disk.DeleteFile(ctx, key.Path())
	switch {
	case err == nil:
		return nil

	case errors.Is(err, os.ErrNotExist):
		if inMemory {
			return nil
		}
		return ErrNotFound

	default:
		metrics.ImgcacheDiskErrorsTotal.WithLabelValues("delete").Inc()
		return newPersistenceError("remove from disk tier", err)
	}
}

// PrefetchToMemory promotes a disk entry into memory without fetching
// it from remote. It returns false when the disk tier has no entry.
func (s *Store) PrefetchToMemory(ctx context.Context, key cachekey.Key) (bool, error) {
	if s.memory.Get(key) != nil {
		return true, nil
	}

	_, err := s.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrMiss):
		return false, nil
	default:
		return false, err
	}
}

// AttachDecoded stores the decoded form of an entry alongside its bytes
// in memory. It is a no-op when the memory entry is gone or its content
// changed since the decoded form was created.
func (s *Store) AttachDecoded(key cachekey.Key, checksum string, decoded any) {
	s.memLock.Lock()
	defer s.memLock.Unlock()

	// The entry was just served, refreshing its recency is intended
	item := s.memory.Get(key)
	if item == nil || item.Value().meta.Checksum != checksum {
		return
	}

	me := item.Value()
	s.memory.Set(key, &memEntry{data: me.data, meta: me.meta, decoded: decoded}, ttlcache.DefaultTTL)
}

// MemoryLen returns the number of entries in the memory tier
func (s *Store) MemoryLen() int { return s.memory.Len() }

func (s *Store) readDisk(ctx context.Context, key cachekey.Key) (Entry, error) {
	if s.disk == nil {
		return Entry{}, ErrMiss
	}

	logger := s.logger.WithField("key", key)

	f, err := s.disk.GetFile(ctx, key.Path())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			metrics.ImgcacheDiskErrorsTotal.WithLabelValues("read").Inc()
			logger.WithError(err).Warn("reading disk tier failed, treating as miss")
		}
		return Entry{}, ErrMiss
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.WithError(err).Error("closing cache file (leaked fd)")
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		metrics.ImgcacheDiskErrorsTotal.WithLabelValues("read").Inc()
		logger.WithError(err).Warn("reading disk tier failed, treating as miss")
		return Entry{}, ErrMiss
	}

	meta, err := s.disk.LoadMeta(ctx, key.Path())
	if err != nil {
		// Content without metadata is still usable
		logger.WithError(err).Debug("loading entry metadata failed")
		meta = &storage.Meta{Size: int64(len(data))}
	}
	if meta.Checksum == "" {
		meta.Checksum = Checksum(data)
	}

	return Entry{Data: data, Meta: *meta, Tier: TierDisk}, nil
}

func (s *Store) waitPending(key cachekey.Key) {
	s.pendingLock.Lock()
	done := s.pending[key]
	s.pendingLock.Unlock()

	if done != nil {
		<-done
	}
}

func (e Entry) clone() Entry {
	e.Data = bytes.Clone(e.Data)
	return e
}

// Checksum returns the hex encoded SHA256 of the data
func Checksum(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
