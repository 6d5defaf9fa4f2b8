// Package blacklist keeps track of cache keys whose last fetch failed so
// repeated requests can be answered without contacting the remote
package blacklist

import (
	"sync"
	"time"

	"github.com/Luzifer/imgcache/pkg/cachekey"
)

type (
	// Entry describes why and when a key was blacklisted
	Entry struct {
		Key      cachekey.Key
		URL      string
		Reason   error
		FailedAt time.Time
		Failures int
	}

	// Store is a concurrency safe set of blacklisted keys. Entries never
	// expire on their own, they are removed through Clear only.
	Store struct {
		entries map[cachekey.Key]Entry
		lock    sync.RWMutex
		now     func() time.Time
	}
)

// New creates an empty Store
func New() *Store {
	return &Store{
		entries: make(map[cachekey.Key]Entry),
		now:     time.Now,
	}
}

// IsBlacklisted reports whether the key is blacklisted
func (s *Store) IsBlacklisted(key cachekey.Key) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, ok := s.entries[key]
	return ok
}

// Get returns the entry for the key
func (s *Store) Get(key cachekey.Key) (Entry, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	e, ok := s.entries[key]
	return e, ok
}

// MarkFailed adds the key to the blacklist or updates the reason and
// failure count of an existing entry
func (s *Store) MarkFailed(key cachekey.Key, url string, reason error) Entry {
	s.lock.Lock()
	defer s.lock.Unlock()

	e := s.entries[key]
	e.Key = key
	e.URL = url
	e.Reason = reason
	e.FailedAt = s.now()
	e.Failures++

	s.entries[key] = e
	return e
}

// Clear removes the key and reports whether it was blacklisted
func (s *Store) Clear(key cachekey.Key) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// Len returns the number of blacklisted keys
func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return len(s.entries)
}
