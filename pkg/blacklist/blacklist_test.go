package blacklist

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luzifer/imgcache/pkg/cachekey"
)

func TestMarkAndClear(t *testing.T) {
	var (
		s   = New()
		key = cachekey.Key("abc")
		now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	)
	s.now = func() time.Time { return now }

	assert.False(t, s.IsBlacklisted(key))

	s.MarkFailed(key, "https://example.com/a.png", errors.New("boom"))
	assert.True(t, s.IsBlacklisted(key))
	assert.Equal(t, 1, s.Len())

	e, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/a.png", e.URL)
	assert.EqualError(t, e.Reason, "boom")
	assert.Equal(t, now, e.FailedAt)
	assert.Equal(t, 1, e.Failures)

	assert.True(t, s.Clear(key))
	assert.False(t, s.Clear(key))
	assert.False(t, s.IsBlacklisted(key))
	assert.Equal(t, 0, s.Len())
}

func TestRepeatedFailuresAreCounted(t *testing.T) {
	s := New()
	key := cachekey.Key("k")

	s.MarkFailed(key, "u", errors.New("first"))
	e := s.MarkFailed(key, "u", errors.New("second"))

	assert.Equal(t, 2, e.Failures)
	assert.EqualError(t, e.Reason, "second")
	assert.Equal(t, 1, s.Len())
}

func TestConcurrentAccess(t *testing.T) {
	var (
		s  = New()
		wg sync.WaitGroup
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := cachekey.Key(string(rune('a' + i%5)))
			s.MarkFailed(key, "u", errors.New("x"))
			s.IsBlacklisted(key)
			if i%2 == 0 {
				s.Clear(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 5)
}
