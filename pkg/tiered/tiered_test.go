package tiered

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luzifer/imgcache/pkg/cachekey"
	"github.com/Luzifer/imgcache/pkg/storage"
	"github.com/Luzifer/imgcache/pkg/storage/local"
)

var errBrokenDisk = errors.New("disk on fire")

type brokenStorage struct{}

func (brokenStorage) GetFile(context.Context, string) (io.ReadSeekCloser, error) {
	return nil, errBrokenDisk
}

func (brokenStorage) LoadMeta(context.Context, string) (*storage.Meta, error) {
	return nil, errBrokenDisk
}

func (brokenStorage) StoreFile(context.Context, string, *storage.Meta, io.Reader) error {
	return errBrokenDisk
}

func (brokenStorage) DeleteFile(context.Context, string) error { return errBrokenDisk }

// gatedStorage holds GetFile after the content was read until the gate
// is released
type gatedStorage struct {
	storage.Storage

	read chan struct{}
	gate chan struct{}
}

type readerCloser struct{ *bytes.Reader }

func (readerCloser) Close() error { return nil }

func newGatedStorage(dir string) *gatedStorage {
	return &gatedStorage{
		Storage: local.New(dir),
		read:    make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (g *gatedStorage) GetFile(ctx context.Context, cachePath string) (io.ReadSeekCloser, error) {
	f, err := g.Storage.GetFile(ctx, cachePath)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck // Read-only file

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	close(g.read)
	<-g.gate

	return readerCloser{bytes.NewReader(data)}, nil
}

// diskOnlyEntry writes data for key into dir through a separate store so
// the returned store only holds it on disk
func diskOnlyEntry(t *testing.T, dir string, key cachekey.Key, data string) {
	t.Helper()

	w := New(local.New(dir))
	require.NoError(t, <-w.Put(context.Background(), key, []byte(data), storage.Meta{}))
	require.NoError(t, w.Close())
}

func mustKey(t *testing.T, u string) cachekey.Key {
	t.Helper()

	k, err := cachekey.FromURL(u)
	require.NoError(t, err)
	return k
}

func newLocalStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()

	s := New(local.New(dir), opts...)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func TestPutGetMemory(t *testing.T) {
	var (
		ctx = context.Background()
		s   = newLocalStore(t, t.TempDir())
		key = mustKey(t, "https://example.com/a.png")
	)

	require.NoError(t, <-s.Put(ctx, key, []byte("image"), storage.Meta{ContentType: "image/png"}))

	e, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, TierMemory, e.Tier)
	assert.Equal(t, []byte("image"), e.Data)
	assert.Equal(t, "image/png", e.Meta.ContentType)
	assert.Equal(t, int64(5), e.Meta.Size)
	assert.Equal(t, Checksum([]byte("image")), e.Meta.Checksum)

	// Handed out data is a copy
	e.Data[0] = 'X'
	e2, ok := s.GetMemory(key)
	require.True(t, ok)
	assert.Equal(t, []byte("image"), e2.Data)
}

func TestMiss(t *testing.T) {
	s := newLocalStore(t, t.TempDir())

	_, err := s.Get(context.Background(), mustKey(t, "https://example.com/none.png"))
	assert.True(t, errors.Is(err, ErrMiss))
}

func TestEvictionKeepsDiskCopy(t *testing.T) {
	var (
		ctx = context.Background()
		s   = newLocalStore(t, t.TempDir(), WithMemoryCapacity(2))
		a   = mustKey(t, "https://example.com/a.png")
		b   = mustKey(t, "https://example.com/b.png")
		c   = mustKey(t, "https://example.com/c.png")
	)

	require.NoError(t, <-s.Put(ctx, a, []byte("a"), storage.Meta{}))
	require.NoError(t, <-s.Put(ctx, b, []byte("b"), storage.Meta{}))

	// Touch a so b becomes least recently used
	_, ok := s.GetMemory(a)
	require.True(t, ok)

	require.NoError(t, <-s.Put(ctx, c, []byte("c"), storage.Meta{}))

	_, ok = s.GetMemory(b)
	assert.False(t, ok, "b should have been evicted")
	_, ok = s.GetMemory(a)
	assert.True(t, ok)
	_, ok = s.GetMemory(c)
	assert.True(t, ok)

	e, err := s.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, TierDisk, e.Tier)
	assert.Equal(t, []byte("b"), e.Data)

	// Promoted back into memory
	_, ok = s.GetMemory(b)
	assert.True(t, ok)
	assert.Equal(t, 2, s.MemoryLen())
}

func TestDiskWriteFailureKeepsMemory(t *testing.T) {
	var (
		ctx = context.Background()
		s   = New(brokenStorage{})
		key = mustKey(t, "https://example.com/a.png")
	)

	err := <-s.Put(ctx, key, []byte("data"), storage.Meta{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.True(t, errors.Is(err, errBrokenDisk))

	e, ok := s.GetMemory(key)
	require.True(t, ok)
	assert.Equal(t, []byte("data"), e.Data)

	assert.Error(t, s.Close())
}

func TestDiskReadFailureIsMiss(t *testing.T) {
	s := New(brokenStorage{})

	_, err := s.Get(context.Background(), mustKey(t, "https://example.com/a.png"))
	assert.True(t, errors.Is(err, ErrMiss))
}

func TestRemove(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
		s   = newLocalStore(t, dir)
		key = mustKey(t, "https://example.com/a.png")
	)

	assert.True(t, errors.Is(s.Remove(ctx, key), ErrNotFound))

	s.Put(ctx, key, []byte("data"), storage.Meta{})
	// Remove waits for the pending disk write
	require.NoError(t, s.Remove(ctx, key))

	_, err := s.Get(ctx, key)
	assert.True(t, errors.Is(err, ErrMiss))

	_, err = os.Stat(dir + "/" + key.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveDuringDiskReadDoesNotResurrect(t *testing.T) {
	var (
		ctx  = context.Background()
		dir  = t.TempDir()
		key  = mustKey(t, "https://example.com/a.png")
		disk = newGatedStorage(dir)
		s    = New(disk)
	)

	diskOnlyEntry(t, dir, key, "old")

	got := make(chan Entry, 1)
	go func() {
		e, err := s.Get(ctx, key)
		assert.NoError(t, err)
		got <- e
	}()

	<-disk.read
	require.NoError(t, s.Remove(ctx, key))
	close(disk.gate)

	e := <-got
	assert.Equal(t, []byte("old"), e.Data)

	_, ok := s.GetMemory(key)
	assert.False(t, ok, "removed entry must not be promoted into memory")

	_, err := s.Get(ctx, key)
	assert.True(t, errors.Is(err, ErrMiss))
}

func TestPutDuringDiskReadKeepsNewerContent(t *testing.T) {
	var (
		ctx  = context.Background()
		dir  = t.TempDir()
		key  = mustKey(t, "https://example.com/a.png")
		disk = newGatedStorage(dir)
		s    = New(disk)
	)

	diskOnlyEntry(t, dir, key, "old")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.Get(ctx, key)
		assert.NoError(t, err)
	}()

	<-disk.read
	s.Put(ctx, key, []byte("new"), storage.Meta{}, MemoryOnly())
	close(disk.gate)
	<-done

	e, ok := s.GetMemory(key)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), e.Data)
}

func TestRemoveDiskFailure(t *testing.T) {
	var (
		ctx = context.Background()
		s   = New(brokenStorage{})
		key = mustKey(t, "https://example.com/a.png")
	)

	err := s.Remove(ctx, key)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestPrefetchToMemory(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
		key = mustKey(t, "https://example.com/a.png")
	)

	first := New(local.New(dir))
	require.NoError(t, <-first.Put(ctx, key, []byte("data"), storage.Meta{}))
	require.NoError(t, first.Close())

	// Fresh process: memory tier is empty
	s := newLocalStore(t, dir)
	_, ok := s.GetMemory(key)
	require.False(t, ok)

	ok, err := s.PrefetchToMemory(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	e, ok := s.GetMemory(key)
	require.True(t, ok)
	assert.Equal(t, []byte("data"), e.Data)

	ok, err = s.PrefetchToMemory(ctx, mustKey(t, "https://example.com/other.png"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryOnlyPut(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
		s   = newLocalStore(t, dir)
		key = mustKey(t, "https://example.com/a.png")
	)

	require.NoError(t, <-s.Put(ctx, key, []byte("data"), storage.Meta{}, MemoryOnly()))

	_, err := os.Stat(dir + "/" + key.Path())
	assert.True(t, os.IsNotExist(err))

	_, ok := s.GetMemory(key)
	assert.True(t, ok)
}

func TestAttachDecoded(t *testing.T) {
	var (
		ctx = context.Background()
		s   = New(nil)
		key = mustKey(t, "https://example.com/a.png")
	)

	s.Put(ctx, key, []byte("data"), storage.Meta{})
	s.AttachDecoded(key, Checksum([]byte("other")), "stale")

	e, ok := s.GetMemory(key)
	require.True(t, ok)
	assert.Nil(t, e.Decoded)

	s.AttachDecoded(key, e.Meta.Checksum, "decoded")
	e, ok = s.GetMemory(key)
	require.True(t, ok)
	assert.Equal(t, "decoded", e.Decoded)
}
