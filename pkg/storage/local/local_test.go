package local

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Luzifer/imgcache/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAndLoad(t *testing.T) {
	var (
		ctx = context.Background()
		s   = New(t.TempDir())
		lm  = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	)

	require.NoError(t, s.StoreFile(ctx, "ab/abcdef", &storage.Meta{
		ContentType:  "image/png",
		LastModified: lm,
		Size:         5,
	}, bytes.NewReader([]byte("hello"))))

	f, err := s.GetFile(ctx, "ab/abcdef")
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck // Test cleanup

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	meta, err := s.LoadMeta(ctx, "ab/abcdef")
	require.NoError(t, err)
	assert.Equal(t, "image/png", meta.ContentType)
	assert.True(t, lm.Equal(meta.LastModified))
	assert.Equal(t, int64(5), meta.Size)
}

func TestMissingFile(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.GetFile(context.Background(), "00/missing")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = s.LoadMeta(context.Background(), "00/missing")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	err = s.DeleteFile(context.Background(), "00/missing")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDeleteFile(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
		s   = New(dir)
	)

	require.NoError(t, s.StoreFile(ctx, "cd/cdef", &storage.Meta{}, bytes.NewReader([]byte("x"))))
	require.NoError(t, s.DeleteFile(ctx, "cd/cdef"))

	_, err := os.Stat(filepath.Join(dir, "cd", "cdef"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "cd", "cdef.meta"))
	assert.True(t, os.IsNotExist(err))
}

func TestOverwriteLeavesNoTempFiles(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
		s   = New(dir)
	)

	for _, content := range []string{"first", "second"} {
		require.NoError(t, s.StoreFile(ctx, "ef/ef01", &storage.Meta{}, bytes.NewReader([]byte(content))))
	}

	entries, err := os.ReadDir(filepath.Join(dir, "ef"))
	require.NoError(t, err)
	assert.Len(t, entries, 2) // content + meta

	f, err := s.GetFile(ctx, "ef/ef01")
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck // Test cleanup

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}
