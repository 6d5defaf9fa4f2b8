// Package storage defines the interface to talk to the disk tier backends
package storage

import (
	"context"
	"io"
	"time"
)

type (
	// Meta contains the metadata to be written / read alongside a cached object
	Meta struct {
		ContentType  string
		LastCached   time.Time
		LastModified time.Time
		Size         int64
		Checksum     string
	}

	// Storage is the interface to implement when building a storage backend.
	// Backends signal a missing object by returning an error matching
	// os.ErrNotExist from GetFile, LoadMeta and DeleteFile.
	Storage interface {
		GetFile(ctx context.Context, cachePath string) (io.ReadSeekCloser, error)
		LoadMeta(ctx context.Context, cachePath string) (*Meta, error)
		StoreFile(ctx context.Context, cachePath string, metadata *Meta, data io.Reader) error
		DeleteFile(ctx context.Context, cachePath string) error
	}
)

type nopSeekCloser struct {
	io.ReadSeeker
}

func (nopSeekCloser) Close() error { return nil }

// NopSeekCloser wraps an in-memory io.ReadSeeker for backends which
// buffer the object before handing it out
func NopSeekCloser(rs io.ReadSeeker) io.ReadSeekCloser { return nopSeekCloser{rs} }
