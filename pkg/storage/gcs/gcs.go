// Package gcs implements a storage backend saving files in GCS
package gcs

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/Luzifer/imgcache/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	gcsMetaChecksum     = "x-imgcache-checksum"
	gcsMetaLastCached   = "x-imgcache-last-cached"
	gcsMetaLastModified = "x-imgcache-last-modified"
)

// Storage implements the storage.Storage interface for GCS storage
type Storage struct {
	bucket string
	client *gcs.Client
	prefix string
}

// New returns a new GCS storage backend for a gs://bucket/prefix URI
func New(ctx context.Context, bucketURI string) (*Storage, error) {
	uri, err := url.Parse(bucketURI)
	if err != nil {
		return nil, errors.Wrap(err, "parse GCS bucket URI")
	}

	if uri.Scheme != "gs" || uri.Host == "" {
		return nil, errors.New("invalid GCS bucket URI")
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create GCS client")
	}

	return &Storage{
		bucket: uri.Host,
		client: client,
		prefix: strings.TrimLeft(uri.Path, "/"),
	}, nil
}

// Close releases the underlying client
func (s Storage) Close() error {
	return errors.Wrap(s.client.Close(), "close GCS client")
}

// GetFile implements the storage.Storage GetFile method
func (s Storage) GetFile(ctx context.Context, cachePath string) (io.ReadSeekCloser, error) {
	r, err := s.object(cachePath).NewReader(ctx)
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, gcs.ErrObjectNotExist):
		return nil, os.ErrNotExist

	default:
		return nil, errors.Wrap(err, "get object reader")
	}
	defer func() {
		if err := r.Close(); err != nil {
			logrus.WithError(err).Error("closing object reader (leaked fd)")
		}
	}()

	cache := new(bytes.Buffer)
	if _, err = io.Copy(cache, r); err != nil {
		return nil, errors.Wrap(err, "cache object in memory")
	}

	return storage.NopSeekCloser(bytes.NewReader(cache.Bytes())), nil
}

// LoadMeta implements the storage.Storage LoadMeta method
func (s Storage) LoadMeta(ctx context.Context, cachePath string) (*storage.Meta, error) {
	attrs, err := s.object(cachePath).Attrs(ctx)
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, gcs.ErrObjectNotExist):
		return nil, os.ErrNotExist // Surrounding code reacts on ErrNotExist

	default:
		return nil, errors.Wrap(err, "get object meta")
	}

	out := &storage.Meta{
		Checksum:    attrs.Metadata[gcsMetaChecksum],
		ContentType: attrs.ContentType,
		Size:        attrs.Size,
	}

	if out.LastCached, err = time.Parse(time.RFC3339Nano, attrs.Metadata[gcsMetaLastCached]); err != nil {
		return nil, errors.Wrap(err, "parse last-cached date")
	}

	if out.LastModified, err = time.Parse(time.RFC3339Nano, attrs.Metadata[gcsMetaLastModified]); err != nil {
		return nil, errors.Wrap(err, "parse last-modified date")
	}

	return out, nil
}

// StoreFile implements the storage.Storage StoreFile method
func (s Storage) StoreFile(ctx context.Context, cachePath string, metadata *storage.Meta, data io.Reader) error {
	w := s.object(cachePath).NewWriter(ctx)
	w.ContentType = metadata.ContentType
	w.Metadata = map[string]string{
		gcsMetaChecksum:     metadata.Checksum,
		gcsMetaLastCached:   metadata.LastCached.Format(time.RFC3339Nano),
		gcsMetaLastModified: metadata.LastModified.Format(time.RFC3339Nano),
	}

	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "upload content")
	}

	return errors.Wrap(w.Close(), "finish upload")
}

// DeleteFile implements the storage.Storage DeleteFile method
func (s Storage) DeleteFile(ctx context.Context, cachePath string) error {
	err := s.object(cachePath).Delete(ctx)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, gcs.ErrObjectNotExist):
		return os.ErrNotExist

	default:
		return errors.Wrap(err, "delete object")
	}
}

func (s Storage) object(cachePath string) *gcs.ObjectHandle {
	cachePath = strings.TrimLeft(path.Join(s.prefix, cachePath), "/")
	return s.client.Bucket(s.bucket).Object(cachePath)
}
