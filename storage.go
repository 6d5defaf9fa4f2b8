package main

import (
	"context"
	"net/url"

	"github.com/pkg/errors"

	"github.com/Luzifer/imgcache/pkg/storage"
	"github.com/Luzifer/imgcache/pkg/storage/badger"
	"github.com/Luzifer/imgcache/pkg/storage/gcs"
	"github.com/Luzifer/imgcache/pkg/storage/local"
	"github.com/Luzifer/imgcache/pkg/storage/s3"
)

// nopCloser is used for backends without resources to release
func nopCloser() error { return nil }

// newStorage creates the disk tier backend described by uri. An empty
// uri disables the disk tier.
func newStorage(ctx context.Context, uri, s3Endpoint string) (storage.Storage, func() error, error) {
	if uri == "" {
		return nil, nopCloser, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing storage URI")
	}

	switch u.Scheme {
	case "":
		return local.New(uri), nopCloser, nil

	case "file":
		return local.New(localPath(u)), nopCloser, nil

	case "badger":
		s, err := badger.New(localPath(u))
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening badger storage")
		}
		return s, s.Close, nil

	case "gs":
		s, err := gcs.New(ctx, uri)
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating GCS storage")
		}
		return s, s.Close, nil

	case "s3":
		s, err := s3.New(ctx, uri, s3Endpoint)
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating S3 storage")
		}
		return s, nopCloser, nil

	default:
		return nil, nil, errors.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}

// localPath supports both file:///abs/path and file://./rel/path
func localPath(u *url.URL) string {
	return u.Host + u.Path
}
