package imagecache

import (
	"github.com/pkg/errors"

	"github.com/Luzifer/imgcache/pkg/cachekey"
	"github.com/Luzifer/imgcache/pkg/scheduler"
	"github.com/Luzifer/imgcache/pkg/tiered"
)

var (
	// ErrTransport marks failures to fetch the remote object
	ErrTransport = errors.New("fetching remote object failed")
	// ErrDecode marks fetched or cached content which is not a valid image
	ErrDecode = errors.New("decoding image failed")
	// ErrBlacklisted is returned without contacting the remote when the
	// last fetch of the URL failed
	ErrBlacklisted = errors.New("url previously failed")
	// ErrClosed is returned for requests outstanding while or issued
	// after the cache is closed
	ErrClosed = errors.New("cache closed")

	// ErrPersistence marks disk tier failures
	ErrPersistence = tiered.ErrPersistence
	// ErrNotFound is returned when removing an entry nobody holds
	ErrNotFound = tiered.ErrNotFound
	// ErrCanceled is the result of a cancelled request
	ErrCanceled = scheduler.ErrCanceled
	// ErrInvalidURL is returned for URLs which cannot be cached
	ErrInvalidURL = cachekey.ErrInvalidURL
)

// kindError attaches one of the sentinel kinds above to its cause
type kindError struct {
	kind error
	err  error
}

func wrapKind(kind, err error) error {
	return &kindError{kind: kind, err: err}
}

func (k *kindError) Error() string {
	return errors.Wrap(k.err, k.kind.Error()).Error()
}

func (k *kindError) Is(target error) bool { return target == k.kind } //nolint:errorlint,goerr113 // Sentinel comparison

func (k *kindError) Unwrap() error { return k.err }
