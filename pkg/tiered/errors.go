package tiered

import (
	"github.com/pkg/errors"
)

var (
	// ErrMiss is returned by lookups when neither tier holds the key
	ErrMiss = errors.New("cache miss")
	// ErrNotFound is returned by Remove when neither tier held the key
	ErrNotFound = errors.New("cache entry not found")
	// ErrPersistence marks failures of the disk tier
	ErrPersistence = errors.New("persistence failure")
)

// persistenceError wraps a disk tier failure so it matches both
// ErrPersistence and the original cause
type persistenceError struct {
	op  string
	err error
}

func newPersistenceError(op string, err error) error {
	return &persistenceError{op: op, err: err}
}

func (p *persistenceError) Error() string {
	return errors.Wrap(p.err, p.op).Error()
}

func (p *persistenceError) Is(target error) bool { return target == ErrPersistence } //nolint:errorlint,goerr113 // Sentinel comparison

func (p *persistenceError) Unwrap() error { return p.err }
