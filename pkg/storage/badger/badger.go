// Package badger implements a storage.Storage backend on an embedded BadgerDB
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/imgcache/pkg/storage"
)

const (
	prefixData = "data/"
	prefixMeta = "meta/"
)

// Storage implements the storage.Storage interface on top of BadgerDB
type Storage struct {
	db *badgerdb.DB
}

// New opens (or creates) a BadgerDB in the given directory
func New(dir string) (*Storage, error) {
	return open(badgerdb.DefaultOptions(dir))
}

// NewInMemory creates a non-persistent BadgerDB, mostly useful in tests
func NewInMemory() (*Storage, error) {
	return open(badgerdb.DefaultOptions("").WithInMemory(true))
}

func open(opts badgerdb.Options) (*Storage, error) {
	db, err := badgerdb.Open(opts.WithLogger(logrus.WithField("component", "badger")))
	if err != nil {
		return nil, errors.Wrap(err, "open badger database")
	}

	return &Storage{db: db}, nil
}

// Close flushes and closes the database
func (s *Storage) Close() error {
	return errors.Wrap(s.db.Close(), "close badger database")
}

// GetFile implements the storage.Storage GetFile method
func (s *Storage) GetFile(ctx context.Context, cachePath string) (io.ReadSeekCloser, error) {
	data, err := s.get(ctx, prefixData+cachePath)
	if err != nil {
		return nil, err
	}

	return storage.NopSeekCloser(bytes.NewReader(data)), nil
}

// LoadMeta implements the storage.Storage LoadMeta method
func (s *Storage) LoadMeta(ctx context.Context, cachePath string) (*storage.Meta, error) {
	raw, err := s.get(ctx, prefixMeta+cachePath)
	if err != nil {
		return nil, err
	}

	out := new(storage.Meta)
	return out, errors.Wrap(json.Unmarshal(raw, out), "decode metadata")
}

// StoreFile implements the storage.Storage StoreFile method. Content and
// metadata are written in one transaction.
func (s *Storage) StoreFile(ctx context.Context, cachePath string, metadata *storage.Meta, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	content, err := io.ReadAll(data)
	if err != nil {
		return errors.Wrap(err, "read content")
	}

	rawMeta, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "encode metadata")
	}

	return errors.Wrap(s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte(prefixData+cachePath), content); err != nil {
			return errors.Wrap(err, "set content")
		}
		return errors.Wrap(txn.Set([]byte(prefixMeta+cachePath), rawMeta), "set metadata")
	}), "store object")
}

// DeleteFile implements the storage.Storage DeleteFile method
func (s *Storage) DeleteFile(ctx context.Context, cachePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get([]byte(prefixData + cachePath)); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return os.ErrNotExist
			}
			return errors.Wrap(err, "lookup content")
		}

		if err := txn.Delete([]byte(prefixData + cachePath)); err != nil {
			return errors.Wrap(err, "delete content")
		}
		return errors.Wrap(txn.Delete([]byte(prefixMeta+cachePath)), "delete metadata")
	})
}

func (s *Storage) get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return os.ErrNotExist
		}
		if err != nil {
			return errors.Wrap(err, "get item")
		}

		out, err = item.ValueCopy(nil)
		return errors.Wrap(err, "copy value")
	})

	return out, err
}
