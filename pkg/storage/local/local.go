// Package local implements a storage.Storage backend for local file storage
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/Luzifer/imgcache/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	storageLocalDirPermission  = 0o700
	storageLocalFilePermission = 0o600
)

// Storage implements the storage.Storage interface for local file storage
type Storage struct {
	basePath string
}

// New returns a new local file storage
func New(basePath string) Storage { return Storage{basePath} }

// GetFile implements the storage.Storage GetFile method
func (s Storage) GetFile(_ context.Context, cachePath string) (io.ReadSeekCloser, error) {
	cachePath = path.Join(s.basePath, cachePath)
	rsc, err := os.Open(cachePath) //#nosec:G304 // Safe source of variable
	if err != nil {
		return nil, fmt.Errorf("opening cache file: %w", err)
	}

	return rsc, nil
}

// LoadMeta implements the storage.Storage LoadMeta method
func (s Storage) LoadMeta(_ context.Context, cachePath string) (*storage.Meta, error) {
	metaPath := metaPath(path.Join(s.basePath, cachePath))

	f, err := os.Open(metaPath) //#nosec:G304 // Safe source of variable
	if err != nil {
		return nil, errors.Wrap(err, "open metadata file")
	}
	defer func() {
		if err := f.Close(); err != nil {
			logrus.WithError(err).Error("closing metadata file (leaked fd)")
		}
	}()

	out := new(storage.Meta)
	return out, errors.Wrap(
		json.NewDecoder(f).Decode(out),
		"decode metadata file",
	)
}

// StoreFile implements the storage.Storage StoreFile method. Content and
// metadata are written to temporary files and renamed into place so a
// concurrent reader never observes a partially written object.
func (s Storage) StoreFile(_ context.Context, cachePath string, metadata *storage.Meta, data io.Reader) (err error) {
	cachePath = path.Join(s.basePath, cachePath)

	if err = os.MkdirAll(path.Dir(cachePath), storageLocalDirPermission); err != nil {
		return errors.Wrap(err, "create cache dir")
	}

	if err = writeAtomic(cachePath, data); err != nil {
		return errors.Wrap(err, "write cache file")
	}

	rawMeta, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "encode cache meta")
	}

	return errors.Wrap(writeAtomic(metaPath(cachePath), bytes.NewReader(rawMeta)), "write cache meta file")
}

// DeleteFile implements the storage.Storage DeleteFile method
func (s Storage) DeleteFile(_ context.Context, cachePath string) error {
	cachePath = path.Join(s.basePath, cachePath)

	if err := os.Remove(cachePath); err != nil {
		return errors.Wrap(err, "remove cache file")
	}

	if err := os.Remove(metaPath(cachePath)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove cache meta file")
	}

	return nil
}

func metaPath(cachePath string) string {
	return strings.Join([]string{cachePath, "meta"}, ".")
}

func writeAtomic(target string, data io.Reader) error {
	tmp, err := os.CreateTemp(path.Dir(target), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()

	if _, err = io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "copy content")
	}

	if err = tmp.Chmod(storageLocalFilePermission); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "set file mode")
	}

	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "close temp file")
	}

	if err = os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "move into place")
	}

	return nil
}
