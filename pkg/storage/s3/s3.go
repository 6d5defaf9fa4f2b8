// Package s3 implements a storage backend saving files in an S3 bucket
package s3

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/imgcache/pkg/storage"
)

const (
	s3MetaChecksum     = "imgcache-checksum"
	s3MetaLastCached   = "imgcache-last-cached"
	s3MetaLastModified = "imgcache-last-modified"
)

// Storage implements the storage.Storage interface for S3 storage
type Storage struct {
	bucket string
	client *s3.Client
	prefix string
}

// New returns a new S3 storage backend for a s3://bucket/prefix URI.
// Credentials and region are taken from the default AWS config chain.
// A non-empty endpoint switches to path-style addressing for
// S3-compatible services like MinIO.
func New(ctx context.Context, bucketURI, endpoint string) (*Storage, error) {
	uri, err := url.Parse(bucketURI)
	if err != nil {
		return nil, errors.Wrap(err, "parse S3 bucket URI")
	}

	if uri.Scheme != "s3" || uri.Host == "" {
		return nil, errors.New("invalid S3 bucket URI")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load AWS config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Storage{
		bucket: uri.Host,
		client: client,
		prefix: strings.TrimLeft(uri.Path, "/"),
	}, nil
}

// GetFile implements the storage.Storage GetFile method
func (s Storage) GetFile(ctx context.Context, cachePath string) (io.ReadSeekCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(cachePath)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, os.ErrNotExist
		}
		return nil, errors.Wrap(err, "get object")
	}
	defer func() {
		if err := out.Body.Close(); err != nil {
			logrus.WithError(err).Error("closing object body (leaked fd)")
		}
	}()

	cache := new(bytes.Buffer)
	if _, err = io.Copy(cache, out.Body); err != nil {
		return nil, errors.Wrap(err, "cache object in memory")
	}

	return storage.NopSeekCloser(bytes.NewReader(cache.Bytes())), nil
}

// LoadMeta implements the storage.Storage LoadMeta method
func (s Storage) LoadMeta(ctx context.Context, cachePath string) (*storage.Meta, error) {
	head, err := s.head(ctx, cachePath)
	if err != nil {
		return nil, err
	}

	out := &storage.Meta{
		Checksum:    head.Metadata[s3MetaChecksum],
		ContentType: aws.ToString(head.ContentType),
		Size:        aws.ToInt64(head.ContentLength),
	}

	if out.LastCached, err = time.Parse(time.RFC3339Nano, head.Metadata[s3MetaLastCached]); err != nil {
		return nil, errors.Wrap(err, "parse last-cached date")
	}

	if out.LastModified, err = time.Parse(time.RFC3339Nano, head.Metadata[s3MetaLastModified]); err != nil {
		return nil, errors.Wrap(err, "parse last-modified date")
	}

	return out, nil
}

// StoreFile implements the storage.Storage StoreFile method
func (s Storage) StoreFile(ctx context.Context, cachePath string, metadata *storage.Meta, data io.Reader) error {
	// The request signer needs a seekable body with known length
	body, err := io.ReadAll(data)
	if err != nil {
		return errors.Wrap(err, "read content")
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(cachePath)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(metadata.ContentType),
		Metadata: map[string]string{
			s3MetaChecksum:     metadata.Checksum,
			s3MetaLastCached:   metadata.LastCached.Format(time.RFC3339Nano),
			s3MetaLastModified: metadata.LastModified.Format(time.RFC3339Nano),
		},
	})

	return errors.Wrap(err, "upload content")
}

// DeleteFile implements the storage.Storage DeleteFile method. S3 does
// not report missing keys on delete so the object is looked up first.
func (s Storage) DeleteFile(ctx context.Context, cachePath string) error {
	if _, err := s.head(ctx, cachePath); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(cachePath)),
	})

	return errors.Wrap(err, "delete object")
}

func (s Storage) head(ctx context.Context, cachePath string) (*s3.HeadObjectOutput, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(cachePath)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, os.ErrNotExist // Surrounding code reacts on ErrNotExist
		}
		return nil, errors.Wrap(err, "get object meta")
	}

	return head, nil
}

func (s Storage) objectKey(cachePath string) string {
	return strings.TrimLeft(path.Join(s.prefix, cachePath), "/")
}

func isNotFoundError(err error) bool {
	var (
		noSuchKey *types.NoSuchKey
		notFound  *types.NotFound
		apiErr    smithy.APIError
	)

	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}

	return false
}
