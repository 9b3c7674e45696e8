// Package objectstore is the thin storage-client abstraction used by the upload pipeline.
// Both staging chunks and assembled models live behind the same Store.
package objectstore

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound signals that the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the set of object operations the upload pipeline depends on.
// Put always overwrites an existing key.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (int64, error)
	Remove(ctx context.Context, bucket, key string) error
	SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	PublicURL(bucket, key string) string
	Ping(ctx context.Context) error
}

// joinPublicURL builds "{base}/{bucket}/{key}" escaping every key segment.
func joinPublicURL(base, bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
