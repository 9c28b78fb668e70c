// Package storage is the object store boundary: a small Store interface over
// an S3-compatible bucket, plus the job-scoped key layout every artifact uses.
package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"time"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Object describes a stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// Store is the subset of object storage the pipeline needs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Bucket returns the bucket name sent to stage services.
	Bucket() string
	// Put writes an object. size may be -1 when the length is unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get opens an object for streaming. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)
	// List returns every object under prefix, recursively, ordered by key.
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under prefix and reports how many.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Presign returns a time-limited download URL.
	Presign(ctx context.Context, key string, expiry time.Duration) (*url.URL, error)
	// Ready reports whether the bucket is reachable.
	Ready(ctx context.Context) error
}
