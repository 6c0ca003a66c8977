// Package blob defines the Store interface for the object storage that holds
// captured frames.
//
// A Store is bound to a single bucket at construction time. Paths are
// slash-separated and relative to that bucket (e.g. "lab/knife/abc.jpg").
//
// Implementations must be safe for concurrent use.
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Download when no object exists at the path.
var ErrNotFound = errors.New("blob: object not found")

// ErrExists is returned by Upload when an object already exists at the path
// and [UploadOptions.Upsert] is false.
var ErrExists = errors.New("blob: object already exists")

// FolderPlaceholder is the name of the empty object written by
// [Store.EnsureFolder] on backends without real directories.
const FolderPlaceholder = ".emptyFolderPlaceholder"

// UploadOptions controls how an object is written.
type UploadOptions struct {
	// ContentType is stored with the object and returned on download.
	ContentType string

	// Upsert allows overwriting an existing object at the same path. When
	// false, writing to an existing path is an error.
	Upsert bool
}

// Store is the abstraction over any blob storage backend.
type Store interface {
	// Bucket returns the bucket this store writes to.
	Bucket() string

	// Upload writes data to path.
	Upload(ctx context.Context, path string, data []byte, opts UploadOptions) error

	// Download returns the bytes stored at path, or [ErrNotFound].
	Download(ctx context.Context, path string) ([]byte, error)

	// Remove deletes the objects at paths. Missing objects are not an error.
	Remove(ctx context.Context, paths ...string) error

	// SignedURL returns a URL that grants read access to path for ttl without
	// further authentication.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// EnsureFolder makes sure prefix exists as a listable folder. It is
	// idempotent.
	EnsureFolder(ctx context.Context, prefix string) error
}
