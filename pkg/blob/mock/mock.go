// Package mock provides a test double for blob.Store.
//
// Store keeps objects in memory, records every call, and lets tests inject
// per-method errors.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/dexter/pkg/blob"
)

// UploadCall records a single invocation of Store.Upload.
type UploadCall struct {
	Path string
	Data []byte
	Opts blob.UploadOptions
}

// Object is an in-memory blob.
type Object struct {
	Data        []byte
	ContentType string
}

// Store is a mock implementation of blob.Store.
type Store struct {
	mu sync.Mutex

	// BucketName is returned by Bucket. Defaults to "test-bucket".
	BucketName string

	// Objects holds the stored blobs keyed by path. Created lazily.
	Objects map[string]Object

	// UploadErr, DownloadErr, SignErr, EnsureFolderErr, if non-nil, are
	// returned by the corresponding methods.
	UploadErr       error
	DownloadErr     error
	SignErr         error
	EnsureFolderErr error

	// Calls.
	UploadCalls       []UploadCall
	DownloadCalls     []string
	RemoveCalls       [][]string
	SignCalls         []string
	EnsureFolderCalls []string
}

var _ blob.Store = (*Store)(nil)

// Bucket returns BucketName.
func (s *Store) Bucket() string {
	if s.BucketName == "" {
		return "test-bucket"
	}
	return s.BucketName
}

// Upload records the call and stores data unless UploadErr is set.
func (s *Store) Upload(_ context.Context, path string, data []byte, opts blob.UploadOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UploadCalls = append(s.UploadCalls, UploadCall{Path: path, Data: append([]byte(nil), data...), Opts: opts})
	if s.UploadErr != nil {
		return s.UploadErr
	}
	if s.Objects == nil {
		s.Objects = make(map[string]Object)
	}
	if _, exists := s.Objects[path]; exists && !opts.Upsert {
		return fmt.Errorf("mock blob: %q: %w", path, blob.ErrExists)
	}
	s.Objects[path] = Object{Data: append([]byte(nil), data...), ContentType: opts.ContentType}
	return nil
}

// Download records the call and returns the stored object.
func (s *Store) Download(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DownloadCalls = append(s.DownloadCalls, path)
	if s.DownloadErr != nil {
		return nil, s.DownloadErr
	}
	obj, ok := s.Objects[path]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return append([]byte(nil), obj.Data...), nil
}

// Remove records the call and deletes the objects.
func (s *Store) Remove(_ context.Context, paths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RemoveCalls = append(s.RemoveCalls, paths)
	for _, p := range paths {
		delete(s.Objects, p)
	}
	return nil
}

// SignedURL records the call and returns a fake URL embedding path and ttl.
func (s *Store) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SignCalls = append(s.SignCalls, path)
	if s.SignErr != nil {
		return "", s.SignErr
	}
	return fmt.Sprintf("https://signed.test/%s/%s?ttl=%d", s.Bucket(), path, int(ttl.Seconds())), nil
}

// EnsureFolder records the call.
func (s *Store) EnsureFolder(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EnsureFolderCalls = append(s.EnsureFolderCalls, prefix)
	return s.EnsureFolderErr
}

// Uploads returns a copy of the recorded Upload calls.
func (s *Store) Uploads() []UploadCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UploadCall(nil), s.UploadCalls...)
}

// Folders returns a copy of the recorded EnsureFolder prefixes.
func (s *Store) Folders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.EnsureFolderCalls...)
}
