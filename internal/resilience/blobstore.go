package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/dexter/pkg/blob"
)

// BlobStore guards every call to a remote [blob.Store] with a [Breaker].
// A missing object is an answer, not a backend failure, and never trips the
// breaker.
type BlobStore struct {
	inner   blob.Store
	breaker *Breaker
}

var _ blob.Store = (*BlobStore)(nil)

// NewBlobStore wraps inner. cfg.IsFailure is replaced so that
// [blob.ErrNotFound] and context cancellation do not count as failures.
func NewBlobStore(inner blob.Store, cfg BreakerConfig) *BlobStore {
	if cfg.Name == "" {
		cfg.Name = "blob:" + inner.Bucket()
	}
	cfg.IsFailure = func(err error) bool {
		return isFailure(err) && !errors.Is(err, blob.ErrNotFound)
	}
	return &BlobStore{inner: inner, breaker: NewBreaker(cfg)}
}

// Breaker exposes the underlying breaker for health reporting.
func (s *BlobStore) Breaker() *Breaker { return s.breaker }

// Bucket returns the wrapped store's bucket.
func (s *BlobStore) Bucket() string { return s.inner.Bucket() }

// Upload writes data through the breaker.
func (s *BlobStore) Upload(ctx context.Context, path string, data []byte, opts blob.UploadOptions) error {
	return s.do(func() error { return s.inner.Upload(ctx, path, data, opts) })
}

// Download reads path through the breaker.
func (s *BlobStore) Download(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.do(func() error {
		var err error
		data, err = s.inner.Download(ctx, path)
		return err
	})
	return data, err
}

// Remove deletes paths through the breaker.
func (s *BlobStore) Remove(ctx context.Context, paths ...string) error {
	return s.do(func() error { return s.inner.Remove(ctx, paths...) })
}

// SignedURL mints a URL through the breaker.
func (s *BlobStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	var url string
	err := s.do(func() error {
		var err error
		url, err = s.inner.SignedURL(ctx, path, ttl)
		return err
	})
	return url, err
}

// EnsureFolder provisions prefix through the breaker.
func (s *BlobStore) EnsureFolder(ctx context.Context, prefix string) error {
	return s.do(func() error { return s.inner.EnsureFolder(ctx, prefix) })
}

// Check reports an error while the breaker is open. It matches the
// readiness probe signature.
func (s *BlobStore) Check(context.Context) error {
	if st := s.breaker.State(); st == StateOpen {
		return fmt.Errorf("%w (%s)", ErrCircuitOpen, s.Bucket())
	}
	return nil
}

func (s *BlobStore) do(fn func() error) error {
	err := s.breaker.Execute(fn)
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("blob store %s unavailable: %w", s.Bucket(), err)
	}
	return err
}
