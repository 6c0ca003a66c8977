// Package localfs provides a blob.Store on the local filesystem.
//
// Objects live under <root>/<bucket>/<path>. Signed URLs point at the
// server's own /blobs/ route and carry an expiry and an HMAC-SHA256 signature
// over the bucket, the path, and the expiry. [Store.Handler] verifies both
// before serving the file.
package localfs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/dexter/pkg/blob"
)

// RoutePrefix is the URL prefix signed URLs are minted under.
const RoutePrefix = "/blobs/"

// Option is a functional option for configuring the Store.
type Option func(*Store)

// WithClock replaces time.Now for expiry computation and checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store implements blob.Store on a directory tree.
type Store struct {
	dir       string
	bucket    string
	publicURL string
	key       []byte
	now       func() time.Time
}

var _ blob.Store = (*Store)(nil)

// New creates a Store rooted at root. publicURL is the externally reachable
// base URL of the HTTP server that mounts [Store.Handler].
func New(root, bucket, publicURL string, signingKey []byte, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("localfs: root must not be empty")
	}
	if bucket == "" || strings.ContainsAny(bucket, `/\`) {
		return nil, fmt.Errorf("localfs: invalid bucket %q", bucket)
	}
	if len(signingKey) == 0 {
		return nil, errors.New("localfs: signing key must not be empty")
	}
	s := &Store{
		dir:       filepath.Join(root, bucket),
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		key:       append([]byte(nil), signingKey...),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("localfs: create bucket dir: %w", err)
	}
	return s, nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

// Upload writes data to path, creating parent directories as needed. The
// write goes through a temporary file so readers never see partial objects.
func (s *Store) Upload(_ context.Context, p string, data []byte, opts blob.UploadOptions) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if !opts.Upsert {
		if _, err := os.Stat(full); err == nil {
			return fmt.Errorf("localfs: upload %q: %w", p, blob.ErrExists)
		}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("localfs: upload %q: %w", p, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("localfs: upload %q: %w", p, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("localfs: upload %q: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("localfs: upload %q: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("localfs: upload %q: %w", p, err)
	}
	return nil
}

// Download reads the object at path.
func (s *Store) Download(_ context.Context, p string) ([]byte, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: download %q: %w", p, err)
	}
	return data, nil
}

// Remove deletes the objects at paths.
func (s *Store) Remove(_ context.Context, paths ...string) error {
	var errs []error
	for _, p := range paths {
		full, err := s.resolve(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("localfs: remove %q: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// SignedURL returns <publicURL>/blobs/<path>?expires=<unix>&sig=<hex>.
func (s *Store) SignedURL(_ context.Context, p string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("localfs: sign %q: ttl must be positive", p)
	}
	if _, err := s.resolve(p); err != nil {
		return "", err
	}
	clean := cleanPath(p)
	expires := s.now().Add(ttl).Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(clean, expires))
	return s.publicURL + RoutePrefix + escapePath(clean) + "?" + q.Encode(), nil
}

// EnsureFolder creates the directory for prefix.
func (s *Store) EnsureFolder(_ context.Context, prefix string) error {
	full, err := s.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("localfs: ensure folder %q: %w", prefix, err)
	}
	return nil
}

// Ping checks that the bucket directory is still accessible.
func (s *Store) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("localfs: ping: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("localfs: ping: %s is not a directory", s.dir)
	}
	return nil
}

// Handler serves signed URLs. It must be mounted on a pattern that binds the
// object path to the "path" wildcard, e.g. "GET /blobs/{path...}".
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := cleanPath(r.PathValue("path"))
		expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
		if err != nil || p == "" {
			http.Error(w, "invalid signed url", http.StatusBadRequest)
			return
		}
		if !s.verify(p, expires, r.URL.Query().Get("sig")) {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		if s.now().Unix() > expires {
			http.Error(w, "signed url expired", http.StatusForbidden)
			return
		}
		data, err := s.Download(r.Context(), p)
		if errors.Is(err, blob.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, "read failed", http.StatusInternalServerError)
			return
		}
		ct := mime.TypeByExtension(path.Ext(p))
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Cache-Control", "private, no-store")
		_, _ = w.Write(data)
	})
}

func (s *Store) sign(p string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%s\n%d", s.bucket, p, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Store) verify(p string, expires int64, sig string) bool {
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(s.sign(p, expires))
	return hmac.Equal(got, want)
}

// resolve maps an object path to a file path inside the bucket directory.
// Paths that would escape the bucket are rejected.
func (s *Store) resolve(p string) (string, error) {
	clean := cleanPath(p)
	if clean == "" || !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", fmt.Errorf("localfs: invalid object path %q", p)
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), nil
}

func cleanPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return path.Clean(p)
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
