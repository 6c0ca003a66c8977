package localfs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/dexter/pkg/blob"
)

var testKey = []byte("test-signing-key")

func newTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := New(root, "mentra_scenes", "http://dexter.test", testKey, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, root
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if _, err := New("", "b", "", testKey); err == nil {
		t.Error("expected error for empty root")
	}
	if _, err := New(root, "a/b", "", testKey); err == nil {
		t.Error("expected error for bucket with slash")
	}
	if _, err := New(root, "b", "", nil); err == nil {
		t.Error("expected error for empty signing key")
	}
}

func TestUploadDownload(t *testing.T) {
	t.Parallel()

	s, root := newTestStore(t)
	ctx := context.Background()

	if err := s.Upload(ctx, "lab/knife/r1.jpg", []byte("v1"), blob.UploadOptions{ContentType: "image/jpeg"}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "mentra_scenes", "lab", "knife", "r1.jpg")); err != nil {
		t.Fatalf("file not on disk: %v", err)
	}

	err := s.Upload(ctx, "lab/knife/r1.jpg", []byte("v2"), blob.UploadOptions{})
	if !errors.Is(err, blob.ErrExists) {
		t.Fatalf("second upload without upsert: err = %v, want ErrExists", err)
	}

	if err := s.Upload(ctx, "lab/knife/r1.jpg", []byte("v2"), blob.UploadOptions{Upsert: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	data, err := s.Download(ctx, "lab/knife/r1.jpg")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("data = %q, want v2", data)
	}

	if _, err := s.Download(ctx, "lab/knife/none.jpg"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("missing download err = %v, want ErrNotFound", err)
	}
}

func TestRejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, p := range []string{"../outside.jpg", "lab/../../x.png", ""} {
		if err := s.Upload(ctx, p, []byte("x"), blob.UploadOptions{Upsert: true}); err == nil {
			t.Errorf("Upload(%q) succeeded, want error", p)
		}
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Upload(ctx, "a/b/1.png", []byte("x"), blob.UploadOptions{})

	if err := s.Remove(ctx, "a/b/1.png", "a/b/missing.png"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Download(ctx, "a/b/1.png"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("object still present after Remove: %v", err)
	}
}

func TestEnsureFolder(t *testing.T) {
	t.Parallel()

	s, root := newTestStore(t)
	for range 2 {
		if err := s.EnsureFolder(context.Background(), "lab/knife/"); err != nil {
			t.Fatalf("EnsureFolder: %v", err)
		}
	}
	info, err := os.Stat(filepath.Join(root, "mentra_scenes", "lab", "knife"))
	if err != nil || !info.IsDir() {
		t.Fatalf("folder missing: %v", err)
	}
}

func TestSignedURL_Serve(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	s, _ := newTestStore(t, WithClock(func() time.Time { return *clock }))
	ctx := context.Background()
	_ = s.Upload(ctx, "lab/knife/r1.jpg", []byte("jpegbytes"), blob.UploadOptions{ContentType: "image/jpeg"})

	signed, err := s.SignedURL(ctx, "lab/knife/r1.jpg", 5*time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if !strings.HasPrefix(signed, "http://dexter.test/blobs/lab/knife/r1.jpg?") {
		t.Fatalf("signed URL = %q", signed)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Query().Get("expires") != "1772366700" {
		t.Errorf("expires = %q", u.Query().Get("expires"))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /blobs/{path...}", s.Handler())

	get := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	rec := get(u.RequestURI())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "jpegbytes" {
		t.Errorf("body = %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}

	tampered := strings.Replace(u.RequestURI(), "r1.jpg", "r2.jpg", 1)
	if rec := get(tampered); rec.Code != http.StatusForbidden {
		t.Errorf("tampered path status = %d, want 403", rec.Code)
	}

	later := now.Add(6 * time.Minute)
	clock = &later
	if rec := get(u.RequestURI()); rec.Code != http.StatusForbidden {
		t.Errorf("expired status = %d, want 403", rec.Code)
	}

	if rec := get("/blobs/lab/knife/r1.jpg"); rec.Code != http.StatusBadRequest {
		t.Errorf("unsigned status = %d, want 400", rec.Code)
	}
}
