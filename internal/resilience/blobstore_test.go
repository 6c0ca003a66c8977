package resilience_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/dexter/internal/resilience"
	"github.com/MrWong99/dexter/pkg/blob"
	blobmock "github.com/MrWong99/dexter/pkg/blob/mock"
)

func TestBlobStore_PassesThrough(t *testing.T) {
	t.Parallel()

	inner := &blobmock.Store{BucketName: "mentra_scenes"}
	s := resilience.NewBlobStore(inner, resilience.BreakerConfig{})
	ctx := context.Background()

	if s.Bucket() != "mentra_scenes" {
		t.Errorf("Bucket = %q", s.Bucket())
	}
	if err := s.Upload(ctx, "lab/knife/a.jpg", []byte("x"), blob.UploadOptions{ContentType: "image/jpeg"}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	data, err := s.Download(ctx, "lab/knife/a.jpg")
	if err != nil || string(data) != "x" {
		t.Errorf("Download = %q, %v", data, err)
	}
	if _, err := s.SignedURL(ctx, "lab/knife/a.jpg", time.Minute); err != nil {
		t.Errorf("SignedURL: %v", err)
	}
	if err := s.EnsureFolder(ctx, "lab/knife"); err != nil {
		t.Errorf("EnsureFolder: %v", err)
	}
	if err := s.Remove(ctx, "lab/knife/a.jpg"); err != nil {
		t.Errorf("Remove: %v", err)
	}
	if len(inner.UploadCalls) != 1 || len(inner.DownloadCalls) != 1 || len(inner.EnsureFolderCalls) != 1 {
		t.Errorf("inner calls: %d uploads, %d downloads, %d folders",
			len(inner.UploadCalls), len(inner.DownloadCalls), len(inner.EnsureFolderCalls))
	}
}

func TestBlobStore_NotFoundDoesNotTrip(t *testing.T) {
	t.Parallel()

	inner := &blobmock.Store{}
	s := resilience.NewBlobStore(inner, resilience.BreakerConfig{MaxFailures: 1})
	for i := 0; i < 3; i++ {
		if _, err := s.Download(context.Background(), "missing.jpg"); !errors.Is(err, blob.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	}
	if s.Breaker().State() != resilience.StateClosed {
		t.Errorf("state = %v, want closed", s.Breaker().State())
	}
}

func TestBlobStore_OpensOnFailures(t *testing.T) {
	t.Parallel()

	inner := &blobmock.Store{BucketName: "mentra_scenes", UploadErr: errors.New("503 service unavailable")}
	s := resilience.NewBlobStore(inner, resilience.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = s.Upload(ctx, "a.jpg", nil, blob.UploadOptions{})
	}
	if err := s.Check(ctx); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Check = %v, want ErrCircuitOpen", err)
	}

	err := s.EnsureFolder(ctx, "lab/knife")
	if !errors.Is(err, resilience.ErrCircuitOpen) || !strings.Contains(err.Error(), "mentra_scenes") {
		t.Errorf("EnsureFolder = %v, want unavailable error naming the bucket", err)
	}
	if len(inner.EnsureFolderCalls) != 0 {
		t.Error("open breaker still reached the backend")
	}
}
