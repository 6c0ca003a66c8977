package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/dexter/pkg/catalog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertQuery(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []catalog.Record{
		{UserID: "u1", RequestID: "r1", Path: "lab/knife/r1.jpg", MimeType: "image/jpeg", Size: 10, CapturedAt: base, Scene: "lab", Object: "knife"},
		{UserID: "u1", RequestID: "r2", Path: "lab/knife/r2.png", MimeType: "image/png", Size: 20, CapturedAt: base.Add(time.Second), Scene: "lab", Object: "knife"},
		{UserID: "u1", RequestID: "r3", Path: "lab/mug/r3.png", MimeType: "image/png", Size: 30, CapturedAt: base.Add(500 * time.Millisecond), Scene: "lab", Object: "mug"},
		{UserID: "u2", RequestID: "r4", Path: "lab/knife/r4.png", MimeType: "image/png", Size: 40, CapturedAt: base.Add(time.Hour), Scene: "lab", Object: "knife"},
	}
	for _, r := range recs {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert(%s): %v", r.RequestID, err)
		}
	}

	latest, err := s.Query(ctx, catalog.Filter{UserID: "u1", Limit: 1})
	if err != nil {
		t.Fatalf("Query latest: %v", err)
	}
	if len(latest) != 1 || latest[0].RequestID != "r2" {
		t.Fatalf("latest = %+v, want r2", latest)
	}
	if !latest[0].CapturedAt.Equal(base.Add(time.Second)) || latest[0].Size != 20 || latest[0].MimeType != "image/png" {
		t.Errorf("latest fields = %+v", latest[0])
	}

	folder, err := s.Query(ctx, catalog.Filter{UserID: "u1", Scene: "lab", Object: "knife", Order: catalog.OldestFirst})
	if err != nil {
		t.Fatalf("Query folder: %v", err)
	}
	if len(folder) != 2 || folder[0].RequestID != "r1" || folder[1].RequestID != "r2" {
		t.Errorf("folder = %+v", folder)
	}

	other, err := s.Query(ctx, catalog.Filter{UserID: "u2", RequestID: "r1"})
	if err != nil {
		t.Fatalf("Query other owner: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("cross-user lookup returned %d rows", len(other))
	}
}

func TestInsert_UpsertsSameRequestID(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := catalog.Record{UserID: "u1", RequestID: "r1", Path: "lab/knife/r1.png", MimeType: "image/png", Size: 1, CapturedAt: ts, Scene: "lab", Object: "knife"}
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	r.Size = 2
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert again: %v", err)
	}

	got, err := s.Query(ctx, catalog.Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Size != 2 {
		t.Errorf("records = %+v, want a single row with size 2", got)
	}
}

func TestInsert_RejectsIncomplete(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.Insert(context.Background(), catalog.Record{UserID: "u1"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestOpen_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
