package export_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/dexter/internal/export"
	blobmock "github.com/MrWong99/dexter/pkg/blob/mock"
	"github.com/MrWong99/dexter/pkg/catalog"
	catalogmock "github.com/MrWong99/dexter/pkg/catalog/mock"
)

func TestParsePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		arg     string
		scene   string
		object  string
		wantErr bool
	}{
		{arg: "class/bag", scene: "class", object: "bag"},
		{arg: "mentra_scenes/class/bag", scene: "class", object: "bag"},
		{arg: "Kitchen Counter/Coffee Mug", scene: "kitchen_counter", object: "coffee_mug"},
		{arg: "class", wantErr: true},
		{arg: "a/b/c", wantErr: true},
		{arg: "mentra_scenes/class", scene: "mentra_scenes", object: "class"},
		{arg: "", wantErr: true},
		{arg: "../x", wantErr: true},
		{arg: "lab/..", wantErr: true},
		{arg: "./x", wantErr: true},
		{arg: "mentra_scenes/../..", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			t.Parallel()
			scene, object, err := export.ParsePath(tt.arg)
			if tt.wantErr {
				if !errors.Is(err, export.ErrInvalidPath) {
					t.Errorf("err = %v, want ErrInvalidPath", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePath: %v", err)
			}
			if scene != tt.scene || object != tt.object {
				t.Errorf("got %q/%q, want %q/%q", scene, object, tt.scene, tt.object)
			}
		})
	}
}

func fixture() (*catalogmock.Table, *blobmock.Store) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := func(user, id, ext string, offset time.Duration) catalog.Record {
		return catalog.Record{
			UserID:     user,
			RequestID:  id,
			Path:       "lab/knife/" + id + ext,
			CapturedAt: base.Add(offset),
			Scene:      "lab",
			Object:     "knife",
		}
	}
	table := &catalogmock.Table{Records: []catalog.Record{
		rec("ryan", "r2", ".jpg", time.Minute),
		rec("ryan", "r1", ".PNG", 0),
		rec("ryan", "r3", ".bin", 2*time.Minute),
		rec("sam", "s1", ".jpg", 0),
	}}
	blobs := &blobmock.Store{BucketName: "mentra_scenes", Objects: map[string]blobmock.Object{}}
	for _, r := range table.Records {
		blobs.Objects[r.Path] = blobmock.Object{Data: []byte("bytes-" + r.RequestID)}
	}
	return table, blobs
}

func TestExport(t *testing.T) {
	t.Parallel()

	table, blobs := fixture()
	out := t.TempDir()
	res, err := export.New(table, blobs).Export(context.Background(), "ryan", "lab", "knife", out)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	wantDir := filepath.Join(out, "lab", "knife")
	if res.Dir != wantDir {
		t.Errorf("Dir = %q, want %q", res.Dir, wantDir)
	}
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", res.Skipped)
	}
	want := []string{filepath.Join(wantDir, "r1.PNG"), filepath.Join(wantDir, "r2.jpg")}
	if len(res.Files) != len(want) {
		t.Fatalf("Files = %v, want %v", res.Files, want)
	}
	for i, f := range want {
		if res.Files[i] != f {
			t.Errorf("Files[%d] = %q, want %q", i, res.Files[i], f)
		}
	}
	data, err := os.ReadFile(want[1])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "bytes-r2" {
		t.Errorf("content = %q", data)
	}
	if _, err := os.Stat(filepath.Join(wantDir, "s1.jpg")); !errors.Is(err, os.ErrNotExist) {
		t.Error("exported another user's capture")
	}

	q := table.Queries()
	if len(q) != 1 || q[0].UserID != "ryan" || q[0].Order != catalog.OldestFirst {
		t.Errorf("filter = %+v", q)
	}
}

func TestExport_MissingBlobSkipped(t *testing.T) {
	t.Parallel()

	table, blobs := fixture()
	delete(blobs.Objects, "lab/knife/r2.jpg")
	res, err := export.New(table, blobs, export.WithConcurrency(1)).Export(context.Background(), "ryan", "lab", "knife", t.TempDir())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(res.Files) != 1 {
		t.Errorf("Files = %v, want only r1", res.Files)
	}
}

func TestExport_Errors(t *testing.T) {
	t.Parallel()

	table, blobs := fixture()
	ex := export.New(table, blobs)

	if _, err := ex.Export(context.Background(), "", "lab", "knife", t.TempDir()); err == nil {
		t.Error("expected error for empty user id")
	}

	blobs.DownloadErr = errors.New("connection reset")
	if _, err := ex.Export(context.Background(), "ryan", "lab", "knife", t.TempDir()); err == nil {
		t.Error("expected download error")
	}

	table.QueryErr = errors.New("db down")
	if _, err := ex.Export(context.Background(), "ryan", "lab", "knife", t.TempDir()); err == nil {
		t.Error("expected query error")
	}
}
