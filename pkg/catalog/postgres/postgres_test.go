package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/dexter/pkg/catalog"
)

// mockRows implements pgx.Rows over a fixed set of rows.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int64:
			*d = v.(int64)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements DB for testing.
type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func TestInsert(t *testing.T) {
	t.Parallel()

	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))

	t.Run("upserts record", func(t *testing.T) {
		t.Parallel()
		var gotSQL string
		var gotArgs []any
		db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL, gotArgs = sql, args
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		}}
		err := New(db).Insert(context.Background(), catalog.Record{
			UserID: "u1", RequestID: "r1", Path: "lab/knife/r1.jpg", MimeType: "image/jpeg",
			Size: 42, CapturedAt: captured, Scene: "lab", Object: "knife",
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if !strings.Contains(gotSQL, "INSERT INTO captured_photos") || !strings.Contains(gotSQL, "ON CONFLICT (user_id, request_id)") {
			t.Errorf("unexpected SQL: %s", gotSQL)
		}
		if len(gotArgs) != 8 {
			t.Fatalf("args = %d, want 8", len(gotArgs))
		}
		if gotArgs[4] != int64(42) {
			t.Errorf("size arg = %v", gotArgs[4])
		}
		if ts := gotArgs[5].(time.Time); ts.Location() != time.UTC || !ts.Equal(captured) {
			t.Errorf("captured_at arg = %v, want UTC instant of %v", ts, captured)
		}
	})

	t.Run("rejects incomplete record", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			t.Error("Exec must not be called")
			return pgconn.CommandTag{}, nil
		}}
		if err := New(db).Insert(context.Background(), catalog.Record{UserID: "u1"}); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("wraps exec error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("connection refused")
		}}
		err := New(db).Insert(context.Background(), catalog.Record{UserID: "u", RequestID: "r", Path: "p"})
		if err == nil || !strings.Contains(err.Error(), "catalog/postgres: insert") {
			t.Errorf("err = %v", err)
		}
	})
}

func TestQuery(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotSQL string
	var gotArgs []any
	rows := &mockRows{data: [][]any{
		{"u1", "r2", "lab/knife/r2.png", "image/png", int64(7), ts.Add(time.Second), "lab", "knife"},
		{"u1", "r1", "lab/knife/r1.jpg", "image/jpeg", int64(9), ts, "lab", "knife"},
	}}
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotSQL, gotArgs = sql, args
		return rows, nil
	}}

	got, err := New(db).Query(context.Background(), catalog.Filter{UserID: "u1", Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(gotSQL, "WHERE user_id = $1 ORDER BY captured_at DESC, request_id DESC LIMIT $2") {
		t.Errorf("SQL = %s", gotSQL)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "u1" || gotArgs[1] != 2 {
		t.Errorf("args = %v", gotArgs)
	}
	if len(got) != 2 || got[0].RequestID != "r2" || got[1].Size != 9 {
		t.Errorf("records = %+v", got)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

func TestQuery_RowsError(t *testing.T) {
	t.Parallel()

	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: errors.New("broken pipe")}, nil
	}}
	if _, err := New(db).Query(context.Background(), catalog.Filter{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()

	up, err := fs.ReadFile(migrationsFS, "migrations/000001_create_captured_photos.up.sql")
	if err != nil {
		t.Fatalf("read up migration: %v", err)
	}
	if !strings.Contains(string(up), "CREATE TABLE IF NOT EXISTS "+catalog.TableName) {
		t.Error("up migration does not create the catalog table")
	}
	if _, err := fs.ReadFile(migrationsFS, "migrations/000001_create_captured_photos.down.sql"); err != nil {
		t.Errorf("read down migration: %v", err)
	}
}
