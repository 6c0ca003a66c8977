// Package sqlite implements catalog.Table on an embedded SQLite database
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/dexter/pkg/catalog"
)

// Schema is the DDL applied by [Open]. captured_at is stored as Unix
// nanoseconds so ordering is numeric.
const Schema = `
CREATE TABLE IF NOT EXISTS captured_photos (
    user_id     TEXT    NOT NULL,
    request_id  TEXT    NOT NULL,
    path        TEXT    NOT NULL,
    mime_type   TEXT    NOT NULL DEFAULT '',
    size        INTEGER NOT NULL DEFAULT 0,
    captured_at INTEGER NOT NULL,
    scene       TEXT    NOT NULL,
    object      TEXT    NOT NULL,
    PRIMARY KEY (user_id, request_id)
);
CREATE INDEX IF NOT EXISTS idx_captured_photos_user_time ON captured_photos (user_id, captured_at DESC);
CREATE INDEX IF NOT EXISTS idx_captured_photos_folder ON captured_photos (user_id, scene, object, captured_at DESC);
`

// Store is a [catalog.Table] backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ catalog.Table = (*Store)(nil)

// Open opens (creating if necessary) the database at path and applies
// [Schema]. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog/sqlite: open: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps an in-memory
	// database alive for the lifetime of the Store.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog/sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog/sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert upserts r keyed by (user_id, request_id).
func (s *Store) Insert(ctx context.Context, r catalog.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO captured_photos (
			user_id, request_id, path, mime_type, size, captured_at, scene, object
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, request_id) DO UPDATE SET
			path = excluded.path,
			mime_type = excluded.mime_type,
			size = excluded.size,
			captured_at = excluded.captured_at,
			scene = excluded.scene,
			object = excluded.object`,
		r.UserID, r.RequestID, r.Path, r.MimeType, r.Size, r.CapturedAt.UnixNano(), r.Scene, r.Object,
	)
	if err != nil {
		return fmt.Errorf("catalog/sqlite: insert %q: %w", r.RequestID, err)
	}
	return nil
}

// Query returns the records matching f.
func (s *Store) Query(ctx context.Context, f catalog.Filter) ([]catalog.Record, error) {
	where, args := f.Where(func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, request_id, path, mime_type, size, captured_at, scene, object
		FROM captured_photos`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog/sqlite: query: %w", err)
	}
	defer rows.Close()

	var out []catalog.Record
	for rows.Next() {
		var (
			r     catalog.Record
			nanos int64
		)
		if err := rows.Scan(&r.UserID, &r.RequestID, &r.Path, &r.MimeType, &r.Size, &nanos, &r.Scene, &r.Object); err != nil {
			return nil, fmt.Errorf("catalog/sqlite: scan: %w", err)
		}
		r.CapturedAt = time.Unix(0, nanos).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog/sqlite: rows: %w", err)
	}
	return out, nil
}
