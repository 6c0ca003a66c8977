// Package postgres implements catalog.Table on PostgreSQL using pgx.
//
// The schema is versioned with golang-migrate; migrations are embedded in the
// binary and applied by [RunMigrations] at startup.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/dexter/pkg/catalog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [catalog.Table] backed by PostgreSQL.
type Store struct {
	db DB
}

var _ catalog.Table = (*Store)(nil)

// New returns a Store using db. The schema must already be migrated.
func New(db DB) *Store {
	return &Store{db: db}
}

// NewPool opens and pings a connection pool for dsn.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog/postgres: parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog/postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog/postgres: ping: %w", err)
	}
	return pool, nil
}

// RunMigrations applies all pending up migrations to the database at dsn.
func RunMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("catalog/postgres: migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("catalog/postgres: migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("catalog/postgres: migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	slog.Info("catalog migrations applied", "version", version, "dirty", dirty)
	return nil
}

// Insert upserts r keyed by (user_id, request_id).
func (s *Store) Insert(ctx context.Context, r catalog.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	const query = `
		INSERT INTO captured_photos (
			user_id, request_id, path, mime_type, size, captured_at, scene, object
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id, request_id) DO UPDATE SET
			path = EXCLUDED.path,
			mime_type = EXCLUDED.mime_type,
			size = EXCLUDED.size,
			captured_at = EXCLUDED.captured_at,
			scene = EXCLUDED.scene,
			object = EXCLUDED.object`

	_, err := s.db.Exec(ctx, query,
		r.UserID, r.RequestID, r.Path, r.MimeType, r.Size, r.CapturedAt.UTC(), r.Scene, r.Object,
	)
	if err != nil {
		return fmt.Errorf("catalog/postgres: insert %q: %w", r.RequestID, err)
	}
	return nil
}

// Query returns the records matching f.
func (s *Store) Query(ctx context.Context, f catalog.Filter) ([]catalog.Record, error) {
	where, args := f.Where(func(n int) string { return "$" + strconv.Itoa(n) })
	query := `
		SELECT user_id, request_id, path, mime_type, size, captured_at, scene, object
		FROM captured_photos` + where

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog/postgres: query: %w", err)
	}
	defer rows.Close()

	var out []catalog.Record
	for rows.Next() {
		var r catalog.Record
		if err := rows.Scan(
			&r.UserID, &r.RequestID, &r.Path, &r.MimeType, &r.Size, &r.CapturedAt, &r.Scene, &r.Object,
		); err != nil {
			return nil, fmt.Errorf("catalog/postgres: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog/postgres: rows: %w", err)
	}
	return out, nil
}
