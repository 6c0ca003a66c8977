// Package app wires all dexter subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject test doubles via functional options (WithTable,
// WithBlobStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dexter/internal/auth"
	"github.com/MrWong99/dexter/internal/command"
	"github.com/MrWong99/dexter/internal/config"
	"github.com/MrWong99/dexter/internal/device"
	"github.com/MrWong99/dexter/internal/health"
	"github.com/MrWong99/dexter/internal/ingest"
	"github.com/MrWong99/dexter/internal/observe"
	"github.com/MrWong99/dexter/internal/query"
	"github.com/MrWong99/dexter/internal/resilience"
	"github.com/MrWong99/dexter/internal/session"
	"github.com/MrWong99/dexter/internal/web"
	"github.com/MrWong99/dexter/pkg/blob"
	"github.com/MrWong99/dexter/pkg/blob/localfs"
	"github.com/MrWong99/dexter/pkg/blob/supabase"
	"github.com/MrWong99/dexter/pkg/catalog"
	"github.com/MrWong99/dexter/pkg/catalog/postgres"
	"github.com/MrWong99/dexter/pkg/catalog/sqlite"
)

// shutdownTimeout bounds the shutdown Run performs on cancellation.
const shutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	table    catalog.Table
	blobs    blob.Store
	metrics  *observe.Metrics
	scrape   http.Handler
	registry *session.Registry
	gateway  *device.Gateway
	health   *health.Handler
	handler  http.Handler
	server   *http.Server
	listener net.Listener

	checkers []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTable injects a catalog table instead of opening one from config.
func WithTable(t catalog.Table) Option {
	return func(a *App) { a.table = t }
}

// WithBlobStore injects a blob store instead of creating one from config.
func WithBlobStore(s blob.Store) Option {
	return func(a *App) { a.blobs = s }
}

// WithMetrics injects the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithScrapeHandler sets the handler served on /metrics. Defaults to
// [observe.MetricsHandler].
func WithScrapeHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: catalog connection and
// migration, blob store setup, and HTTP route assembly.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = observe.MetricsHandler()
	}

	// ── 1. Catalog ───────────────────────────────────────────────────────
	if err := a.initCatalog(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 2. Blob store ────────────────────────────────────────────────────
	if err := a.initBlobs(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init blob store: %w", err)
	}

	// ── 3. Sessions ──────────────────────────────────────────────────────
	if err := a.initSessions(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// OpenStorage opens only the catalog table and blob store cfg selects. The
// returned close func releases them. Offline tools use it instead of [New].
func OpenStorage(ctx context.Context, cfg *config.Config) (catalog.Table, blob.Store, func(), error) {
	a := &App{cfg: cfg}
	if err := a.initCatalog(ctx); err != nil {
		a.closeAll()
		return nil, nil, nil, fmt.Errorf("app: init catalog: %w", err)
	}
	if err := a.initBlobs(); err != nil {
		a.closeAll()
		return nil, nil, nil, fmt.Errorf("app: init blob store: %w", err)
	}
	return a.table, a.blobs, a.closeAll, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCatalog opens the configured metadata table or uses an injected one.
func (a *App) initCatalog(ctx context.Context) error {
	if a.table != nil {
		return nil
	}

	switch a.cfg.Catalog.Backend {
	case config.CatalogPostgres:
		if a.cfg.Catalog.Migrate {
			if err := postgres.RunMigrations(a.cfg.Catalog.PostgresDSN); err != nil {
				return err
			}
		}
		pool, err := postgres.NewPool(ctx, a.cfg.Catalog.PostgresDSN)
		if err != nil {
			return err
		}
		a.table = postgres.New(pool)
		a.checkers = append(a.checkers, health.Checker{Name: "catalog", Check: pool.Ping})
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		slog.Info("catalog connected", "backend", "postgres")

	case config.CatalogSQLite:
		if path := a.cfg.Catalog.SQLitePath; path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
		}
		store, err := sqlite.Open(ctx, a.cfg.Catalog.SQLitePath)
		if err != nil {
			return err
		}
		a.table = store
		a.checkers = append(a.checkers, health.Checker{Name: "catalog", Check: store.Ping})
		a.closers = append(a.closers, store.Close)
		slog.Info("catalog opened", "backend", "sqlite", "path", a.cfg.Catalog.SQLitePath)

	default:
		return fmt.Errorf("unknown catalog backend %q", a.cfg.Catalog.Backend)
	}
	return nil
}

// initBlobs creates the configured blob store or uses an injected one.
func (a *App) initBlobs() error {
	if a.blobs != nil {
		return nil
	}

	sc := a.cfg.Storage
	switch sc.Backend {
	case config.StorageSupabase:
		store, err := supabase.New(sc.Supabase.URL, sc.Supabase.ServiceKey, sc.Bucket)
		if err != nil {
			return err
		}
		guarded := resilience.NewBlobStore(store, resilience.BreakerConfig{Name: "supabase"})
		a.blobs = guarded
		a.checkers = append(a.checkers,
			health.Checker{Name: "blob", Check: store.Ping},
			health.Checker{Name: "blob_breaker", Check: guarded.Check},
		)
		slog.Info("blob store configured", "backend", "supabase", "bucket", sc.Bucket)

	case config.StorageLocal:
		store, err := localfs.New(sc.Local.Root, sc.Bucket, a.cfg.Server.PublicURL, []byte(sc.Local.SigningKey))
		if err != nil {
			return err
		}
		a.blobs = store
		a.checkers = append(a.checkers, health.Checker{Name: "blob", Check: store.Ping})
		slog.Info("blob store configured", "backend", "local", "root", sc.Local.Root, "bucket", sc.Bucket)

	default:
		return fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
	return nil
}

// initSessions builds the ingestion pipeline, the session registry and the
// device gateway.
func (a *App) initSessions() error {
	var interpOpts []command.Option
	interpOpts = append(interpOpts, command.WithWakeWord(a.cfg.Commands.WakeWord))
	if a.cfg.Commands.PhoneticWakeWord {
		interpOpts = append(interpOpts, command.WithPhoneticWakeWord(command.NewWakeWordMatcher(0)))
	}

	reg, err := session.NewRegistry(session.Config{
		Interpreter:      command.New(interpOpts...),
		Ingestor:         ingest.New(a.blobs, a.table, ingest.WithMetrics(a.metrics)),
		Folders:          a.blobs,
		PollInterval:     a.cfg.Capture.PollInterval,
		FallbackInterval: a.cfg.Capture.FallbackInterval,
		Metrics:          a.metrics,
	})
	if err != nil {
		return err
	}
	a.registry = reg
	a.gateway = device.NewGateway(reg, device.GatewayConfig{
		RequestTimeout: a.cfg.Capture.RequestTimeout,
		OriginPatterns: a.cfg.Server.AllowedOrigins,
	})
	return nil
}

// initHTTP assembles the route table and the server.
func (a *App) initHTTP() error {
	a.health = health.New(a.checkers...)

	var blobHandler http.Handler
	if h, ok := a.blobs.(interface{ Handler() http.Handler }); ok {
		blobHandler = h.Handler()
	}

	srv, err := web.New(web.Config{
		Auth:     auth.NewStatic(a.cfg.Auth.Tokens),
		Queries:  query.New(a.table, a.blobs, query.WithSignedURLTTL(a.cfg.Storage.SignedURLTTL)),
		Sessions: a.registry,
		Devices:  a.gateway,
		Blobs:    blobHandler,
		Health:   a.health,
		Scrape:   a.scrape,
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}
	a.handler = srv.Handler()
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Handler returns the application's HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the live session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails. On
// cancellation it performs a graceful [App.Shutdown] before returning.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	slog.Info("http server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. Readiness fails first, then devices
// are disconnected, in-flight captures are awaited, the HTTP server stops,
// and finally the storage connections close. If ctx expires before all
// steps finish, remaining steps are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "devices", a.gateway.Connected(), "sessions", a.registry.Len())
		a.health.SetDraining()

		if err := a.gateway.Close(); err != nil {
			slog.Warn("device gateway close error", "err", err)
		}
		if err := a.registry.Shutdown(ctx); err != nil {
			slog.Warn("in-flight captures did not finish", "err", err)
			shutdownErr = err
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what a failed New already opened.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}

// Summary returns a one-line description of the configured backends for
// startup logging.
func Summary(cfg *config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "storage=%s bucket=%s catalog=%s wake_word=%s",
		cfg.Storage.Backend, cfg.Storage.Bucket, cfg.Catalog.Backend, cfg.Commands.WakeWord)
	if cfg.Commands.PhoneticWakeWord {
		b.WriteString(" phonetic")
	}
	fmt.Fprintf(&b, " users=%d", len(cfg.Auth.Tokens))
	return b.String()
}
