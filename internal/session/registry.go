package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/dexter/internal/command"
	"github.com/MrWong99/dexter/internal/observe"
)

// Default scheduler parameters.
const (
	DefaultPollInterval     = 1 * time.Second
	DefaultFallbackInterval = 30 * time.Second
)

// Config holds the dependencies shared by every session of a [Registry].
type Config struct {
	// Interpreter classifies transcripts. Defaults to command.New().
	Interpreter *command.Interpreter

	// Ingestor stores delivered photos. Required.
	Ingestor Ingestor

	// Folders provisions scene/object namespaces. May be nil.
	Folders FolderProvisioner

	// PollInterval is the scheduler resolution. Defaults to 1s.
	PollInterval time.Duration

	// FallbackInterval is the gap enforced after a capture request until
	// the capture succeeds. Defaults to 30s.
	FallbackInterval time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now defaults to time.Now.
	Now func() time.Time

	// Go runs capture work. Defaults to starting a goroutine.
	Go func(func())
}

func (c *Config) applyDefaults() {
	if c.Interpreter == nil {
		c.Interpreter = command.New()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = DefaultFallbackInterval
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Go == nil {
		c.Go = func(f func()) { go f() }
	}
}

// Registry owns the live sessions, at most one per user. It is created by
// the server process and passed to everything that needs session access.
//
// All methods are safe for concurrent use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	inflight sync.WaitGroup
}

// NewRegistry returns an empty registry. cfg.Ingestor must be set.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Ingestor == nil {
		return nil, errors.New("session: registry requires an ingestor")
	}
	cfg.applyDefaults()
	return &Registry{cfg: cfg, sessions: make(map[string]*Session)}, nil
}

// ErrClosed is returned by [Registry.Start] after [Registry.Shutdown].
var ErrClosed = errors.New("session: registry is shut down")

// Start creates the session for userID and starts its capture loop. The
// loop runs until the session is stopped or ctx is cancelled. An existing
// session of the same user is stopped and replaced.
func (r *Registry) Start(ctx context.Context, userID string, dev Device) (*Session, error) {
	s := newSession(userID, dev, &r.cfg, &r.inflight)
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	prev := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()

	if prev != nil {
		slog.Info("replacing existing session", "user_id", userID)
		prev.stop(ctx)
		r.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	}

	r.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	go s.run(loopCtx)
	slog.Info("session started", "user_id", userID)
	return s, nil
}

// Stop stops s and removes it from the registry if it is still the user's
// current session. Stored history is not touched.
func (r *Registry) Stop(ctx context.Context, s *Session) {
	r.mu.Lock()
	current := r.sessions[s.userID] == s
	if current {
		delete(r.sessions, s.userID)
	}
	r.mu.Unlock()

	if !current {
		// Already replaced or stopped; stop is idempotent.
		s.stop(ctx)
		return
	}
	s.stop(ctx)
	r.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	slog.Info("session stopped", "user_id", s.userID)
}

// Get returns the current session of userID.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops every session, refuses new ones, and waits for in-flight
// captures to finish or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.Stop(ctx, s)
	}

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
