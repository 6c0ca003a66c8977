// Package resilience guards remote storage with a circuit breaker.
//
// [Breaker] is a three-state breaker (closed, open, half-open). [BlobStore]
// wraps a [blob.Store] so that a failing backend is short-circuited instead
// of holding every capture goroutine for a full network timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. A failed
	// probe re-opens the breaker; enough successful ones close it.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults applied by [NewBreaker].
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default:
	// [DefaultResetTimeout].
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes allowed, and the number of
	// successes required to close again. Default: [DefaultHalfOpenMax].
	HalfOpenMax int

	// IsFailure decides whether an error counts against the backend.
	// Default: every non-nil error except context cancellation.
	IsFailure func(error) bool

	// Now defaults to time.Now.
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probes        int
	probeSuccesses int
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = isFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

func isFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the breaker is open, in which case it returns
// [ErrCircuitOpen] without calling fn. fn's error is returned unchanged.
func (b *Breaker) Execute(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.IsFailure(err) {
		b.failure(probe)
	} else {
		b.success(probe)
	}
	return err
}

// admit reports whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes, b.probeSuccesses = 0, 0
		slog.Info("circuit breaker half-open", "name", b.cfg.Name)
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// failure must be called with b.mu held.
func (b *Breaker) failure(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.open()
		slog.Warn("circuit breaker re-opened", "name", b.cfg.Name)
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.open()
		slog.Warn("circuit breaker opened", "name", b.cfg.Name, "consecutive_failures", b.failures)
	}
}

// success must be called with b.mu held.
func (b *Breaker) success(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.probeSuccesses++
	if b.probeSuccesses >= b.cfg.HalfOpenMax {
		b.state = StateClosed
		b.failures = 0
		slog.Info("circuit breaker closed", "name", b.cfg.Name)
	}
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.cfg.Now()
	b.failures = 0
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probes, b.probeSuccesses = 0, 0
	slog.Info("circuit breaker reset", "name", b.cfg.Name)
}
