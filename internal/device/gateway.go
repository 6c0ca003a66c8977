package device

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/dexter/internal/auth"
	"github.com/MrWong99/dexter/internal/observe"
	"github.com/MrWong99/dexter/internal/session"
)

// Sessions is the registry view the gateway needs. *session.Registry
// implements it.
type Sessions interface {
	Start(ctx context.Context, userID string, dev session.Device) (*session.Session, error)
	Stop(ctx context.Context, s *session.Session)
}

var _ Sessions = (*session.Registry)(nil)

// GatewayConfig configures a [Gateway].
type GatewayConfig struct {
	// RequestTimeout bounds each photo request. Defaults to
	// [DefaultRequestTimeout].
	RequestTimeout time.Duration

	// ReadLimit bounds a single inbound frame. Defaults to
	// [DefaultReadLimit].
	ReadLimit int64

	// OriginPatterns are passed to websocket.AcceptOptions.
	OriginPatterns []string
}

// Gateway accepts device websockets and binds each one to a session of the
// authenticated user. Connecting again replaces the user's previous session.
type Gateway struct {
	sessions Sessions
	cfg      GatewayConfig

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// NewGateway returns a gateway starting sessions in sessions.
func NewGateway(sessions Sessions, cfg GatewayConfig) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	return &Gateway{sessions: sessions, cfg: cfg, conns: make(map[*Conn]struct{})}
}

// ServeHTTP upgrades the request and serves the device until it disconnects.
// The request must already carry an identity, see [auth.Require].
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	log := observe.Logger(r.Context()).With("user_id", userID)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.cfg.OriginPatterns})
	if err != nil {
		log.Warn("device websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(g.cfg.ReadLimit)

	conn := NewConn(ws, WithRequestTimeout(g.cfg.RequestTimeout), WithLogger(log))
	if !g.track(conn) {
		_ = conn.Close(websocket.StatusTryAgainLater, "server shutting down")
		return
	}
	defer g.untrack(conn)

	ctx := r.Context()
	sess, err := g.sessions.Start(ctx, userID, conn)
	if err != nil {
		log.Warn("session start refused", "err", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "server shutting down")
		return
	}
	log.Info("device connected")

	// A newer connection of the same user stops this session; drop the
	// socket so the old device stops talking to a dead session.
	served := make(chan struct{})
	replaced := make(chan struct{})
	go func() {
		select {
		case <-served:
		case <-sess.Stopped():
			close(replaced)
			_ = conn.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
		}
	}()

	serveErr := conn.Serve(ctx, sess)
	close(served)
	select {
	case <-replaced:
		log.Info("device replaced by a newer connection")
		return
	default:
	}
	g.sessions.Stop(context.WithoutCancel(ctx), sess)
	if serveErr != nil {
		log.Warn("device disconnected", "err", serveErr)
		_ = conn.Close(websocket.StatusInternalError, "read failed")
		return
	}
	log.Info("device disconnected")
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// Close disconnects every device and refuses new connections.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(websocket.StatusGoingAway, "server shutting down"); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		slog.Debug("closing device connections", "err", errors.Join(errs...))
	}
	return nil
}

// Connected returns the number of live device connections.
func (g *Gateway) Connected() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) track(c *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c] = struct{}{}
	return true
}

func (g *Gateway) untrack(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}
