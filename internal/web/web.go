// Package web exposes the HTTP surface: the capture API, the viewer page,
// the device websocket, and the operational endpoints.
//
//	GET /api/latest-photo        newest capture with a signed URL
//	GET /api/photo/{requestId}   capture bytes
//	GET /api/captures            records of a scene/object, newest first
//	GET /api/session             live session state
//	GET /webview                 viewer page
//	GET /ws/device               device websocket
//	GET /blobs/{path...}         signed local blob URLs (local storage only)
//	GET /healthz, /readyz        liveness and readiness
//	GET /metrics                 Prometheus scrape
//
// Every /api, /webview and /ws route resolves the caller's identity before
// any storage is touched and answers 401 without one.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/dexter/internal/auth"
	"github.com/MrWong99/dexter/internal/command"
	"github.com/MrWong99/dexter/internal/health"
	"github.com/MrWong99/dexter/internal/observe"
	"github.com/MrWong99/dexter/internal/query"
	"github.com/MrWong99/dexter/internal/session"
	"github.com/MrWong99/dexter/pkg/catalog"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// DefaultWebviewRefresh is how often the viewer page reloads itself.
const DefaultWebviewRefresh = 5 * time.Second

// Queries answers capture lookups. *query.Service implements it.
type Queries interface {
	LatestPhoto(ctx context.Context, userID string) (query.Latest, error)
	PhotoByID(ctx context.Context, userID, requestID string) (query.Photo, error)
	ListCaptures(ctx context.Context, userID, scene, object string, limit int) ([]catalog.Record, error)
}

// Sessions looks up live sessions. *session.Registry implements it.
type Sessions interface {
	Get(userID string) (*session.Session, bool)
}

var (
	_ Queries  = (*query.Service)(nil)
	_ Sessions = (*session.Registry)(nil)
)

// Config holds the handlers and services the server routes to. Auth and
// Queries are required; the rest are optional and their routes are omitted
// when nil.
type Config struct {
	Auth     auth.Authenticator
	Queries  Queries
	Sessions Sessions

	// Devices serves /ws/device.
	Devices http.Handler

	// Blobs serves /blobs/{path...}. It must verify its own signatures.
	Blobs http.Handler

	Health  *health.Handler
	Scrape  http.Handler
	Metrics *observe.Metrics

	// WebviewRefresh defaults to [DefaultWebviewRefresh].
	WebviewRefresh time.Duration
}

// Server routes HTTP requests.
type Server struct {
	cfg Config
}

// New returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Auth == nil || cfg.Queries == nil {
		return nil, errors.New("web: auth and queries are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.WebviewRefresh <= 0 {
		cfg.WebviewRefresh = DefaultWebviewRefresh
	}
	return &Server{cfg: cfg}, nil
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	api := auth.Require(s.cfg.Auth, http.HandlerFunc(apiUnauthorized))
	page := auth.Require(s.cfg.Auth, http.HandlerFunc(pageUnauthorized))

	mux.Handle("GET /api/latest-photo", api(http.HandlerFunc(s.latestPhoto)))
	mux.Handle("GET /api/photo/{requestId}", api(http.HandlerFunc(s.photoByID)))
	mux.Handle("GET /api/captures", api(http.HandlerFunc(s.listCaptures)))
	mux.Handle("GET /api/session", api(http.HandlerFunc(s.sessionState)))
	mux.Handle("GET /webview", page(http.HandlerFunc(s.webview)))

	if s.cfg.Devices != nil {
		mux.Handle("GET /ws/device", api(s.cfg.Devices))
	}
	if s.cfg.Blobs != nil {
		mux.Handle("GET /blobs/{path...}", s.cfg.Blobs)
	}
	if s.cfg.Health != nil {
		s.cfg.Health.Register(mux)
	}
	if s.cfg.Scrape != nil {
		mux.Handle("GET /metrics", s.cfg.Scrape)
	}

	return observe.Middleware(s.cfg.Metrics)(mux)
}

func (s *Server) latestPhoto(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	latest, err := s.cfg.Queries.LatestPhoto(r.Context(), user)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) photoByID(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	photo, err := s.cfg.Queries.PhotoByID(r.Context(), user, r.PathValue("requestId"))
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	// Stored mime types come from the device; only images are served as such.
	contentType := photo.MimeType
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Length", strconv.Itoa(len(photo.Data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	_, _ = w.Write(photo.Data)
}

type capturesResponse struct {
	Scene    string           `json:"scene,omitempty"`
	Object   string           `json:"object,omitempty"`
	Captures []catalog.Record `json:"captures"`
}

func (s *Server) listCaptures(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	q := r.URL.Query()
	scene, object := command.Label(q.Get("scene")), command.Label(q.Get("object"))

	var limit int
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := s.cfg.Queries.ListCaptures(r.Context(), user, scene, object, limit)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	if recs == nil {
		recs = []catalog.Record{}
	}
	writeJSON(w, http.StatusOK, capturesResponse{Scene: scene, Object: object, Captures: recs})
}

func (s *Server) sessionState(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	if s.cfg.Sessions == nil {
		writeError(w, http.StatusNotFound, "no connected device")
		return
	}
	sess, ok := s.cfg.Sessions.Get(user)
	if !ok {
		writeError(w, http.StatusNotFound, "no connected device")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type webviewData struct {
	UserID         string
	RefreshSeconds int
	Latest         *query.Latest
	Session        *session.State
}

func (s *Server) webview(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	data := webviewData{UserID: user, RefreshSeconds: int(s.cfg.WebviewRefresh.Seconds())}

	latest, err := s.cfg.Queries.LatestPhoto(r.Context(), user)
	switch {
	case err == nil:
		data.Latest = &latest
	case errors.Is(err, query.ErrNotFound):
	default:
		observe.Logger(r.Context()).Error("webview lookup failed", "user_id", user, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.cfg.Sessions != nil {
		if sess, ok := s.cfg.Sessions.Get(user); ok {
			st := sess.Snapshot()
			data.Session = &st
		}
	}

	// A token given on the URL becomes a cookie so the page can refresh
	// itself from a clean URL.
	if token := r.URL.Query().Get(auth.QueryParam); token != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     auth.CookieName,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := templates.ExecuteTemplate(w, "webview.html", data); err != nil {
		slog.Warn("render webview", "err", err)
	}
}

func apiUnauthorized(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="dexter"`)
	writeError(w, http.StatusUnauthorized, "not authenticated")
}

func pageUnauthorized(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	if err := templates.ExecuteTemplate(w, "unauthorized.html", nil); err != nil {
		slog.Warn("render unauthorized page", "err", err)
	}
}

func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	observe.Logger(r.Context()).Error("query failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
