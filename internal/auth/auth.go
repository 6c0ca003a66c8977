// Package auth resolves the caller's user identity from a static token
// table and carries it through the request context.
//
// A token is accepted from, in order of precedence, an
// "Authorization: Bearer <token>" header, a "token" query parameter, or the
// "dexter_token" cookie. The query and cookie forms exist for the viewer page
// and the device websocket, which cannot always set headers.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Token sources.
const (
	QueryParam = "token"
	CookieName = "dexter_token"
)

// ErrUnauthenticated is returned when a request carries no known token.
var ErrUnauthenticated = errors.New("auth: not authenticated")

// Token binds a secret to the user id it authenticates.
type Token struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
}

// Authenticator resolves a request to a user id.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Static authenticates against a fixed token table. It is read-only after
// construction and safe for concurrent use.
type Static struct {
	tokens []Token
}

var _ Authenticator = (*Static)(nil)

// NewStatic returns a Static authenticator. Entries with an empty token or
// user id are ignored.
func NewStatic(tokens []Token) *Static {
	s := &Static{}
	for _, t := range tokens {
		if t.Token == "" || t.UserID == "" {
			continue
		}
		s.tokens = append(s.tokens, t)
	}
	return s
}

// Authenticate returns the user id bound to the request's token. Every
// configured token is compared so the time taken does not reveal which one
// matched.
func (s *Static) Authenticate(r *http.Request) (string, error) {
	presented := TokenFromRequest(r)
	if presented == "" {
		return "", ErrUnauthenticated
	}
	var user string
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(t.Token)) == 1 {
			user = t.UserID
		}
	}
	if user == "" {
		return "", ErrUnauthenticated
	}
	return user, nil
}

// TokenFromRequest extracts the presented token, or "" when there is none.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get(QueryParam); token != "" {
		return token
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

type userKey struct{}

// WithUser returns a copy of ctx carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user id stored by [WithUser].
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// Require wraps next so that it only runs for authenticated requests. The
// resolved user id is stored in the request context. Unauthenticated
// requests are handed to deny, which must write a 401 response.
func Require(a Authenticator, deny http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := a.Authenticate(r)
			if err != nil {
				deny.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
