package auth_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/dexter/internal/auth"
)

func newStatic() *auth.Static {
	return auth.NewStatic([]auth.Token{
		{Token: "alpha-secret", UserID: "ryan@example.com"},
		{Token: "beta-secret", UserID: "sam@example.com"},
		{Token: "", UserID: "ignored@example.com"},
	})
}

func TestStatic_Authenticate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(r *http.Request)
		wantUser string
		wantErr  bool
	}{
		{
			name:     "bearer header",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer alpha-secret") },
			wantUser: "ryan@example.com",
		},
		{
			name:     "bearer scheme is case insensitive",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "bearer beta-secret") },
			wantUser: "sam@example.com",
		},
		{
			name:     "query parameter",
			setup:    func(r *http.Request) { r.URL.RawQuery = "token=beta-secret" },
			wantUser: "sam@example.com",
		},
		{
			name:     "cookie",
			setup:    func(r *http.Request) { r.AddCookie(&http.Cookie{Name: auth.CookieName, Value: "alpha-secret"}) },
			wantUser: "ryan@example.com",
		},
		{
			name: "header wins over query",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer alpha-secret")
				r.URL.RawQuery = "token=beta-secret"
			},
			wantUser: "ryan@example.com",
		},
		{
			name:    "unknown token",
			setup:   func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") },
			wantErr: true,
		},
		{
			name:    "basic scheme rejected",
			setup:   func(r *http.Request) { r.Header.Set("Authorization", "Basic YWxwaGE=") },
			wantErr: true,
		},
		{
			name:    "no token",
			setup:   func(*http.Request) {},
			wantErr: true,
		},
		{
			name:    "empty token entry never matches",
			setup:   func(r *http.Request) { r.URL.RawQuery = "token=" },
			wantErr: true,
		},
	}

	a := newStatic()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/api/latest-photo", nil)
			tt.setup(r)

			user, err := a.Authenticate(r)
			if tt.wantErr {
				if !errors.Is(err, auth.ErrUnauthenticated) {
					t.Errorf("err = %v, want ErrUnauthenticated", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if user != tt.wantUser {
				t.Errorf("user = %q, want %q", user, tt.wantUser)
			}
		})
	}
}

func TestRequire(t *testing.T) {
	t.Parallel()

	var reached bool
	var gotUser string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		gotUser, _ = auth.UserFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	deny := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	h := auth.Require(newStatic(), deny)(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/latest-photo", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}
	if reached {
		t.Fatal("handler reached without a token")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/latest-photo", nil)
	req.Header.Set("Authorization", "Bearer alpha-secret")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("authenticated status = %d, want 204", rec.Code)
	}
	if gotUser != "ryan@example.com" {
		t.Errorf("user in context = %q", gotUser)
	}
}

func TestUserFrom_Empty(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := auth.UserFrom(r.Context()); ok {
		t.Error("UserFrom reported a user on a bare context")
	}
	if _, ok := auth.UserFrom(auth.WithUser(r.Context(), "")); ok {
		t.Error("UserFrom accepted an empty user id")
	}
}
