package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/moorgate-io/moorgate/internal/database"
)

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := TokenFromRequest(r); got != "" {
		t.Errorf("token = %q, want empty", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := TokenFromRequest(r); got != "abc123" {
		t.Errorf("token = %q, want header value", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "moorgate_token", Value: "cookie-token"})
	if got := TokenFromRequest(r); got != "cookie-token" {
		t.Errorf("token = %q, want cookie value", got)
	}

	// Header wins over cookie.
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	r.AddCookie(&http.Cookie{Name: "moorgate_token", Value: "cookie-token"})
	if got := TokenFromRequest(r); got != "header-token" {
		t.Errorf("token = %q, want header to win", got)
	}
}

func TestGetUser(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if GetUser(r) != nil {
		t.Error("GetUser on bare request should be nil")
	}

	user := &database.User{ID: 5, Username: "tester", Role: "user"}
	r = WithUserForTest(r, user)
	got := GetUser(r)
	if got == nil || got.ID != 5 {
		t.Errorf("GetUser() = %+v", got)
	}
}

func TestRequireAdmin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireAdmin(next)

	rec := httptest.NewRecorder()
	r := WithUserForTest(httptest.NewRequest(http.MethodGet, "/", nil),
		&database.User{ID: 1, Role: "user"})
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	r = WithUserForTest(httptest.NewRequest(http.MethodGet, "/", nil),
		&database.User{ID: 1, Role: "admin"})
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("anonymous status = %d, want 403", rec.Code)
	}
}
