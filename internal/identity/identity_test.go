package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)
	token, err := issuer.Issue("u1", "alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if claims.Subject != "u1" || claims.Username != "alice" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := NewIssuer("other", time.Minute).Parse(token); err == nil {
		t.Fatal("expected signature mismatch to fail")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := issuer.Issue("u1", "alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := NewIssuer("secret", time.Minute).Parse(token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestMiddleware(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)
	var gotUser, gotName string
	h := Middleware(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotName = UsernameFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, _ := issuer.Issue("u1", "alice")
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if gotUser != "u1" || gotName != "alice" {
		t.Fatalf("unexpected context identity %q %q", gotUser, gotName)
	}
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	if got := IPFromRequest(req); got != "10.1.2.3" {
		t.Errorf("expected host without port, got %q", got)
	}
	req.RemoteAddr = "pipe"
	if got := IPFromRequest(req); got != "pipe" {
		t.Errorf("expected raw remote addr, got %q", got)
	}
}
