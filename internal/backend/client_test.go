package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/agentlink/internal/apierr"
	"github.com/containerd/errdefs"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func TestDoSendsJSONAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/wallets" || r.URL.Query().Get("createDid") != "false" {
			t.Errorf("unexpected url %s", r.URL.String())
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["type"] != "agent" {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"wallet":{"account":{"id":"0.0.5"}}}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/api", time.Second, WithTokenSource(staticToken("tok")))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var out struct {
		Wallet struct {
			Account struct {
				ID string `json:"id"`
			} `json:"account"`
		} `json:"wallet"`
	}
	if err := c.Post(context.Background(), "wallets?createDid=false", map[string]string{"type": "agent"}, &out); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if out.Wallet.Account.ID != "0.0.5" {
		t.Fatalf("unexpected account id %q", out.Wallet.Account.ID)
	}
}

func TestDoClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   apierr.Kind
		msg    string
	}{
		{http.StatusUnauthorized, `{"message":"bad credentials"}`, apierr.KindAuth, "bad credentials"},
		{http.StatusNotFound, `{"error":"no such session"}`, apierr.KindNotFound, "no such session"},
		{http.StatusBadRequest, `{"message":["name required","url invalid"]}`, apierr.KindValidation, "name required; url invalid"},
		{http.StatusConflict, ``, apierr.KindBusiness, "Conflict"},
		{http.StatusBadGateway, `not json`, apierr.KindServer, "Bad Gateway"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))

		c, err := New(srv.URL, time.Second)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		err = c.Get(context.Background(), "x", nil)
		srv.Close()

		if apierr.KindOf(err) != tc.kind {
			t.Errorf("status %d: expected kind %v, got %v (%v)", tc.status, tc.kind, apierr.KindOf(err), err)
		}
		if got := apierr.Message(err); got != tc.msg {
			t.Errorf("status %d: expected message %q, got %q", tc.status, tc.msg, got)
		}
	}
}

func TestDoNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := New(url, time.Second)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = c.Get(context.Background(), "x", nil)
	if !errdefs.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestDoReturnsContextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := New(srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = c.Get(ctx, "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewRejectsBadScheme(t *testing.T) {
	if _, err := New("ftp://example.com", time.Second); err == nil {
		t.Fatal("expected error for ftp base url")
	}
}

func TestPathEscape(t *testing.T) {
	if got := PathEscape("sessions", "a/b", "x y"); got != "sessions/a%2Fb/x%20y" {
		t.Fatalf("unexpected escaped path %q", got)
	}
}
