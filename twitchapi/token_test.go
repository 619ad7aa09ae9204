package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/veilstream/hypebot/testutil"
)

func TestTokenSourceCachesToken(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := &TokenSource{
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}

	for i := 0; i < 3; i++ {
		tok, err := ts.Get(context.Background())
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if tok != "fresh-token" {
			t.Fatalf("Get() = %q", tok)
		}
	}
	if requests != 1 {
		t.Fatalf("token endpoint hit %d times, want 1 (cached)", requests)
	}
}

func TestTokenSourceRefreshesNearExpiry(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("replacement", 3600)

	ts := &TokenSource{
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      m.URL,
		}},
	}
	// Inside the one-minute buffer; must refresh.
	ts.SetToken("stale", time.Now().Add(30*time.Second))

	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "replacement" {
		t.Fatalf("Get() = %q, want refreshed token", tok)
	}
}

func TestTokenSourceMissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error without client id/secret")
	}
}

func TestComputeExpiry(t *testing.T) {
	if got := ComputeExpiry(0); time.Until(got) < 59*time.Minute {
		t.Errorf("ComputeExpiry(0) = %v, want ~60m default", got)
	}
	got := ComputeExpiry(120)
	if d := time.Until(got); d < 115*time.Second || d > 125*time.Second {
		t.Errorf("ComputeExpiry(120) off by too much: %v", d)
	}
}
