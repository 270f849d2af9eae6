package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/karmalink/backend/internal/config"
)

func newProviderServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse token form: %v", err)
		}
		if r.PostFormValue("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`)) //nolint:errcheck
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"token-123","token_type":"bearer"}`)) //nolint:errcheck
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Authorization"), "token-123") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"prov-1","name":"alice","link_karma":5000,"created_utc":1500000000}`)) //nolint:errcheck
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestExchanger(server *httptest.Server) *Exchanger {
	return NewExchanger(config.OAuthConfig{
		ClientID:     "client-1",
		ClientSecret: "hush",
		AuthorizeURL: server.URL + "/authorize",
		TokenURL:     server.URL + "/token",
		ProfileURL:   server.URL + "/me",
		CallbackURL:  "https://bot.example/auth/callback",
	})
}

func TestExchangeFetchesProfile(t *testing.T) {
	server := newProviderServer(t)
	exchanger := newTestExchanger(server)

	profile, err := exchanger.Exchange(context.Background(), "good-code")
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if profile.ProviderID != "prov-1" || profile.DisplayName != "alice" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.Karma != 5000 {
		t.Fatalf("expected karma 5000, got %d", profile.Karma)
	}
	if profile.CreatedAt.Unix() != 1_500_000_000 {
		t.Fatalf("unexpected account creation time: %v", profile.CreatedAt)
	}
	if profile.RawJSON == "" {
		t.Fatal("expected the raw profile document to be retained")
	}
}

func TestExchangeRejectsBadCode(t *testing.T) {
	server := newProviderServer(t)
	exchanger := newTestExchanger(server)

	if _, err := exchanger.Exchange(context.Background(), "bad-code"); err == nil {
		t.Fatal("expected a rejected code to fail the exchange")
	}
}

func TestExchangeRejectsProfileWithoutID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"token-123","token_type":"bearer"}`)) //nolint:errcheck
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"ghost"}`)) //nolint:errcheck
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	exchanger := newTestExchanger(server)
	if _, err := exchanger.Exchange(context.Background(), "good-code"); err == nil {
		t.Fatal("expected a profile without an id to be rejected")
	}
}
