package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/engine"
)

func TestAuthMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		apiKey string
		auth   string
		owner  string
		want   int
	}{
		{"no key configured", "", "", "u", http.StatusNoContent},
		{"missing owner", "", "", "", http.StatusUnauthorized},
		{"valid key", "secret", "Bearer secret", "u", http.StatusNoContent},
		{"lowercase scheme", "secret", "bearer secret", "u", http.StatusNoContent},
		{"wrong key", "secret", "Bearer nope", "u", http.StatusUnauthorized},
		{"missing key", "secret", "", "u", http.StatusUnauthorized},
		{"basic auth", "secret", "Basic c2VjcmV0", "u", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/boxes", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.owner != "" {
				req.Header.Set(OwnerHeader, tt.owner)
			}
			w := httptest.NewRecorder()

			AuthMiddleware(tt.apiKey)(inner).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if w.Code == http.StatusUnauthorized {
				var body errorResponse
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Error.Code != codeUnauthenticated {
					t.Errorf("body = %+v, %v", body.Error, err)
				}
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Errorf("panic value leaked: %s", w.Body.String())
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t, "secret")

	// Unauthenticated routes stay reachable with an API key configured.
	resp, err := http.Get(ts.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	// Generate one API request for the counter.
	req, _ := http.NewRequest(http.MethodGet, ts.server.URL+"/v1/boxes", nil)
	req.Header.Set(OwnerHeader, "u")
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/boxes failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/v1/boxes status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if !strings.Contains(string(body), `froyobox_http_requests_total{method="GET",route="GET /v1/boxes",status="200"} 1`) {
		t.Errorf("metrics output lacks the request counter:\n%s", body)
	}
}

func TestHealthzNotReady(t *testing.T) {
	router := NewRouter(RouterConfig{
		Logger: zerolog.Nop(),
		Ready:  func(*http.Request) error { return errors.New("database unavailable") },
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestPublicError(t *testing.T) {
	err := engine.NotFoundError("box", "b-1")
	got := publicError(err)
	if got.Code != engine.ErrCodeNotFound || got.Resource != "b-1" {
		t.Errorf("publicError() = %+v", got)
	}

	got = publicError(engine.InternalError("query failed", errors.New("disk I/O error")))
	if got.Message != "internal error" {
		t.Errorf("internal message = %q", got.Message)
	}
}
