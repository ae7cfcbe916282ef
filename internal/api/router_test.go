package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lipish/xtrace/internal/auth"
	"github.com/lipish/xtrace/internal/config"
	"github.com/lipish/xtrace/internal/ratelimit"
)

func newTestRouter(t *testing.T, fs *fakeStore) http.Handler {
	t.Helper()
	return NewRouter(RouterOptions{
		AppVersion:       "test",
		Store:            fs,
		TraceWriter:      newTestTraceWriter(t, fs),
		MetricWriter:     newTestMetricWriter(t, fs),
		Authenticator:    auth.New(config.AuthConfig{BearerToken: "secret-token"}),
		Limiter:          ratelimit.New(20, 40),
		Observability:    nil,
		DefaultProjectID: "proj1",
		Log:              testLogger(),
	})
}

func TestRouterHealthzBypassesAuth(t *testing.T) {
	router := newTestRouter(t, newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestRouterRateLimitStatsBypassesAuth(t *testing.T) {
	router := newTestRouter(t, newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/api/internal/rate_limit_stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestRouterQueryRouteRequiresAuth(t *testing.T) {
	router := newTestRouter(t, newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/api/public/traces", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRouterQueryRouteSucceedsWithBearerToken(t *testing.T) {
	router := newTestRouter(t, newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/api/public/projects", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestRouterWriteRouteHasNoRateLimitButRequiresAuth(t *testing.T) {
	router := newTestRouter(t, newFakeStore())

	req := httptest.NewRequest(http.MethodPost, "/v1/l/traces", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRouterUnknownPathIsNotFound(t *testing.T) {
	router := newTestRouter(t, newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusNotFound)
	}
}
