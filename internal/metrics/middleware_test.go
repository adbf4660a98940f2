package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		r.Post("/campaigns/{id}/start", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		})
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})
	})
	return r
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := newRouter()
	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/campaigns/a/start", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if v := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/campaigns/{id}", "404")); v != 2 {
		t.Errorf("requests = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/health", "200")); v != 1 {
		t.Errorf("implicit 200 requests = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("not_found")); v != 2 {
		t.Errorf("not_found errors = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("stale_transition")); v != 1 {
		t.Errorf("stale_transition errors = %v, want 1", v)
	}
}

func TestHTTPMiddlewareUnmatchedRoutes(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := newRouter()
	for _, path := range []string{"/nope", "/api/v1/nope/550e8400-e29b-41d4-a716-446655440000", "/api/v1/x"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if v := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404")); v != 3 {
		t.Errorf("unmatched requests = %v, want 3", v)
	}
}

func TestHTTPMiddlewareNoMetrics(t *testing.T) {
	SetGlobal(nil)

	wrapped := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestErrorKind(t *testing.T) {
	tests := map[int]string{
		400: "validation",
		401: "unauthorized",
		404: "not_found",
		409: "stale_transition",
		500: "internal",
		503: "internal",
		405: "other",
	}
	for status, want := range tests {
		if got := errorKind(status); got != want {
			t.Errorf("errorKind(%d) = %q, want %q", status, got, want)
		}
	}
}
