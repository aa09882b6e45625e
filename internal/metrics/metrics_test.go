package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/bets/{betID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/bets/{betID}", "404"))
	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest("GET", "/api/v1/bets/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/bets/{betID}", "404"))

	if after-before != 3 {
		t.Errorf("expected 3 requests under one pattern label, got %v", after-before)
	}
}

func TestObserveProvider(t *testing.T) {
	before := testutil.ToFloat64(ProviderCalls.WithLabelValues("escrow.com", "release", "timeout"))
	ObserveProvider("escrow.com", "release", "timeout", time.Now())
	after := testutil.ToFloat64(ProviderCalls.WithLabelValues("escrow.com", "release", "timeout"))

	if after-before != 1 {
		t.Errorf("expected counter to advance by 1, got %v", after-before)
	}
}
