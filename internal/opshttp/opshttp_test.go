package opshttp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeHealth struct{ complete bool }

func (f fakeHealth) InitialLoadComplete() bool { return f.complete }

func TestHealthzReflectsReadiness(t *testing.T) {
	registry := prometheus.NewRegistry()
	s := New(":0", "", fakeHealth{complete: false}, registry)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while load is incomplete", rec.Code)
	}

	s2 := New(":0", "", fakeHealth{complete: true}, registry)
	rec2 := httptest.NewRecorder()
	s2.echo.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 once load is complete", rec2.Code)
	}
}

func TestMetricsServesRegisteredRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "adsyncd_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	s := New(":0", "", nil, registry)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "adsyncd_test_total") {
		t.Errorf("/metrics body missing registered metric: %s", rec.Body.String())
	}
}

func TestSnapshotInspectWithoutConfiguredPathIs404(t *testing.T) {
	registry := prometheus.NewRegistry()
	s := New(":0", "", nil, registry)

	req := httptest.NewRequest(http.MethodGet, "/snapshot/inspect", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 with no snapshot path configured", rec.Code)
	}
}
