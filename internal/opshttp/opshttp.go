// Package opshttp is the minimal embedded HTTP surface operators poke at
// alongside the sync pipeline: liveness, Prometheus scrape, and a
// snapshot-file diagnostic endpoint. Grounded on the teacher's
// cli/root.go echo server setup (echo.New(), middleware.Recover(),
// graceful Shutdown) — trimmed to three routes instead of a full REST API,
// since adsyncd has no write surface of its own.
package opshttp

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evalgo/adsyncd/internal/snapshot"
)

// HealthReporter reports whether the pipeline has completed its initial
// bulk load, the signal /healthz surfaces as readiness.
type HealthReporter interface {
	InitialLoadComplete() bool
}

// Server wraps an echo instance serving /healthz, /metrics, and
// /snapshot/inspect.
type Server struct {
	echo *echo.Echo
	addr string
}

// New builds a Server listening on addr, scraping registry for /metrics.
// snapshotPath is the on-disk .cache file /snapshot/inspect reports on;
// health reports pipeline readiness for /healthz.
func New(addr, snapshotPath string, health HealthReporter, registry *prometheus.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		if health != nil && !health.InitialLoadComplete() {
			return c.String(http.StatusServiceUnavailable, "initial load in progress")
		}
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	e.GET("/snapshot/inspect", func(c echo.Context) error {
		if snapshotPath == "" {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no snapshot path configured"})
		}
		result, err := snapshot.Inspect(snapshotPath)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, result)
	})

	return &Server{echo: e, addr: addr}
}

// Start runs the server until it is shut down or fails. Intended to be
// called in its own goroutine.
func (s *Server) Start() error {
	err := s.echo.Start(s.addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
