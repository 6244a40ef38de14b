// Package ops provides the internal operations HTTP server.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports live connection figures.
type Counter interface {
	ConnectionCount() int
	IdentityCount() int
}

// Server is the internal ops server.
type Server struct {
	echo    *echo.Echo
	counter Counter
	checks  map[string]Pinger
	timeout time.Duration
	started time.Time
}

// NewServer creates an ops server. checks are pinged by /health under the
// given names.
func NewServer(counter Counter, checks map[string]Pinger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		counter: counter,
		checks:  checks,
		timeout: 2 * time.Second,
		started: time.Now(),
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth reports connection counts and the state of every dependency.
// Any failing dependency turns the status code into 503.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.timeout)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	return c.JSON(code, map[string]interface{}{
		"status":       status,
		"connections":  s.counter.ConnectionCount(),
		"identities":   s.counter.IdentityCount(),
		"dependencies": deps,
		"uptime":       time.Since(s.started).Round(time.Second).String(),
	})
}
