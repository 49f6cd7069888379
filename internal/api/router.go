// Package api wires the echo HTTP server: sandbox lifecycle, process
// exec, PTY, the agent control-stream upgrade, and health/metrics.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/opensandbox/opensandboxd/internal/agentreg"
	"github.com/opensandbox/opensandboxd/internal/auth"
	"github.com/opensandbox/opensandboxd/internal/metrics"
	"github.com/opensandbox/opensandboxd/internal/process"
	"github.com/opensandbox/opensandboxd/internal/pty"
	"github.com/opensandbox/opensandboxd/internal/sandbox"
)

// Server holds the API server dependencies.
type Server struct {
	echo       *echo.Echo
	controller *sandbox.Controller
	registry   *agentreg.Registry
	pipeline   *process.Pipeline
	ptyBridge  *pty.Bridge
	jwtIssuer  *auth.JWTIssuer
}

// ServerOpts holds the dependencies wired into the HTTP server.
type ServerOpts struct {
	Controller *sandbox.Controller
	Registry   *agentreg.Registry
	Pipeline   *process.Pipeline
	PTYBridge  *pty.Bridge
	JWTIssuer  *auth.JWTIssuer
	APIKey     string
}

// NewServer creates a new API server with all routes configured.
func NewServer(opts ServerOpts) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:       e,
		controller: opts.Controller,
		registry:   opts.Registry,
		pipeline:   opts.Pipeline,
		ptyBridge:  opts.PTYBridge,
		jwtIssuer:  opts.JWTIssuer,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/ready", s.ready)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	grp := e.Group("/api/v1")
	grp.Use(auth.APIKeyMiddleware(opts.APIKey))

	grp.POST("/sandboxes", s.createSandbox)
	grp.GET("/sandboxes", s.listSandboxes)
	grp.GET("/sandboxes/:id", s.getSandbox)
	grp.DELETE("/sandboxes/:id", s.deleteSandbox)
	grp.POST("/sandboxes/batch-delete", s.batchDeleteSandboxes)
	grp.POST("/sandboxes/:id/extend", s.extendSandbox)
	grp.GET("/sandboxes/:id/stats", s.statsSandbox)
	grp.GET("/sandboxes/:id/logs", s.logsSandbox)

	grp.POST("/sandboxes/:id/process/run", s.runProcess)
	grp.GET("/sandboxes/:id/process/:command_id/stream", s.streamProcess)
	grp.POST("/sandboxes/:id/process/:command_id/kill", s.killProcess)

	grp.POST("/sandboxes/:id/pty", s.createPTY)
	grp.GET("/sandboxes/:id/pty/:pty_id/ws", s.ptyWebSocket)
	grp.POST("/sandboxes/:id/pty/:pty_id/resize", s.resizePTY)
	grp.DELETE("/sandboxes/:id/pty/:pty_id", s.killPTY)

	// Control stream: authenticated by the agent's own sandbox-scoped JWT,
	// not the operator API key, so it sits outside grp.
	e.GET("/control", s.controlStream)

	return s
}

func (s *Server) ready(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully drains and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
