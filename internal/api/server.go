// Package api serves the local HTTP API of the gradesync daemon. It exposes
// record CRUD through the hybrid store plus sync status and control.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/marcus/gradesync/internal/hybrid"
	"github.com/marcus/gradesync/internal/settings"
	"github.com/marcus/gradesync/internal/syncengine"
	"github.com/marcus/gradesync/internal/syncqueue"
)

// Config configures the API server.
type Config struct {
	ListenAddr string
	// SchoolID is the default school filter for collection listings.
	SchoolID string
}

// Deps are the services the handlers call.
type Deps struct {
	Engine   *syncengine.Engine
	Store    *hybrid.Store
	Queue    *syncqueue.Queue
	Settings *settings.Controller
}

// Server is the HTTP API server for gradesync.
type Server struct {
	config  Config
	deps    Deps
	echo    *echo.Echo
	http    *http.Server
	metrics *Metrics
	addr    net.Addr
}

// NewServer creates a new Server with the given config and services.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		config:  cfg,
		deps:    deps,
		echo:    echo.New(),
		metrics: NewMetrics(),
	}
	s.setup()
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.echo,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setup() {
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(s.metrics))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("10M"))

	e.GET("/healthz", s.handleHealth)
	e.GET("/metricz", s.handleMetrics)

	v1 := e.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/sync", s.handleSync)
	v1.POST("/download", s.handleDownload)

	v1.GET("/queue", s.handleListQueue)
	v1.GET("/queue/stats", s.handleQueueStats)
	v1.DELETE("/queue", s.handleClearQueue)
	v1.POST("/queue/purge", s.handlePurgeQueue)
	v1.POST("/queue/:id/retry", s.handleRetryEntry)
	v1.DELETE("/queue/:id", s.handleRemoveEntry)
	v1.POST("/operations", s.handleQueueOperation)

	v1.GET("/settings", s.handleGetSettings)
	v1.PATCH("/settings", s.handlePatchSettings)

	v1.GET("/collections/:name", s.handleListRecords)
	v1.POST("/collections/:name/import", s.handleImport)
	v1.GET("/collections/:name/:id", s.handleGetRecord)
	v1.PUT("/collections/:name/:id", s.handlePutRecord)
	v1.DELETE("/collections/:name/:id", s.handleDeleteRecord)
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr()
	slog.Info("api listening", "addr", s.addr.String())

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.metrics.Snapshot())
}
