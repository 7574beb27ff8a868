// Package api is the HTTP surface of the dispatch server. Workers, the CLI
// and the MCP tools all talk to it; every route lives under /api.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/dispatch/internal/bus"
	"github.com/rendis/dispatch/internal/catalog"
	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/internal/identity"
	"github.com/rendis/dispatch/internal/orchestrator"
	"github.com/rendis/dispatch/internal/queue"
)

// Deps holds the server's collaborators.
type Deps struct {
	Events     *eventlog.Log
	Queue      *queue.Queue
	Pools      *identity.Registry
	Catalog    *catalog.Catalog
	Runner     *orchestrator.Runner
	Executions *orchestrator.Executions
	Hub        bus.Hub
	Logger     *slog.Logger
}

// Config tunes the HTTP server.
type Config struct {
	Addr            string        `json:"addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	// PingInterval is the keepalive period of event streams.
	PingInterval time.Duration `json:"ping_interval"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{Addr: ":8480", ShutdownTimeout: 10 * time.Second, PingInterval: 30 * time.Second}
}

// Server serves the dispatch API.
type Server struct {
	deps Deps
	cfg  Config
	echo *echo.Echo
}

// NewServer creates a Server with every route registered.
func NewServer(deps Deps, cfg Config) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Logger)
	e.Use(middleware.Recover())
	e.Use(requestLogger(deps.Logger))

	s := &Server{deps: deps, cfg: cfg, echo: e}
	s.routes()
	return s
}

func (s *Server) routes() {
	g := s.echo.Group("/api")

	g.GET("/health", s.health)

	g.POST("/events", s.emitEvent)
	g.GET("/events/by-execution/:id", s.eventsByExecution)
	g.GET("/events/by-id/:id", s.eventByID)
	g.GET("/events/stream", s.streamEvents)
	g.GET("/events/sse", s.sseEvents)

	g.GET("/executions", s.listExecutions)
	g.GET("/executions/:id", s.getExecution)
	g.POST("/executions/run", s.runExecution)

	g.POST("/queue/enqueue", s.enqueue)
	g.POST("/queue/lease", s.lease)
	g.POST("/queue/:id/complete", s.completeJob)
	g.POST("/queue/:id/fail", s.failJob)
	g.GET("/queue/size", s.queueSize)
	g.GET("/queue", s.listJobs)

	g.POST("/worker/pool/register", s.registerPool)
	g.POST("/worker/pool/heartbeat", s.heartbeat)
	g.DELETE("/worker/pool/deregister", s.deregisterPool)
	g.GET("/worker/pools", s.listPools)

	g.POST("/catalog/register", s.registerPlaybook)
	g.GET("/catalog", s.listCatalog)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("api listening", "addr", s.cfg.Addr)
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogError:     true,
		HandleError:  true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			switch {
			case v.Status >= http.StatusInternalServerError:
				level = slog.LevelError
			case v.Status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}
