// Package server assembles the echo API from the handlers and shared middleware.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/middleware"
)

// Routes is anything that mounts itself on the /api/v1 group.
type Routes interface {
	RegisterRoutes(g *echo.Group)
}

type Config struct {
	AppName           string
	Port              int
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	AllowOrigins      []string
	AllowMethods      []string
}

type Server struct {
	echo   *echo.Echo
	http   *http.Server
	logger ectologger.Logger
}

// New builds the API. auth authenticates every /api/v1 route except the health
// endpoints; pass middleware.HeaderAuth() when OIDC is disabled.
func New(cfg Config, logger ectologger.Logger, checker *health.Checker, auth echo.MiddlewareFunc, routes ...Routes) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(echomw.Recover())
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	if len(cfg.AllowOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: cfg.AllowOrigins,
			AllowMethods: cfg.AllowMethods,
		}))
	}

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1", auth)
	for _, r := range routes {
		r.RegisterRoutes(api)
	}

	return &Server{
		echo: e,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           e,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		},
		logger: logger,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves in the background. Listen errors other than a clean shutdown are logged.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.WithContext(ctx).Infof("API listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithContext(ctx).WithError(err).Error("API server stopped")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
