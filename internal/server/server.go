// Package server assembles the echo API around the wired app.
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

	"github.com/Ramsey-B/dispatch/config"
	"github.com/Ramsey-B/dispatch/internal/app"
	"github.com/Ramsey-B/dispatch/internal/handlers"
	"github.com/Ramsey-B/dispatch/pkg/middleware"
)

type Server struct {
	echo   *echo.Echo
	http   *http.Server
	logger ectologger.Logger
}

// New builds the router. Authentication is applied to the organization routes
// only; the MFA link carries its own signed token and health checks stay open.
func New(ctx context.Context, cfg config.Config, a *app.App) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.Logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context(!cfg.AuthEnabled))
	e.Use(middleware.Logger(a.Logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	a.Health.Register(e.Group(""))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")

	orgs := api.Group("/organizations/:org")
	if cfg.AuthEnabled {
		auth, err := middleware.Authentication(ctx, a.Logger, cfg.AuthIssuerURL, cfg.AuthClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to set up authentication: %w", err)
		}
		orgs.Use(auth)
		handlers.NewDeadLetterHandler(a.DeadLetters, a.Logger).Register(api.Group("", auth))
	} else {
		handlers.NewDeadLetterHandler(a.DeadLetters, a.Logger).Register(api)
	}

	handlers.NewSignalHandler(a.Ingestor, a.Logger).Register(orgs)
	handlers.NewInstanceHandler(a.Runner, a.Logger).Register(orgs)
	handlers.NewEngagementHandler(a.Responder, a.Logger).Register(orgs)
	handlers.NewMFAHandler(a.Challenger, a.Logger).Register(api.Group("/mfa"))

	return &Server{
		echo: e,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           e,
			ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
			ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
			// engagement responses wait on MFA
			WriteTimeout:   time.Duration(cfg.HttpServerWriteTimeoutSeconds)*time.Second + cfg.MFATimeout,
			IdleTimeout:    time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		logger: a.Logger,
	}, nil
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe blocks until Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Infof("Listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
