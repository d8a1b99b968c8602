// Package server exposes the loop over HTTP: health, metrics, status, recent
// cycles, and a manual cycle trigger.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/loop"
	"github.com/meridian-labs/coevolve/internal/orchestrator"
)

// CycleSource serves recent cycle records, newest first.
type CycleSource interface {
	RecentCycles(ctx context.Context, limit int) ([]loop.LearningCycle, error)
}

// Server is the HTTP facade over a running orchestrator.
type Server struct {
	cfg    config.ServerConfig
	orch   *orchestrator.Orchestrator
	cycles CycleSource // nil when no queryable archive is configured
	logger *log.Logger
	echo   *echo.Echo
}

// New wires the echo instance and its routes. cycles may be nil.
func New(cfg config.ServerConfig, orch *orchestrator.Orchestrator, cycles CycleSource, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	s := &Server{cfg: cfg, orch: orch, cycles: cycles, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	if s.cfg.JWTSecret != "" {
		api.Use(AuthMiddleware([]byte(s.cfg.JWTSecret)))
	} else {
		logger.Printf("server.jwt_secret is empty; API endpoints are unauthenticated")
	}
	api.GET("/status", s.getStatus)
	api.GET("/cycles", s.getCycles)
	api.POST("/cycles", s.triggerCycle)

	s.echo = e
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s", s.cfg.Address)
	err := s.echo.Start(s.cfg.Address)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.GetStatus())
}

func (s *Server) getCycles(c echo.Context) error {
	if s.cycles == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no cycle archive configured")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	cycles, err := s.cycles.RecentCycles(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if cycles == nil {
		cycles = []loop.LearningCycle{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cycles": cycles})
}

// TriggerRequest asks for one immediate cycle, optionally pinned to a domain.
type TriggerRequest struct {
	Domain string `json:"domain"`
}

func (s *Server) triggerCycle(c echo.Context) error {
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	var (
		cycle loop.LearningCycle
		err   error
	)
	if req.Domain != "" {
		domain, perr := loop.ParseDomain(req.Domain)
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, perr.Error())
		}
		cycle, err = s.orch.RunCycleForDomain(ctx, domain)
	} else {
		cycle, err = s.orch.RunCycle(ctx)
	}
	if err != nil {
		var unavailable loop.ErrGenerationUnavailable
		if errors.As(err, &unavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, unavailable.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cycle)
}
