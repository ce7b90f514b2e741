// Package http exposes the crewd HTTP API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/session"
	"github.com/fyrsmithlabs/crewd/internal/template"
	"github.com/fyrsmithlabs/crewd/internal/workflow"
)

// Server provides HTTP endpoints for crewd.
type Server struct {
	echo      *echo.Echo
	workflows *workflow.Engine
	sessions  *session.Store
	templates *template.Store
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the API server over the given stores and engine.
func NewServer(workflows *workflow.Engine, sessions *session.Store, templates *template.Store, logger *zap.Logger, cfg *Config) (*Server, error) {
	if workflows == nil {
		return nil, fmt.Errorf("workflow engine is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if templates == nil {
		return nil, fmt.Errorf("template store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8180}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:      e,
		workflows: workflows,
		sessions:  sessions,
		templates: templates,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.GET("/workflows", s.handleListWorkflows)
	v1.POST("/workflows", s.handleCreateWorkflow)
	v1.GET("/workflows/:id", s.handleGetWorkflow)
	v1.POST("/workflows/:id/advance", s.handleAdvanceWorkflow)
	v1.POST("/workflows/:id/gate", s.handleSatisfyGate)
	v1.POST("/workflows/:id/messages", s.handleAddMessage)
	v1.POST("/workflows/:id/feedback", s.handleAddFeedback)
	v1.POST("/workflows/:id/feedback/:feedbackId/resolve", s.handleResolveFeedback)
	v1.POST("/workflows/:id/discard", s.handleDiscardWorkflow)
	v1.POST("/workflows/:id/status", s.handleUpdateStatus)

	v1.GET("/sessions/:id", s.handleGetSession)

	v1.GET("/templates", s.handleListTemplates)
	v1.GET("/templates/:name", s.handleGetTemplate)
	v1.POST("/templates", s.handleCreateTemplate)
	v1.PUT("/templates/:name", s.handleUpdateTemplate)
	v1.DELETE("/templates/:name", s.handleDeleteTemplate)
	v1.GET("/templates/:name/versions", s.handleTemplateVersions)
	v1.POST("/templates/:name/restore", s.handleRestoreTemplate)
	v1.POST("/templates/:name/duplicate", s.handleDuplicateTemplate)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
