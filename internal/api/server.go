// Package api exposes the daemon's status, run history and manual sync
// trigger over HTTP.
package api

import (
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1broseidon/airsync/internal/config"
	"github.com/1broseidon/airsync/internal/dataset"
	"github.com/1broseidon/airsync/internal/logging"
	"github.com/1broseidon/airsync/internal/scheduler"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Server represents the API server
type Server struct {
	app       *fiber.App
	config    *config.Config
	logger    *logging.Logger
	scheduler *scheduler.Scheduler
	backend   dataset.Backend
	gatherer  prometheus.Gatherer
}

// NewServer creates a new API server. backend is only used for readiness
// checks and may be nil.
func NewServer(cfg *config.Config, logger *logging.Logger, gatherer prometheus.Gatherer, sched *scheduler.Scheduler, backend dataset.Backend) *Server {
	apiLogger := logger.WithComponent(logging.ComponentAPI)

	app := fiber.New(fiber.Config{
		AppName:               "airsync " + Version,
		DisableStartupMessage: true,
		ServerHeader:          "airsync",
		ErrorHandler:          errorHandler(apiLogger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
	})

	s := &Server{
		app:       app,
		config:    cfg,
		logger:    apiLogger,
		scheduler: sched,
		backend:   backend,
		gatherer:  gatherer,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures Fiber middleware
func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format: "${time} | ${status} | ${latency} | ${method} ${path}\n",
	}))

	corsOrigins := "*"
	if len(s.config.Server.CORSOrigins) > 0 {
		corsOrigins = strings.Join(s.config.Server.CORSOrigins, ",")
	}
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	s.app.Get("/metrics", s.metricsHandler())

	api := s.app.Group("/api/v1")

	api.Get("/locations", s.getLocationsHandler)
	api.Get("/runs", s.getRunsHandler)
	api.Get("/runs/latest", s.getLatestRunHandler)
	api.Get("/runs/:id", s.getRunHandler)
	api.Post("/sync", s.triggerSyncHandler)
	api.Get("/config", s.getConfigHandler)
}

// Start starts the server and blocks until it stops
func (s *Server) Start() error {
	address := s.config.Server.Host + ":" + s.config.Server.Port

	s.logger.WithFields(map[string]interface{}{
		"address": address,
	}).Info("Starting HTTP server")

	return s.app.Listen(address)
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP server")
	return s.app.Shutdown()
}

// errorHandler handles Fiber errors
func errorHandler(logger *logging.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		logger.WithFields(map[string]interface{}{
			"method": c.Method(),
			"path":   c.Path(),
			"status": code,
		}).WithError(err).Error("HTTP request error")

		return c.Status(code).JSON(fiber.Map{
			"error":   true,
			"message": err.Error(),
		})
	}
}
