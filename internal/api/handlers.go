package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/1broseidon/airsync/internal/dataset"
	"github.com/1broseidon/airsync/internal/scheduler"
)

const readyTimeout = 5 * time.Second

// healthHandler handles health check requests
func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"service": "airsync",
		"version": Version,
	})
}

// readyHandler reports whether the storage backend is reachable
func (s *Server) readyHandler(c *fiber.Ctx) error {
	checks := fiber.Map{"config": "ok"}
	status := fiber.StatusOK

	if s.backend != nil {
		checks["storage"] = s.backend.Name()
		if hc, ok := s.backend.(dataset.HealthChecker); ok {
			ctx, cancel := context.WithTimeout(c.UserContext(), readyTimeout)
			defer cancel()

			if err := hc.HealthCheck(ctx); err != nil {
				checks["storage"] = err.Error()
				status = fiber.StatusServiceUnavailable
			}
		}
	}

	state := "ready"
	if status != fiber.StatusOK {
		state = "not ready"
	}
	return c.Status(status).JSON(fiber.Map{
		"status": state,
		"checks": checks,
	})
}

// metricsHandler serves the Prometheus exposition of the server's registry
func (s *Server) metricsHandler() fiber.Handler {
	gatherer := s.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// getLocationsHandler lists configured locations and their sensors
func (s *Server) getLocationsHandler(c *fiber.Ctx) error {
	names := s.config.Locations()

	results := make([]LocationStatus, 0, len(names))
	for _, name := range names {
		results = append(results, LocationStatus{
			Name:    name,
			Sensors: s.config.Devices[name],
		})
	}

	return c.JSON(fiber.Map{
		"locations": results,
		"total":     len(results),
	})
}

// getRunsHandler returns recent run reports, newest first
func (s *Server) getRunsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	runs := s.scheduler.History().Recent(limit)

	resp := fiber.Map{
		"runs":    runs,
		"total":   len(runs),
		"running": s.scheduler.Running(),
	}
	if next := s.scheduler.NextRun(); !next.IsZero() {
		resp["next_run"] = next.UTC()
	}
	return c.JSON(resp)
}

// getLatestRunHandler returns the newest run report
func (s *Server) getLatestRunHandler(c *fiber.Ctx) error {
	latest := s.scheduler.History().Latest()
	if latest == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "No runs recorded yet",
		})
	}
	return c.JSON(latest)
}

// getRunHandler returns one run report by ID
func (s *Server) getRunHandler(c *fiber.Ctx) error {
	report := s.scheduler.History().Get(c.Params("id"))
	if report == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "Run not found",
		})
	}
	return c.JSON(report)
}

// triggerSyncHandler starts a run in the background
func (s *Server) triggerSyncHandler(c *fiber.Ctx) error {
	err := s.scheduler.TriggerAsync()
	if errors.Is(err, scheduler.ErrRunInProgress) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   true,
			"message": err.Error(),
		})
	}
	if err != nil {
		return err
	}

	s.logger.Info("Synchronization run requested")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "accepted",
	})
}

// getConfigHandler returns the configuration with secrets masked
func (s *Server) getConfigHandler(c *fiber.Ctx) error {
	redacted := s.config.Redacted()

	if c.Query("format") == "yaml" {
		out, err := yaml.Marshal(redacted)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to encode config: "+err.Error())
		}
		c.Set(fiber.HeaderContentType, "application/yaml")
		return c.Send(out)
	}

	return c.JSON(redacted)
}

// LocationStatus is one configured location
type LocationStatus struct {
	Name    string `json:"name"`
	Sensors []int  `json:"sensors"`
}
