package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1broseidon/airsync/internal/config"
	"github.com/1broseidon/airsync/internal/dataset"
	"github.com/1broseidon/airsync/internal/logging"
	"github.com/1broseidon/airsync/internal/scheduler"
	"github.com/1broseidon/airsync/pkg/models"
)

type fakeBackend struct {
	*dataset.DiscardBackend
	healthErr error
}

func (b *fakeBackend) HealthCheck(ctx context.Context) error {
	return b.healthErr
}

func testConfig() *config.Config {
	return &config.Config{
		PurpleAir: config.PurpleAirConfig{
			ReadKeys: []string{"abcdef123456"},
			Fields:   []string{"humidity"},
		},
		Devices: map[string][]int{
			"lab":  {1, 2},
			"home": {3},
		},
		Storage: config.StorageConfig{
			Backend:  "influxdb",
			InfluxDB: config.InfluxDBConfig{Token: "influx-secret-token"},
		},
		Server: config.ServerConfig{
			Port: "7879",
			Host: "0.0.0.0",
		},
	}
}

func createTestServer(t *testing.T, run scheduler.RunFunc, backend dataset.Backend) *Server {
	t.Helper()

	if run == nil {
		run = func(ctx context.Context) (*models.RunReport, error) {
			return &models.RunReport{ID: "run-1", Status: models.RunSucceeded}, nil
		}
	}

	logger := logging.Nop()
	sched := scheduler.New(run, time.Hour, 10, logger)
	t.Cleanup(sched.Stop)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "airsync_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	server := NewServer(testConfig(), logger, reg, sched, backend)
	t.Cleanup(func() { _ = server.app.Shutdown() })
	return server
}

func doRequest(t *testing.T, s *Server, method, path string) (*http.Response, string) {
	t.Helper()

	resp, err := s.app.Test(httptest.NewRequest(method, path, nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return resp, string(body)
}

func TestHealthHandler(t *testing.T) {
	server := createTestServer(t, nil, nil)

	resp, body := doRequest(t, server, "GET", "/health")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "healthy") || !strings.Contains(body, "airsync") {
		t.Fatalf("response missing expected fields: %s", body)
	}
}

func TestReadyHandler(t *testing.T) {
	tests := []struct {
		name       string
		backend    dataset.Backend
		wantStatus int
		wantBody   string
	}{
		{"no backend", nil, fiber.StatusOK, "ready"},
		{"healthy backend", &fakeBackend{DiscardBackend: dataset.NewDiscardBackend()}, fiber.StatusOK, "none"},
		{"unreachable backend", &fakeBackend{
			DiscardBackend: dataset.NewDiscardBackend(),
			healthErr:      errors.New("connection refused"),
		}, fiber.StatusServiceUnavailable, "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := createTestServer(t, nil, tt.backend)

			resp, body := doRequest(t, server, "GET", "/ready")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Fatalf("expected body to contain %q, got %s", tt.wantBody, body)
			}
		})
	}
}

func TestMetricsHandler(t *testing.T) {
	server := createTestServer(t, nil, nil)

	resp, body := doRequest(t, server, "GET", "/metrics")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "airsync_test_total 1") {
		t.Fatalf("expected registry contents in response, got: %s", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type: %s", ct)
	}
}

func TestGetLocationsHandler(t *testing.T) {
	server := createTestServer(t, nil, nil)

	resp, body := doRequest(t, server, "GET", "/api/v1/locations")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var out struct {
		Locations []LocationStatus `json:"locations"`
		Total     int              `json:"total"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Total != 2 || out.Locations[0].Name != "home" || out.Locations[1].Name != "lab" {
		t.Fatalf("expected sorted locations [home lab], got %+v", out.Locations)
	}
	if len(out.Locations[1].Sensors) != 2 {
		t.Fatalf("expected 2 sensors for lab, got %v", out.Locations[1].Sensors)
	}
}

func TestRunsEndpoints(t *testing.T) {
	server := createTestServer(t, nil, nil)

	resp, _ := doRequest(t, server, "GET", "/api/v1/runs/latest")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d", resp.StatusCode)
	}

	if _, err := server.scheduler.TriggerNow(context.Background()); err != nil {
		t.Fatalf("TriggerNow returned error: %v", err)
	}

	resp, body := doRequest(t, server, "GET", "/api/v1/runs/latest")
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(body, "run-1") {
		t.Fatalf("expected latest run, got %d: %s", resp.StatusCode, body)
	}

	resp, body = doRequest(t, server, "GET", "/api/v1/runs?limit=5")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	var out struct {
		Runs    []models.RunReport `json:"runs"`
		Total   int                `json:"total"`
		Running bool               `json:"running"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Total != 1 || out.Runs[0].Status != models.RunSucceeded || out.Running {
		t.Fatalf("unexpected runs response: %s", body)
	}

	resp, _ = doRequest(t, server, "GET", "/api/v1/runs/run-1")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected run lookup to succeed, got %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, server, "GET", "/api/v1/runs/unknown")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", resp.StatusCode)
	}
}

func TestTriggerSyncHandler(t *testing.T) {
	release := make(chan struct{})
	server := createTestServer(t, func(ctx context.Context) (*models.RunReport, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &models.RunReport{ID: "manual", Status: models.RunSucceeded}, nil
	}, nil)

	resp, _ := doRequest(t, server, "POST", "/api/v1/sync")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected status 202, got %d", resp.StatusCode)
	}

	resp, body := doRequest(t, server, "POST", "/api/v1/sync")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected status 409 while running, got %d: %s", resp.StatusCode, body)
	}

	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for server.scheduler.History().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("triggered run did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetConfigHandlerRedacts(t *testing.T) {
	server := createTestServer(t, nil, nil)

	for _, path := range []string{"/api/v1/config", "/api/v1/config?format=yaml"} {
		resp, body := doRequest(t, server, "GET", path)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, resp.StatusCode)
		}
		if strings.Contains(body, "abcdef123456") || strings.Contains(body, "influx-secret-token") {
			t.Fatalf("%s: secrets leaked: %s", path, body)
		}
		if !strings.Contains(body, "****3456") {
			t.Fatalf("%s: expected masked read key, got %s", path, body)
		}
	}

	resp, _ := doRequest(t, server, "GET", "/api/v1/config?format=yaml")
	if ct := resp.Header.Get("Content-Type"); ct != "application/yaml" {
		t.Fatalf("unexpected content type: %s", ct)
	}
}

func TestCORSMiddleware(t *testing.T) {
	server := createTestServer(t, nil, nil)

	req := httptest.NewRequest("OPTIONS", "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := server.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected CORS header on preflight response")
	}
}
