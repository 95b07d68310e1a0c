// airsync downloads the history of PurpleAir sensors into local per-sensor
// datasets. It runs once and exits, or keeps syncing on a schedule with -serve.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"github.com/1broseidon/airsync/internal/api"
	"github.com/1broseidon/airsync/internal/config"
	"github.com/1broseidon/airsync/internal/dataset"
	"github.com/1broseidon/airsync/internal/engine"
	"github.com/1broseidon/airsync/internal/logging"
	"github.com/1broseidon/airsync/internal/metrics"
	"github.com/1broseidon/airsync/internal/purpleair"
	"github.com/1broseidon/airsync/internal/scheduler"
	"github.com/1broseidon/airsync/pkg/models"
)

func main() {
	os.Exit(run())
}

func run() int {
	var locations locationList

	configPath := flag.String("config", "", "Path to configuration file (default ./config.yml or /etc/airsync/config.yml)")
	flag.Var(&locations, "locations", "Locations to sync, comma separated or repeated (default all)")
	flag.Var(&locations, "l", "Shorthand for -locations")
	start := flag.String("start", "", "Override the start of every range, \""+config.DateTimeLayout+"\" UTC")
	flag.StringVar(start, "s", "", "Shorthand for -start")
	end := flag.String("end", "", "Override the end of every range, \""+config.DateTimeLayout+"\" UTC")
	flag.StringVar(end, "e", "", "Shorthand for -end")
	serve := flag.Bool("serve", false, "Run as a daemon with the HTTP API and scheduled syncs")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration with secrets masked and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}

	if *printConfig {
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			log.Printf("Failed to encode configuration: %v", err)
			return 1
		}
		fmt.Print(string(out))
		return 0
	}

	if *serve {
		cfg.Server.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid configuration: %v", err)
		return 1
	}

	logger, err := logging.InitLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		Fields: cfg.Logging.Fields,
	})
	if err != nil {
		log.Printf("Failed to initialize logger: %v", err)
		return 1
	}
	logger.ConfigEvent(logging.EventConfigLoaded, "Configuration loaded", map[string]interface{}{
		"locations": len(cfg.Devices),
		"keys":      len(cfg.PurpleAir.ReadKeys),
		"backend":   cfg.Storage.Backend,
	})

	ov, err := parseOverrides(*start, *end)
	if err != nil {
		logger.WithError(err).Error("Invalid range override")
		return 1
	}

	sensors, err := cfg.Sensors(locations)
	if err != nil {
		logger.WithError(err).Error("Invalid location selection")
		return 1
	}

	registry := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.NewMetrics(registry)
	}

	backend, err := dataset.NewBackend(&cfg.Storage, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize storage")
		return 1
	}
	defer backend.Close()

	targets := make([]engine.Target, 0, len(sensors))
	for _, sensor := range sensors {
		ds, err := backend.Dataset(sensor)
		if err != nil {
			logger.WithError(err).Error("Failed to open dataset")
			return 1
		}
		defer ds.Close()
		targets = append(targets, engine.Target{Sensor: sensor, Dataset: ds})
	}

	opts, err := engine.OptionsFromConfig(cfg)
	if err != nil {
		logger.WithError(err).Error("Invalid run options")
		return 1
	}
	client := purpleair.NewClient(&cfg.PurpleAir, logger, m)
	eng, err := engine.New(client, opts, logger, m)
	if err != nil {
		logger.WithError(err).Error("Failed to create engine")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writeTextfile := func() {
		if m == nil || cfg.Metrics.Textfile == "" {
			return
		}
		if err := metrics.WriteTextfile(cfg.Metrics.Textfile, registry); err != nil {
			logger.WithComponent(logging.ComponentMetrics).WithError(err).Warn("Failed to write metrics textfile")
		}
	}

	if cfg.Server.Enabled {
		if !ov.Start.IsZero() || !ov.End.IsZero() {
			logger.Warn("Range overrides are ignored in daemon mode")
		}
		return serveDaemon(ctx, cfg, logger, registry, backend, func(ctx context.Context) (*models.RunReport, error) {
			defer writeTextfile()
			return eng.Run(ctx, targets, engine.Overrides{})
		})
	}

	report, err := eng.Run(ctx, targets, ov)
	printSummary(os.Stdout, report)
	writeTextfile()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Synchronization interrupted")
		} else {
			logger.WithError(err).Error("Synchronization failed")
		}
		return 1
	}
	return 0
}

// serveDaemon runs the scheduler and HTTP API until ctx is canceled
func serveDaemon(ctx context.Context, cfg *config.Config, logger *logging.Logger, registry *prometheus.Registry, backend dataset.Backend, runFn scheduler.RunFunc) int {
	sched := scheduler.New(runFn, cfg.Server.Schedule, cfg.Server.RunHistory, logger)
	server := api.NewServer(cfg, logger, registry, sched, backend)

	if err := sched.Start(); err != nil {
		logger.WithError(err).Error("Failed to start scheduler")
		return 1
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.WithEvent(logging.EventServerStart).Info("airsync daemon started")

	code := 0
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
			code = 1
		}
	}

	logger.WithEvent(logging.EventServerStop).Info("Shutting down airsync daemon")

	sched.Stop()
	if err := server.Stop(); err != nil {
		logger.WithError(err).Error("Failed to shutdown server gracefully")
	}

	return code
}
