package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/circuitproxy/circuitproxy/internal/api"
	"github.com/circuitproxy/circuitproxy/internal/circuit"
	"github.com/circuitproxy/circuitproxy/internal/config"
	"github.com/circuitproxy/circuitproxy/internal/events"
	"github.com/circuitproxy/circuitproxy/internal/health"
	"github.com/circuitproxy/circuitproxy/internal/httputil"
	"github.com/circuitproxy/circuitproxy/internal/logger"
	"github.com/circuitproxy/circuitproxy/internal/monitoring"
	"github.com/circuitproxy/circuitproxy/internal/registry"
	"github.com/circuitproxy/circuitproxy/internal/service"
)

func main() {
	configPath := flag.String("config", "coordinator.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LoggingLevel)

	log.Info("Starting coordinator",
		"logging_level", cfg.LoggingLevel,
		"listen", cfg.API.Addr(),
		"propagation_mode", cfg.Propagation.Mode,
		"health_check_enabled", cfg.HealthCheck.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := registry.NewPool(cfg.Database, log)
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	reg := registry.New(pool, log)
	if err := reg.EnsureSchema(ctx); err != nil {
		log.Error("Failed to ensure schema", "error", err)
		os.Exit(1)
	}

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	var bus events.Bus
	var manager circuit.Manager
	switch cfg.Propagation.Mode {
	case "traefik":
		kv, err := circuit.NewEtcdKV(cfg.Propagation.Etcd)
		if err != nil {
			log.Error("Failed to connect to etcd", "error", err)
			os.Exit(1)
		}
		defer kv.Close()
		manager = circuit.NewTraefikManager(kv, reg, cfg.Secrets, cfg.PermitHash, log)
	default:
		pgBus := events.NewPostgresBus(pool.Pgx(), log)
		pgBus.Start()
		defer pgBus.Close()
		bus = pgBus
		manager = circuit.NewEventManager(bus, cfg.Propagation.AckTimeout, log)
	}

	if bus != nil {
		eventCh, cancel := bus.Subscribe("coordinator-observer")
		defer cancel()
		go func() {
			for event := range eventCh {
				if event.Type == events.TypeRouteHealthChanged && event.HealthStatus != nil {
					metrics.RecordHealthTransition(string(*event.HealthStatus))
				}
				if cfg.Debug.LogEvents {
					log.Debug("event",
						"id", event.ID,
						"type", event.Type,
						"target_authority", event.TargetAuthority,
						"circuits", len(event.Circuits),
					)
				}
			}
		}()
	}

	svc := service.New(reg, manager, bus, service.Options{
		HealthCheckEnabled: cfg.HealthCheck.Enabled,
		Liveness:           cfg.Liveness,
		GC:                 cfg.GC,
		Metrics:            metrics,
	}, log)
	go svc.Run(ctx)

	if cfg.HealthCheck.Enabled {
		engine := health.NewEngine(reg, manager, bus, httputil.NewHTTPClient(nil), clock.New(), cfg.HealthCheck.TickInterval, log)
		go engine.Run(ctx)
		log.Info("Health check engine started", "tick_interval", cfg.HealthCheck.TickInterval)
	}

	apiServer := api.New(svc, reg, cfg.Secrets.APISecret, metrics, cfg.Monitoring, log)
	server := &http.Server{
		Addr:    cfg.API.Addr(),
		Handler: apiServer.Handler(),
	}

	go func() {
		log.Info("API server starting", "addr", cfg.API.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("API server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	log.Info("Shutting down coordinator...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("API server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Coordinator shutdown complete")
}
