package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/circuitproxy/circuitproxy/internal/auth"
	"github.com/circuitproxy/circuitproxy/internal/config"
	"github.com/circuitproxy/circuitproxy/internal/events"
	"github.com/circuitproxy/circuitproxy/internal/fail2ban"
	"github.com/circuitproxy/circuitproxy/internal/frontend"
	"github.com/circuitproxy/circuitproxy/internal/httputil"
	"github.com/circuitproxy/circuitproxy/internal/logger"
	"github.com/circuitproxy/circuitproxy/internal/monitoring"
	"github.com/circuitproxy/circuitproxy/internal/node"
	"github.com/circuitproxy/circuitproxy/internal/proxy"
	"github.com/circuitproxy/circuitproxy/internal/ratelimit"
	"github.com/circuitproxy/circuitproxy/internal/registry"
	"github.com/circuitproxy/circuitproxy/internal/startup"
	"github.com/circuitproxy/circuitproxy/internal/usagelog"
)

const (
	authCacheSize = 4096
	authCacheTTL  = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "worker.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LoggingLevel)

	log.Info("Starting worker",
		"logging_level", cfg.LoggingLevel,
		"authority", cfg.Authority,
		"frontend_mode", cfg.FrontendMode,
		"traefik_delegated", cfg.TraefikDelegated,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startup.ValidateCoordinatorAtStartup(cfg, log)

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	var bus events.Bus
	var guard *frontend.Guard
	var recorder *usagelog.Recorder
	var relay *proxy.Relay

	// Traefik-delegated workers never terminate traffic themselves; they
	// need no database, credentials, or event bus.
	if !cfg.TraefikDelegated {
		pool, err := registry.NewPool(cfg.Database, log)
		if err != nil {
			log.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		reg := registry.New(pool, log)

		pgBus := events.NewPostgresBus(pool.Pgx(), log)
		pgBus.Start()
		defer pgBus.Close()
		bus = pgBus

		permits, err := auth.NewPermitSigner(cfg.PermitHash)
		if err != nil {
			log.Error("Failed to initialize permit signer", "error", err)
			os.Exit(1)
		}
		tokens, err := auth.NewCircuitTokens(cfg.Secrets.JWTSecret)
		if err != nil {
			log.Error("Failed to initialize circuit tokens", "error", err)
			os.Exit(1)
		}
		cache, err := auth.NewCache(authCacheSize, authCacheTTL)
		if err != nil {
			log.Error("Failed to initialize auth cache", "error", err)
			os.Exit(1)
		}
		gate := auth.NewGate(permits, tokens, cache, log)

		var bans *fail2ban.Fail2Ban
		if cfg.Fail2Ban.Enabled {
			bans = fail2ban.New(cfg.Fail2Ban.MaxAttempts, cfg.Fail2Ban.BanDuration)
			log.Info("Fail2ban enabled",
				"max_attempts", cfg.Fail2Ban.MaxAttempts,
				"ban_duration", cfg.Fail2Ban.BanDuration,
			)
		}
		var limiter *ratelimit.RPMLimiter
		if cfg.InferenceLimit.Enabled {
			limiter = ratelimit.New(cfg.InferenceLimit.RPM)
			log.Info("Inference rate limit enabled", "rpm", cfg.InferenceLimit.RPM)
		}
		guard = frontend.NewGuard(gate, bans, limiter, metrics, log)

		recorder = usagelog.NewRecorder(reg, cfg.UsageLog.QueueSize, cfg.UsageLog.FlushInterval, log)
		recorder.Start()

		relay = proxy.New(httputil.NewHTTPClient(nil), metrics, log)

		if cfg.Monitoring.PrometheusEnabled && bans != nil {
			// Keep the banned-clients gauge current.
			go func() {
				ticker := time.NewTicker(10 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						metrics.SetBannedClients(len(bans.GetBannedIPs()))
					}
				}
			}()
		}
	}

	fe, err := frontend.ForWorker(cfg, guard, relay, recorder, log)
	if err != nil {
		log.Error("Failed to initialize frontend", "error", err)
		os.Exit(1)
	}

	n := node.New(cfg, fe, bus, log)

	opsServer := &http.Server{
		Addr:    cfg.API.Addr(),
		Handler: opsHandler(cfg),
	}
	go func() {
		log.Info("Ops server starting", "addr", cfg.API.Addr())
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Ops server failed", "error", err)
			os.Exit(1)
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- n.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			log.Error("Node stopped", "error", err)
		}
	}

	log.Info("Shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Ops server forced to shutdown", "error", err)
	}
	if err := fe.Close(); err != nil {
		log.Error("Frontend close failed", "error", err)
	}
	if recorder != nil {
		if err := recorder.Shutdown(shutdownCtx); err != nil {
			log.Error("Usage recorder shutdown failed", "error", err)
		}
	}

	log.Info("Worker shutdown complete")
}

// opsHandler serves the worker's operational endpoints: liveness and, when
// enabled, Prometheus metrics.
func opsHandler(cfg *config.WorkerConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+cfg.Monitoring.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    "ok",
			"authority": cfg.Authority,
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return mux
}
