package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// resolveEnvString resolves environment variable if value is in format "os.environ/VAR_NAME"
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		envVar := strings.TrimPrefix(value, prefix)
		if envValue := os.Getenv(envVar); envValue != "" {
			return envValue
		}
		slog.Warn("environment variable not set, returning empty string",
			"env_var", envVar,
			"pattern", value,
		)
		return ""
	}
	return value
}

// parseDuration parses a duration string ("30s", "1m"), returning the default
// when the string is empty
func parseDuration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(resolveEnvString(value))
	if err != nil {
		return def, err
	}
	return d, nil
}

// slotsToString renders a slot count, showing "unlimited" for -1
func slotsToString(slots int) string {
	if slots == -1 {
		return "unlimited (-1)"
	}
	return fmt.Sprintf("%d", slots)
}

// PrintCoordinatorConfig outputs the coordinator configuration in a structured,
// readable format to the logger
func PrintCoordinatorConfig(logger *slog.Logger, cfg *CoordinatorConfig) {
	logger.Info("=== Configuration Loaded ===")

	logger.Info("api",
		"host", cfg.API.Host,
		"port", cfg.API.Port,
		"logging_level", cfg.LoggingLevel,
	)

	logger.Info("database",
		"max_conns", cfg.Database.MaxConns,
		"min_conns", cfg.Database.MinConns,
		"connect_timeout", cfg.Database.ConnectTimeout.String(),
		"health_check_interval", cfg.Database.HealthCheckInterval.String(),
	)

	logger.Info("propagation",
		"mode", cfg.Propagation.Mode,
		"ack_timeout", cfg.Propagation.AckTimeout.String(),
		"etcd_endpoints", len(cfg.Propagation.Etcd.Endpoints),
		"etcd_namespace", cfg.Propagation.Etcd.Namespace,
	)

	logger.Info("health_check",
		"enabled", cfg.HealthCheck.Enabled,
		"tick_interval", cfg.HealthCheck.TickInterval.String(),
	)

	logger.Info("gc",
		"enabled", cfg.GC.Enabled,
		"tick_interval", cfg.GC.TickInterval.String(),
		"circuit_idle_timeout", cfg.GC.CircuitIdleTimeout.String(),
	)

	logger.Info("secrets",
		"jwt_secret", "***REDACTED***",
		"api_secret", "***REDACTED***",
		"permit_hash_digest", cfg.PermitHash.DigestMod,
	)

	logger.Info("monitoring",
		"prometheus_enabled", cfg.Monitoring.PrometheusEnabled,
		"health_check_path", cfg.Monitoring.HealthCheckPath,
	)

	logger.Info("=== Configuration Ready ===")
}

// PrintWorkerConfig outputs the worker configuration in a structured, readable
// format to the logger
func PrintWorkerConfig(logger *slog.Logger, cfg *WorkerConfig) {
	logger.Info("=== Configuration Loaded ===")

	logger.Info("worker",
		"authority", cfg.Authority,
		"frontend_mode", cfg.FrontendMode,
		"protocols", cfg.Protocols,
		"accepted_app_modes", cfg.AcceptedAppModes,
		"traefik_delegated", cfg.TraefikDelegated,
		"logging_level", cfg.LoggingLevel,
	)

	switch cfg.FrontendMode {
	case "port":
		logger.Info("frontend",
			"bind_host", cfg.BindHost,
			"advertised_host", cfg.AdvertisedHost,
			"port_range_start", cfg.PortRange[0],
			"port_range_end", cfg.PortRange[1],
			"available_slots", slotsToString(cfg.PortRange[1]-cfg.PortRange[0]+1),
		)
	case "wildcard_domain":
		logger.Info("frontend",
			"bind_host", cfg.BindHost,
			"wildcard_domain", cfg.WildcardDomain,
			"wildcard_traffic_port", cfg.WildcardTrafficPort,
			"available_slots", slotsToString(-1),
		)
	}

	logger.Info("coordinator",
		"url", cfg.Coordinator.URL,
		"api_secret", "***REDACTED***",
		"heartbeat_interval", cfg.Coordinator.HeartbeatInterval.String(),
	)

	logger.Info("usage_log",
		"queue_size", cfg.UsageLog.QueueSize,
		"batch_size", cfg.UsageLog.BatchSize,
		"flush_interval", cfg.UsageLog.FlushInterval.String(),
		"workers", cfg.UsageLog.Workers,
	)

	logger.Info("fail2ban",
		"enabled", cfg.Fail2Ban.Enabled,
		"max_attempts", cfg.Fail2Ban.MaxAttempts,
		"ban_duration", cfg.Fail2Ban.BanDuration.String(),
	)

	logger.Info("=== Configuration Ready ===")
}
