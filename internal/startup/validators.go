// Package startup holds non-blocking environment checks run once at process
// start. Failures are logged, never fatal: the runtime retries everything a
// startup check probes.
package startup

import (
	"context"
	"log/slog"
	"time"

	"github.com/circuitproxy/circuitproxy/internal/config"
	"github.com/circuitproxy/circuitproxy/internal/httputil"
)

const probeTimeout = 5 * time.Second

// ValidateCoordinatorAtStartup probes the coordinator's health endpoint once
// before the worker enters its registration loop. An unreachable coordinator
// is logged as WARN and startup continues: registration retries with backoff
// anyway, the check just surfaces misconfiguration early.
func ValidateCoordinatorAtStartup(cfg *config.WorkerConfig, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	err := httputil.CallJSON(ctx, "GET", cfg.Coordinator.URL, "/health", "", nil, nil, log)
	if err != nil {
		log.Warn("Coordinator unreachable at startup",
			"url", cfg.Coordinator.URL,
			"error", err.Error(),
			"recommendation", "Verify the coordinator is running and network accessible. Registration will be retried with backoff",
		)
		return
	}

	log.Debug("Coordinator reachable at startup", "url", cfg.Coordinator.URL)
}
