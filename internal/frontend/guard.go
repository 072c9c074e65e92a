package frontend

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/circuitproxy/circuitproxy/internal/auth"
	"github.com/circuitproxy/circuitproxy/internal/fail2ban"
	"github.com/circuitproxy/circuitproxy/internal/monitoring"
	"github.com/circuitproxy/circuitproxy/internal/ratelimit"
	"github.com/circuitproxy/circuitproxy/internal/security"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

// Guard runs every admission check the frontend applies before a backend is
// touched: client-IP ban, the authorization gate, and the per-circuit
// inference rate limit. Bans and the limiter are optional; a nil field
// disables that check.
type Guard struct {
	gate    *auth.Gate
	bans    *fail2ban.Fail2Ban
	limiter *ratelimit.RPMLimiter
	metrics *monitoring.Metrics
	logger  *slog.Logger
}

// NewGuard creates a Guard. The gate and logger are required; metrics may be
// nil.
func NewGuard(gate *auth.Gate, bans *fail2ban.Fail2Ban, limiter *ratelimit.RPMLimiter, metrics *monitoring.Metrics, logger *slog.Logger) *Guard {
	if gate == nil {
		panic("frontend: gate is required")
	}
	if logger == nil {
		panic("frontend: logger is required")
	}
	return &Guard{gate: gate, bans: bans, limiter: limiter, metrics: metrics, logger: logger}
}

// Admit checks one HTTP request against the circuit's access policy. On
// rejection it writes the error response and returns false; auth failures
// feed the ban counters, successes reset them.
func (g *Guard) Admit(w http.ResponseWriter, r *http.Request, circuit *types.Circuit) bool {
	ip := clientHost(r.RemoteAddr)

	if g.bans != nil && g.bans.IsBanned(ip) {
		g.logger.Warn("rejected request from banned address",
			"client_ip", ip,
			"circuit_id", circuit.ID)
		g.metrics.RecordAuthRejection("banned")
		http.Error(w, "too many failed attempts", http.StatusForbidden)
		return false
	}

	if err := g.gate.Authorize(r, circuit); err != nil {
		if errors.Is(err, auth.ErrClientIPDenied) {
			g.metrics.RecordAuthRejection("ip_denied")
			http.Error(w, "forbidden", http.StatusForbidden)
			return false
		}
		if g.bans != nil {
			g.bans.RecordFailure(ip)
		}
		g.logger.Info("request rejected by authorization gate",
			"client_ip", ip,
			"circuit_id", circuit.ID,
			"error", err)
		g.logger.Debug("rejected request detail",
			"circuit_id", circuit.ID,
			"path", r.URL.Path,
			"headers", security.MaskSensitiveHeaders(r.Header))
		g.metrics.RecordAuthRejection("permit")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if g.bans != nil {
		g.bans.RecordSuccess(ip)
	}

	if g.limiter != nil && circuit.AppMode == types.AppModeInference {
		if !g.limiter.Allow(circuit.ID) {
			g.metrics.RecordAuthRejection("rate_limit")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return false
		}
	}
	return true
}

// AdmitTCP checks one raw TCP connection. Only the CIDR allowlist and ban
// list apply; TCP carries no credential to verify.
func (g *Guard) AdmitTCP(remoteAddr string, circuit *types.Circuit) error {
	ip := clientHost(remoteAddr)

	if g.bans != nil && g.bans.IsBanned(ip) {
		return errors.New("frontend: client address is banned")
	}
	if err := auth.CheckClientIP(remoteAddr, circuit); err != nil {
		return err
	}
	if g.limiter != nil && circuit.AppMode == types.AppModeInference {
		if !g.limiter.Allow(circuit.ID) {
			return errors.New("frontend: rate limit exceeded")
		}
	}
	return nil
}
