package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/circuitproxy/circuitproxy/internal/security"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

// Gate errors
var (
	// ErrUnauthorized is returned when a request carries no valid credential
	ErrUnauthorized = errors.New("auth: unauthorized")

	// ErrClientIPDenied is returned when the peer address is outside the
	// circuit's CIDR allowlist
	ErrClientIPDenied = errors.New("auth: client ip not allowed")
)

// Gate is the per-request authorization check run by the frontend before any
// route is selected. Interactive circuits require a signed permit cookie for
// the owning user; inference circuits require a JWT bound to the circuit id.
type Gate struct {
	permits *PermitSigner
	tokens  *CircuitTokens
	cache   *Cache
	logger  *slog.Logger
}

// NewGate creates a Gate. The cache is optional; a nil cache disables
// decision caching.
func NewGate(permits *PermitSigner, tokens *CircuitTokens, cache *Cache, logger *slog.Logger) *Gate {
	if permits == nil {
		panic("auth: permit signer is required")
	}
	if tokens == nil {
		panic("auth: circuit tokens is required")
	}
	if logger == nil {
		panic("auth: logger is required")
	}
	return &Gate{permits: permits, tokens: tokens, cache: cache, logger: logger}
}

// Authorize checks the request against the circuit's access policy.
// The CIDR allowlist applies to every request, including public circuits;
// credential checks are skipped for CORS preflights and public circuits.
func (g *Gate) Authorize(r *http.Request, circuit *types.Circuit) error {
	if err := g.checkClientIP(r, circuit); err != nil {
		return err
	}
	if r.Method == http.MethodOptions || circuit.OpenToPublic {
		return nil
	}

	switch circuit.AppMode {
	case types.AppModeInteractive:
		return g.authorizeInteractive(r, circuit)
	case types.AppModeInference:
		return g.authorizeInference(r, circuit)
	}
	return fmt.Errorf("%w: unknown app mode %q", ErrUnauthorized, circuit.AppMode)
}

func (g *Gate) authorizeInteractive(r *http.Request, circuit *types.Circuit) error {
	if circuit.UserID == nil {
		return fmt.Errorf("%w: circuit has no owning user", ErrUnauthorized)
	}
	cookie, err := r.Cookie(types.PermitCookieName)
	if err != nil || cookie.Value == "" {
		return fmt.Errorf("%w: permit cookie missing", ErrUnauthorized)
	}

	key := Key(circuit.ID, cookie.Value)
	if allowed, ok := g.cache.Get(key); ok {
		if !allowed {
			return fmt.Errorf("%w: permit rejected", ErrUnauthorized)
		}
		return nil
	}

	allowed := g.permits.Verify(*circuit.UserID, cookie.Value)
	g.cache.Set(key, allowed)
	if !allowed {
		g.logger.Debug("Permit cookie rejected",
			"circuit_id", circuit.ID,
			"permit", security.MaskToken(cookie.Value),
		)
		return fmt.Errorf("%w: permit rejected", ErrUnauthorized)
	}
	return nil
}

func (g *Gate) authorizeInference(r *http.Request, circuit *types.Circuit) error {
	raw := bearerToken(r)
	if raw == "" {
		return fmt.Errorf("%w: bearer token missing", ErrUnauthorized)
	}

	key := Key(circuit.ID, raw)
	if allowed, ok := g.cache.Get(key); ok {
		if !allowed {
			return fmt.Errorf("%w: bearer token rejected", ErrUnauthorized)
		}
		return nil
	}

	err := g.tokens.Verify(raw, circuit.ID)
	g.cache.Set(key, err == nil)
	if err != nil {
		g.logger.Debug("Bearer token rejected",
			"circuit_id", circuit.ID,
			"token", security.MaskToken(raw),
			"error", err,
		)
		return fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}
	return nil
}

func (g *Gate) checkClientIP(r *http.Request, circuit *types.Circuit) error {
	return CheckClientIP(r.RemoteAddr, circuit)
}

// CheckClientIP enforces the circuit's CIDR allowlist when one is set.
// Entries may be CIDR blocks or bare addresses. Used directly by the TCP
// frontend, which has no HTTP request to gate.
func CheckClientIP(remoteAddr string, circuit *types.Circuit) error {
	if len(circuit.AllowedClientIPs) == 0 {
		return nil
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unparseable peer address %q", ErrClientIPDenied, remoteAddr)
	}

	for _, entry := range circuit.AllowedClientIPs {
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err == nil && network.Contains(ip) {
				return nil
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrClientIPDenied, ip)
}

// bearerToken extracts the Authorization bearer credential, if any.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
