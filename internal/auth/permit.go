// Package auth implements the worker-side authorization gate: signed permit
// cookies for interactive apps, circuit-bound JWT bearers for inference
// endpoints, and an LRU cache for gate decisions.
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/google/uuid"

	"github.com/circuitproxy/circuitproxy/internal/config"
)

// PermitSigner produces and verifies the permit cookie value for interactive
// circuits: a keyed digest of the owning user's id. The same secret and
// digest are rendered into the Traefik plugin config, so both data planes
// accept the same cookie.
type PermitSigner struct {
	secret []byte
	digest func() hash.Hash
}

// NewPermitSigner builds a signer from the permit_hash config section.
func NewPermitSigner(cfg config.PermitHashConfig) (*PermitSigner, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth: permit hash secret is required")
	}
	var digest func() hash.Hash
	switch cfg.DigestMod {
	case "sha1":
		digest = sha1.New
	case "sha256", "":
		digest = sha256.New
	case "sha512":
		digest = sha512.New
	default:
		return nil, fmt.Errorf("auth: unknown permit digest %q", cfg.DigestMod)
	}
	return &PermitSigner{secret: []byte(cfg.Secret), digest: digest}, nil
}

// Sign returns the permit value for the given user.
func (s *PermitSigner) Sign(userID uuid.UUID) string {
	mac := hmac.New(s.digest, s.secret)
	mac.Write([]byte(userID.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the presented permit matches the user. The compare
// is constant-time.
func (s *PermitSigner) Verify(userID uuid.UUID, permit string) bool {
	presented, err := hex.DecodeString(permit)
	if err != nil {
		return false
	}
	mac := hmac.New(s.digest, s.secret)
	mac.Write([]byte(userID.String()))
	return hmac.Equal(presented, mac.Sum(nil))
}
