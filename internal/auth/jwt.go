package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token validation errors
var (
	ErrTokenInvalid  = errors.New("auth: token invalid")
	ErrTokenMismatch = errors.New("auth: token bound to a different circuit")
)

// circuitClaims binds a bearer token to exactly one circuit.
type circuitClaims struct {
	CircuitID string `json:"circuit_id"`
	jwt.RegisteredClaims
}

// CircuitTokens issues and verifies the HS256 bearer tokens that authorize
// inference traffic. The signing secret is shared across the cluster.
type CircuitTokens struct {
	secret []byte
}

// NewCircuitTokens creates a token issuer/verifier.
func NewCircuitTokens(jwtSecret string) (*CircuitTokens, error) {
	if jwtSecret == "" {
		return nil, fmt.Errorf("auth: jwt secret is required")
	}
	return &CircuitTokens{secret: []byte(jwtSecret)}, nil
}

// Issue signs a token for the circuit. A non-positive ttl produces a token
// without an expiry claim.
func (t *CircuitTokens) Issue(circuitID uuid.UUID, ttl time.Duration) (string, error) {
	claims := circuitClaims{
		CircuitID: circuitID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign circuit token: %w", err)
	}
	return signed, nil
}

// Verify parses the raw token and checks that its claims bind the given
// circuit. Signature algorithm is pinned to HS256.
func (t *CircuitTokens) Verify(raw string, circuitID uuid.UUID) error {
	var claims circuitClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}
	if claims.CircuitID != circuitID.String() {
		return ErrTokenMismatch
	}
	return nil
}
