// Package ratelimit caps per-circuit request rates for inference traffic
// using a sliding one-minute window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Unlimited disables rate limiting for a circuit
const Unlimited = -1

// RPMLimiter tracks requests per minute per circuit. Circuits without an
// explicit limit use the default; a default of Unlimited admits everything
// without tracking.
type RPMLimiter struct {
	mu         sync.RWMutex
	defaultRPM int
	limiters   map[uuid.UUID]*limiter
}

type limiter struct {
	rpm      int
	requests []time.Time
	mu       sync.Mutex
}

// New creates an RPMLimiter with the given default per-circuit limit.
func New(defaultRPM int) *RPMLimiter {
	if defaultRPM == 0 {
		defaultRPM = Unlimited
	}
	return &RPMLimiter{
		defaultRPM: defaultRPM,
		limiters:   make(map[uuid.UUID]*limiter),
	}
}

// SetLimit overrides the limit for one circuit, resetting its window.
func (r *RPMLimiter) SetLimit(circuitID uuid.UUID, rpm int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[circuitID] = &limiter{rpm: rpm}
}

// RemoveCircuit drops tracking state for a broken circuit.
func (r *RPMLimiter) RemoveCircuit(circuitID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, circuitID)
}

// Allow reports whether a request on the circuit is within its limit and, if
// so, records it.
func (r *RPMLimiter) Allow(circuitID uuid.UUID) bool {
	l := r.getOrCreate(circuitID)
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return checkRPMLimit(l, true)
}

// CanAllow checks the limit without recording a request.
func (r *RPMLimiter) CanAllow(circuitID uuid.UUID) bool {
	l := r.get(circuitID)
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return checkRPMLimit(l, false)
}

// GetCurrentRPM returns the request count in the current window.
func (r *RPMLimiter) GetCurrentRPM(circuitID uuid.UUID) int {
	l := r.get(circuitID)
	if l == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return cleanOldRequests(l)
}

func (r *RPMLimiter) get(circuitID uuid.UUID) *limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[circuitID]
}

// getOrCreate returns the circuit's limiter, creating one with the default
// limit on first use. Returns nil when the default is Unlimited and no
// override exists, so untracked circuits cost nothing.
func (r *RPMLimiter) getOrCreate(circuitID uuid.UUID) *limiter {
	if l := r.get(circuitID); l != nil {
		return l
	}
	if r.defaultRPM == Unlimited {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[circuitID]; ok {
		return l
	}
	l := &limiter{rpm: r.defaultRPM}
	r.limiters[circuitID] = l
	return l
}

// checkRPMLimit checks if RPM limit allows a request and optionally records it.
// Must be called with limiter.mu locked
func checkRPMLimit(l *limiter, record bool) bool {
	cleanOldRequests(l)

	if l.rpm != Unlimited && len(l.requests) >= l.rpm {
		return false
	}

	if record {
		l.requests = append(l.requests, time.Now())
	}
	return true
}

// cleanOldRequests removes requests older than 1 minute and returns the count
// of valid ones. Must be called with limiter.mu locked
func cleanOldRequests(l *limiter) int {
	oneMinuteAgo := time.Now().Add(-time.Minute)

	valid := l.requests[:0]
	for _, at := range l.requests {
		if at.After(oneMinuteAgo) {
			valid = append(valid, at)
		}
	}
	l.requests = valid
	return len(valid)
}
