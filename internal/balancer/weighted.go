// Package balancer distributes circuit traffic across backend routes.
package balancer

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

var (
	// ErrNoRouteAvailable is returned when every route is drained or the
	// route set is empty. A single route with traffic ratio 0 is a
	// deliberate drain, not a fallback candidate.
	ErrNoRouteAvailable = errors.New("balancer: no route available")
)

// Weighted picks a route per request with probability proportional to its
// traffic ratio. Selection is independent per request: no stickiness, no
// sequencing guarantees between consecutive picks.
type Weighted struct {
	mu     sync.RWMutex
	routes []types.RouteInfo
	total  float64
	rnd    *rand.Rand
}

// New creates a weighted balancer over the given routes
func New(routes []types.RouteInfo) *Weighted {
	b := &Weighted{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	b.SetRoutes(routes)
	return b
}

// SetRoutes atomically replaces the route set. Used for hot-swapping routes
// on circuit-route-updated without touching in-flight requests.
func (b *Weighted) SetRoutes(routes []types.RouteInfo) {
	copied := make([]types.RouteInfo, len(routes))
	copy(copied, routes)

	var total float64
	for _, r := range copied {
		if r.TrafficRatio > 0 {
			total += r.TrafficRatio
		}
	}

	b.mu.Lock()
	b.routes = copied
	b.total = total
	b.mu.Unlock()
}

// Pick selects one route by weighted random draw
func (b *Weighted) Pick() (types.RouteInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.total <= 0 {
		return types.RouteInfo{}, ErrNoRouteAvailable
	}

	target := b.rnd.Float64() * b.total
	var cumulative float64
	for _, r := range b.routes {
		if r.TrafficRatio <= 0 {
			continue
		}
		cumulative += r.TrafficRatio
		if target < cumulative {
			return r, nil
		}
	}
	// Float accumulation can land target exactly on the total; the last
	// weighted route takes it.
	for i := len(b.routes) - 1; i >= 0; i-- {
		if b.routes[i].TrafficRatio > 0 {
			return b.routes[i], nil
		}
	}
	return types.RouteInfo{}, ErrNoRouteAvailable
}

// Routes returns a snapshot of the current route set
func (b *Weighted) Routes() []types.RouteInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.RouteInfo, len(b.routes))
	copy(out, b.routes)
	return out
}

// Len returns the number of routes, drained ones included
func (b *Weighted) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.routes)
}
