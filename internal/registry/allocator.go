package registry

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

// subdomainAttempts bounds random re-draws before giving up on a namespace
// that is essentially full
const subdomainAttempts = 10

// allocatePort picks a free port from the worker's inclusive range given the
// set of ports its circuits already occupy. A preferred port must be free or
// the call fails; without a preference the lowest free port is used.
func allocatePort(rangeStart, rangeEnd int, occupied map[int]bool, preferred int) (int, error) {
	if preferred != 0 {
		if preferred < rangeStart || preferred > rangeEnd {
			return 0, fmt.Errorf("%w: port %d outside worker range [%d, %d]",
				ErrPortNotAvailable, preferred, rangeStart, rangeEnd)
		}
		if occupied[preferred] {
			return 0, fmt.Errorf("%w: port %d already occupied", ErrPortNotAvailable, preferred)
		}
		return preferred, nil
	}

	for port := rangeStart; port <= rangeEnd; port++ {
		if !occupied[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: all %d ports occupied", ErrPortNotAvailable, rangeEnd-rangeStart+1)
}

// allocateSubdomain picks a subdomain not yet used by the worker's circuits.
// A preferred name is used verbatim when free; on collision it is retried
// with random suffixes. Without a preference a random name is generated.
func allocateSubdomain(occupied map[string]bool, preferred string) (string, error) {
	preferred = strings.ToLower(preferred)

	if preferred != "" && !occupied[preferred] {
		return preferred, nil
	}

	for i := 0; i < subdomainAttempts; i++ {
		var candidate string
		if preferred != "" {
			candidate = fmt.Sprintf("%s-%s", preferred, randomSlug(5))
		} else {
			candidate = fmt.Sprintf("app-%s", randomSlug(8))
		}
		if !occupied[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: could not find a free subdomain after %d attempts",
		ErrPortNotAvailable, subdomainAttempts)
}

// randomSlug returns n hex characters of fresh randomness
func randomSlug(n int) string {
	s := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// occupiedAddresses splits a worker's circuit addresses into port and
// subdomain occupancy sets
func occupiedAddresses(circuits []types.Circuit) (ports map[int]bool, subdomains map[string]bool) {
	ports = make(map[int]bool, len(circuits))
	subdomains = make(map[string]bool, len(circuits))
	for _, c := range circuits {
		if c.Port != 0 {
			ports[c.Port] = true
		}
		if c.Subdomain != "" {
			subdomains[strings.ToLower(c.Subdomain)] = true
		}
	}
	return ports, subdomains
}
