package registry

import (
	"sort"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

// PickWorkerRequest is the shape of a circuit request during worker selection
type PickWorkerRequest struct {
	Protocol types.ProxyProtocol
	AppMode  types.AppMode

	// Attrs are flattened session/endpoint attributes matched against worker
	// app filters, e.g. {"session.id": "<uuid>", "endpoint.name": "llama"}.
	Attrs map[string]string
}

// PickWorker ranks eligible workers and returns the best candidate.
//
// Eligibility: status alive, protocol supported, app mode accepted, and the
// worker's app filters satisfied. Filter semantics: a worker with
// FilteredAppsOnly accepts only matching requests (restrict); a request
// matching any worker's filters is pinned to the matching workers (prefer).
//
// Ranking: wildcard-domain workers always outrank port workers since their
// address namespace never exhausts; port workers are ranked by descending
// free-slot count.
func PickWorker(workers []types.Worker, req PickWorkerRequest) (*types.Worker, error) {
	var candidates []types.Worker
	var preferred []types.Worker

	for _, w := range workers {
		if w.Status != types.WorkerStatusAlive {
			continue
		}
		if !w.SupportsProtocol(req.Protocol) {
			continue
		}
		if !w.AcceptsAppMode(req.AppMode) {
			continue
		}
		if !w.Unlimited() && w.FreeSlots() <= 0 {
			continue
		}

		matches := len(w.AppFilters) > 0 && w.MatchesFilter(req.Attrs)
		if w.FilteredAppsOnly && !matches {
			continue
		}

		candidates = append(candidates, w)
		if matches {
			preferred = append(preferred, w)
		}
	}

	// A filter match pins the request to the matching workers.
	if len(preferred) > 0 {
		candidates = preferred
	}
	if len(candidates) == 0 {
		return nil, ErrWorkerNotAvailable
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return workerRank(candidates[i]) > workerRank(candidates[j])
	})

	top := candidates[0]
	return &top, nil
}

// workerRank orders workers for selection: higher is better. Wildcard
// workers get effectively infinite rank.
func workerRank(w types.Worker) int {
	if w.Unlimited() {
		return int(^uint(0) >> 1) // max int
	}
	return w.FreeSlots()
}
