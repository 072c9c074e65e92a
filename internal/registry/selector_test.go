package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitproxy/circuitproxy/internal/testhelpers"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

func httpInteractive() PickWorkerRequest {
	return PickWorkerRequest{
		Protocol: types.ProtocolHTTP,
		AppMode:  types.AppModeInteractive,
	}
}

func TestPickWorker_NoWorkers(t *testing.T) {
	_, err := PickWorker(nil, httpInteractive())
	assert.ErrorIs(t, err, ErrWorkerNotAvailable)
}

func TestPickWorker_SkipsDeadWorkers(t *testing.T) {
	dead := testhelpers.NewTestWorker("dead:8081", 10200, 10210)
	dead.Status = types.WorkerStatusLost
	alive := testhelpers.NewTestWorker("alive:8081", 10200, 10210)

	picked, err := PickWorker([]types.Worker{dead, alive}, httpInteractive())
	require.NoError(t, err)
	assert.Equal(t, "alive:8081", picked.Authority)
}

func TestPickWorker_ProtocolFilter(t *testing.T) {
	httpOnly := testhelpers.NewTestWorker("http:8081", 10200, 10210)
	httpOnly.Protocols = []types.ProxyProtocol{types.ProtocolHTTP}

	req := httpInteractive()
	req.Protocol = types.ProtocolTCP
	_, err := PickWorker([]types.Worker{httpOnly}, req)
	assert.ErrorIs(t, err, ErrWorkerNotAvailable)
}

func TestPickWorker_AppModeFilter(t *testing.T) {
	interactive := testhelpers.NewTestWorker("w1:8081", 10200, 10210)
	interactive.AcceptedAppModes = []types.AppMode{types.AppModeInteractive}

	req := httpInteractive()
	req.AppMode = types.AppModeInference
	_, err := PickWorker([]types.Worker{interactive}, req)
	assert.ErrorIs(t, err, ErrWorkerNotAvailable)
}

func TestPickWorker_SkipsFullWorkers(t *testing.T) {
	full := testhelpers.NewTestWorker("full:8081", 10200, 10210)
	full.OccupiedSlots = full.AvailableSlots
	free := testhelpers.NewTestWorker("free:8081", 10200, 10210)
	free.OccupiedSlots = 3

	picked, err := PickWorker([]types.Worker{full, free}, httpInteractive())
	require.NoError(t, err)
	assert.Equal(t, "free:8081", picked.Authority)
}

func TestPickWorker_PrefersMostFreeSlots(t *testing.T) {
	busy := testhelpers.NewTestWorker("busy:8081", 10200, 10210)
	busy.OccupiedSlots = 9
	idle := testhelpers.NewTestWorker("idle:8081", 10200, 10210)
	idle.OccupiedSlots = 1

	picked, err := PickWorker([]types.Worker{busy, idle}, httpInteractive())
	require.NoError(t, err)
	assert.Equal(t, "idle:8081", picked.Authority)
}

func TestPickWorker_WildcardOutranksPortWorkers(t *testing.T) {
	port := testhelpers.NewTestWorker("port:8081", 10200, 10299)
	wildcard := testhelpers.NewTestWildcardWorker("wild:8081", "apps.example.com")
	wildcard.OccupiedSlots = 500

	picked, err := PickWorker([]types.Worker{port, wildcard}, httpInteractive())
	require.NoError(t, err)
	assert.Equal(t, "wild:8081", picked.Authority)
}

func TestPickWorker_FilterRestrict(t *testing.T) {
	gpu := testhelpers.NewTestWorker("gpu:8081", 10200, 10210)
	gpu.AppFilters = []types.AppFilter{{Key: "endpoint.name", Value: "llama"}}
	gpu.FilteredAppsOnly = true

	// Non-matching request cannot land on a restricted worker.
	_, err := PickWorker([]types.Worker{gpu}, httpInteractive())
	assert.ErrorIs(t, err, ErrWorkerNotAvailable)

	// Matching request can.
	req := httpInteractive()
	req.Attrs = map[string]string{"endpoint.name": "llama"}
	picked, err := PickWorker([]types.Worker{gpu}, req)
	require.NoError(t, err)
	assert.Equal(t, "gpu:8081", picked.Authority)
}

func TestPickWorker_FilterMatchPinsRequest(t *testing.T) {
	// The pinned worker has fewer free slots than the general one, yet a
	// matching request must land on it.
	general := testhelpers.NewTestWorker("general:8081", 10200, 10299)
	pinned := testhelpers.NewTestWorker("pinned:8081", 10200, 10210)
	pinned.OccupiedSlots = 8
	pinned.AppFilters = []types.AppFilter{{Key: "endpoint.name", Value: "llama"}}

	req := httpInteractive()
	req.Attrs = map[string]string{"endpoint.name": "llama"}
	picked, err := PickWorker([]types.Worker{general, pinned}, req)
	require.NoError(t, err)
	assert.Equal(t, "pinned:8081", picked.Authority)

	// Without the attribute the general worker wins on free slots.
	picked, err = PickWorker([]types.Worker{general, pinned}, httpInteractive())
	require.NoError(t, err)
	assert.Equal(t, "general:8081", picked.Authority)
}
