package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitproxy/circuitproxy/internal/config"
	"github.com/circuitproxy/circuitproxy/internal/events"
	"github.com/circuitproxy/circuitproxy/internal/frontend"
	"github.com/circuitproxy/circuitproxy/internal/httputil"
	"github.com/circuitproxy/circuitproxy/internal/testhelpers"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

// fakeFrontend records every call so tests can assert the event loop's
// dispatch without real listeners.
type fakeFrontend struct {
	mu         sync.Mutex
	registered map[uuid.UUID][]types.RouteInfo
	updated    map[uuid.UUID][]types.RouteInfo
	broken     map[uuid.UUID]bool
}

func newFakeFrontend() *fakeFrontend {
	return &fakeFrontend{
		registered: map[uuid.UUID][]types.RouteInfo{},
		updated:    map[uuid.UUID][]types.RouteInfo{},
		broken:     map[uuid.UUID]bool{},
	}
}

func (f *fakeFrontend) RegisterCircuit(c types.Circuit, routes []types.RouteInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[c.ID] = routes
	return nil
}

func (f *fakeFrontend) UpdateCircuitRouteInfo(c types.Circuit, routes []types.RouteInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.registered[c.ID]; !ok {
		return frontend.ErrCircuitNotRegistered
	}
	f.updated[c.ID] = routes
	return nil
}

func (f *fakeFrontend) BreakCircuit(c types.Circuit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.registered[c.ID]; !ok {
		return frontend.ErrCircuitNotRegistered
	}
	delete(f.registered, c.ID)
	f.broken[c.ID] = true
	return nil
}

func (f *fakeFrontend) Close() error { return nil }

func (f *fakeFrontend) isRegistered(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[id]
	return ok
}

func (f *fakeFrontend) isBroken(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broken[id]
}

func (f *fakeFrontend) updatedRoutes(id uuid.UUID) []types.RouteInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updated[id]
}

// fakeCoordinator serves the worker-facing control-plane surface.
type fakeCoordinator struct {
	mu                sync.Mutex
	failRegistrations int32 // fail the first N registration attempts
	registered        []types.Worker
	heartbeats        int32
	assigned          []types.Circuit
}

func (fc *fakeCoordinator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workers/register", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&fc.failRegistrations, -1) >= 0 {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		var announced types.Worker
		if err := json.NewDecoder(r.Body).Decode(&announced); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		announced.ID = uuid.New()
		announced.Status = types.WorkerStatusAlive

		fc.mu.Lock()
		fc.registered = append(fc.registered, announced)
		fc.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(announced)
	})
	mux.HandleFunc("POST /api/v1/workers/{authority}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fc.heartbeats, 1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/v1/workers/{authority}/circuits", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		assigned := fc.assigned
		fc.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(assigned)
	})
	return mux
}

func testConfig(coordinatorURL string) *config.WorkerConfig {
	return &config.WorkerConfig{
		Authority:    "w1:8081",
		FrontendMode: "port",
		Protocols:    []string{"http", "tcp"},
		PortRange:    [2]int{10200, 10300},
		Coordinator: config.CoordinatorClientConfig{
			URL:               coordinatorURL,
			APISecret:         "test-secret",
			HeartbeatInterval: 20 * time.Millisecond,
			RegisterRetryMax:  5,
		},
	}
}

func startNode(t *testing.T, cfg *config.WorkerConfig, fe frontend.Frontend, bus events.Bus) *Node {
	t.Helper()
	n := New(cfg, fe, bus, testhelpers.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("node did not stop")
		}
	})
	return n
}

func TestNode_RegistersAndHeartbeats(t *testing.T) {
	fc := &fakeCoordinator{}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	n := startNode(t, cfg, newFakeFrontend(), events.NewLocalBus(testhelpers.NewTestLogger()))

	assert.Eventually(t, func() bool {
		return n.Worker().ID != uuid.Nil
	}, 2*time.Second, 10*time.Millisecond)

	fc.mu.Lock()
	require.Len(t, fc.registered, 1)
	announced := fc.registered[0]
	fc.mu.Unlock()
	assert.Equal(t, "w1:8081", announced.Authority)
	assert.Equal(t, types.FrontendModePort, announced.FrontendMode)
	assert.Equal(t, 10200, announced.PortRangeStart)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fc.heartbeats) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNode_RegistrationRetriesWithBackoff(t *testing.T) {
	fc := &fakeCoordinator{failRegistrations: 2}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	n := startNode(t, cfg, newFakeFrontend(), events.NewLocalBus(testhelpers.NewTestLogger()))

	assert.Eventually(t, func() bool {
		return n.Worker().ID != uuid.Nil
	}, 10*time.Second, 50*time.Millisecond)
}

func TestNode_RegistrationGivesUp(t *testing.T) {
	fc := &fakeCoordinator{failRegistrations: 100}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Coordinator.RegisterRetryMax = 2

	n := New(cfg, newFakeFrontend(), nil, testhelpers.NewTestLogger())
	err := n.Run(context.Background())
	require.Error(t, err)

	var statusErr *httputil.StatusError
	assert.ErrorAs(t, err, &statusErr)
}

func TestNode_RecoversAssignedCircuits(t *testing.T) {
	worker := testhelpers.NewTestWorker("w1:8081", 10200, 10300)
	assigned := []types.Circuit{
		testhelpers.NewTestCircuit(worker, 10201, "10.0.0.1", 8888),
		testhelpers.NewTestCircuit(worker, 10202, "10.0.0.2", 8888),
	}

	fc := &fakeCoordinator{assigned: assigned}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	fe := newFakeFrontend()
	startNode(t, testConfig(srv.URL), fe, events.NewLocalBus(testhelpers.NewTestLogger()))

	assert.Eventually(t, func() bool {
		return fe.isRegistered(assigned[0].ID) && fe.isRegistered(assigned[1].ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNode_ActivatesCreatedCircuitsAndAcks(t *testing.T) {
	fc := &fakeCoordinator{}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	bus := events.NewLocalBus(testhelpers.NewTestLogger())
	fe := newFakeFrontend()
	n := startNode(t, testConfig(srv.URL), fe, bus)

	assert.Eventually(t, func() bool {
		return n.Worker().ID != uuid.Nil
	}, 2*time.Second, 10*time.Millisecond)

	ackCh, cancel := bus.Subscribe("test-observer")
	defer cancel()

	worker := testhelpers.NewTestWorker("w1:8081", 10200, 10300)
	circuit := testhelpers.NewTestCircuit(worker, 10205, "10.0.0.1", 8888)

	event := events.NewEvent(events.TypeCircuitCreated, "w1:8081")
	event.Circuits = []types.Circuit{circuit}
	require.NoError(t, bus.Publish(context.Background(), event))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ack := <-ackCh:
			if ack.Type != events.TypeWorkerCircuitAdded {
				continue
			}
			require.Len(t, ack.Circuits, 1)
			assert.Equal(t, circuit.ID, ack.Circuits[0].ID)
			assert.True(t, fe.isRegistered(circuit.ID))
			return
		case <-deadline:
			t.Fatal("no acknowledgement received")
		}
	}
}

func TestNode_IgnoresEventsForOtherAuthorities(t *testing.T) {
	fc := &fakeCoordinator{}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	bus := events.NewLocalBus(testhelpers.NewTestLogger())
	fe := newFakeFrontend()
	n := startNode(t, testConfig(srv.URL), fe, bus)

	assert.Eventually(t, func() bool {
		return n.Worker().ID != uuid.Nil
	}, 2*time.Second, 10*time.Millisecond)

	worker := testhelpers.NewTestWorker("other:8081", 10200, 10300)
	circuit := testhelpers.NewTestCircuit(worker, 10205, "10.0.0.1", 8888)

	event := events.NewEvent(events.TypeCircuitCreated, "other:8081")
	event.Circuits = []types.Circuit{circuit}
	require.NoError(t, bus.Publish(context.Background(), event))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fe.isRegistered(circuit.ID))
}

func TestNode_AppliesRouteUpdates(t *testing.T) {
	fc := &fakeCoordinator{}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	bus := events.NewLocalBus(testhelpers.NewTestLogger())
	fe := newFakeFrontend()
	n := startNode(t, testConfig(srv.URL), fe, bus)

	assert.Eventually(t, func() bool {
		return n.Worker().ID != uuid.Nil
	}, 2*time.Second, 10*time.Millisecond)

	worker := testhelpers.NewTestWorker("w1:8081", 10200, 10300)
	circuit := testhelpers.NewTestCircuit(worker, 10205, "10.0.0.1", 8888)

	created := events.NewEvent(events.TypeCircuitCreated, "w1:8081")
	created.Circuits = []types.Circuit{circuit}
	require.NoError(t, bus.Publish(context.Background(), created))

	assert.Eventually(t, func() bool {
		return fe.isRegistered(circuit.ID)
	}, 2*time.Second, 10*time.Millisecond)

	newRoutes := []types.RouteInfo{
		testhelpers.NewTestRoute("10.0.0.9", 8888, 1),
		testhelpers.NewTestRoute("10.0.0.10", 8888, 1),
	}
	updated := events.NewEvent(events.TypeCircuitRouteUpdated, "w1:8081")
	updated.Circuit = &circuit
	updated.Routes = newRoutes
	require.NoError(t, bus.Publish(context.Background(), updated))

	assert.Eventually(t, func() bool {
		return len(fe.updatedRoutes(circuit.ID)) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNode_RouteUpdateForUnknownCircuitRegistersIt(t *testing.T) {
	fc := &fakeCoordinator{}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	bus := events.NewLocalBus(testhelpers.NewTestLogger())
	fe := newFakeFrontend()
	n := startNode(t, testConfig(srv.URL), fe, bus)

	assert.Eventually(t, func() bool {
		return n.Worker().ID != uuid.Nil
	}, 2*time.Second, 10*time.Millisecond)

	worker := testhelpers.NewTestWorker("w1:8081", 10200, 10300)
	circuit := testhelpers.NewTestCircuit(worker, 10205, "10.0.0.1", 8888)

	updated := events.NewEvent(events.TypeCircuitRouteUpdated, "w1:8081")
	updated.Circuit = &circuit
	updated.Routes = circuit.Routes
	require.NoError(t, bus.Publish(context.Background(), updated))

	assert.Eventually(t, func() bool {
		return fe.isRegistered(circuit.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNode_RemovesCircuits(t *testing.T) {
	fc := &fakeCoordinator{}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	bus := events.NewLocalBus(testhelpers.NewTestLogger())
	fe := newFakeFrontend()
	n := startNode(t, testConfig(srv.URL), fe, bus)

	assert.Eventually(t, func() bool {
		return n.Worker().ID != uuid.Nil
	}, 2*time.Second, 10*time.Millisecond)

	worker := testhelpers.NewTestWorker("w1:8081", 10200, 10300)
	circuit := testhelpers.NewTestCircuit(worker, 10205, "10.0.0.1", 8888)

	created := events.NewEvent(events.TypeCircuitCreated, "w1:8081")
	created.Circuits = []types.Circuit{circuit}
	require.NoError(t, bus.Publish(context.Background(), created))

	assert.Eventually(t, func() bool {
		return fe.isRegistered(circuit.ID)
	}, 2*time.Second, 10*time.Millisecond)

	removed := events.NewEvent(events.TypeCircuitRemoved, "w1:8081")
	removed.Circuits = []types.Circuit{circuit}
	require.NoError(t, bus.Publish(context.Background(), removed))

	assert.Eventually(t, func() bool {
		return fe.isBroken(circuit.ID)
	}, 2*time.Second, 10*time.Millisecond)
}
