package frontend

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/circuitproxy/circuitproxy/internal/types"
	"github.com/circuitproxy/circuitproxy/internal/usagelog"
)

// Traefik is the variant for workers whose traffic is terminated by an
// external Traefik instance. The worker never sees circuit traffic, so this
// frontend only tracks which circuits are assigned and marks them used on
// registration and route updates so idle collection does not reap circuits
// the worker cannot observe.
type Traefik struct {
	recorder *usagelog.Recorder
	logger   *slog.Logger

	mu       sync.RWMutex
	circuits map[string]types.Circuit // keyed by Address()
}

// NewTraefik creates the variant. The recorder may be nil.
func NewTraefik(recorder *usagelog.Recorder, logger *slog.Logger) *Traefik {
	if logger == nil {
		panic("frontend: logger is required")
	}
	return &Traefik{
		recorder: recorder,
		logger:   logger,
		circuits: map[string]types.Circuit{},
	}
}

// RegisterCircuit records the assignment and marks the circuit used.
func (f *Traefik) RegisterCircuit(circuit types.Circuit, _ []types.RouteInfo) error {
	addr := circuit.Address()

	f.mu.Lock()
	existing, ok := f.circuits[addr]
	if ok && existing.ID != circuit.ID {
		f.mu.Unlock()
		return fmt.Errorf("%w: address %q", ErrAddressInUse, addr)
	}
	f.circuits[addr] = circuit
	f.mu.Unlock()

	f.markUsed(circuit)
	f.logger.Info("circuit tracked", "circuit_id", circuit.ID, "address", addr)
	return nil
}

// UpdateCircuitRouteInfo refreshes the tracked circuit.
func (f *Traefik) UpdateCircuitRouteInfo(circuit types.Circuit, _ []types.RouteInfo) error {
	addr := circuit.Address()

	f.mu.Lock()
	_, ok := f.circuits[addr]
	if ok {
		f.circuits[addr] = circuit
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: address %q", ErrCircuitNotRegistered, addr)
	}

	f.markUsed(circuit)
	return nil
}

// BreakCircuit drops the tracked assignment.
func (f *Traefik) BreakCircuit(circuit types.Circuit) error {
	addr := circuit.Address()

	f.mu.Lock()
	_, ok := f.circuits[addr]
	if ok {
		delete(f.circuits, addr)
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: address %q", ErrCircuitNotRegistered, addr)
	}

	f.logger.Info("circuit untracked", "circuit_id", circuit.ID, "address", addr)
	return nil
}

// Circuits returns a snapshot of the tracked assignments.
func (f *Traefik) Circuits() []types.Circuit {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]types.Circuit, 0, len(f.circuits))
	for _, c := range f.circuits {
		out = append(out, c)
	}
	return out
}

// Close drops all tracked circuits.
func (f *Traefik) Close() error {
	f.mu.Lock()
	f.circuits = map[string]types.Circuit{}
	f.mu.Unlock()
	return nil
}

func (f *Traefik) markUsed(circuit types.Circuit) {
	if f.recorder == nil {
		return
	}
	f.recorder.Mark(circuit.ID, time.Now().UTC())
}

var _ Frontend = (*Traefik)(nil)
