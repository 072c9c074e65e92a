package frontend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitproxy/circuitproxy/internal/testhelpers"
	"github.com/circuitproxy/circuitproxy/internal/usagelog"
)

func TestTraefik_TracksCircuits(t *testing.T) {
	f := NewTraefik(nil, testhelpers.NewTestLogger())

	circuit := publicCircuit(10201)
	require.NoError(t, f.RegisterCircuit(circuit, circuit.Routes))
	require.Len(t, f.Circuits(), 1)
	assert.Equal(t, circuit.ID, f.Circuits()[0].ID)

	require.NoError(t, f.BreakCircuit(circuit))
	assert.Empty(t, f.Circuits())
}

func TestTraefik_AddressConflict(t *testing.T) {
	f := NewTraefik(nil, testhelpers.NewTestLogger())

	require.NoError(t, f.RegisterCircuit(publicCircuit(10201), nil))
	assert.ErrorIs(t, f.RegisterCircuit(publicCircuit(10201), nil), ErrAddressInUse)
}

func TestTraefik_UnknownCircuitErrors(t *testing.T) {
	f := NewTraefik(nil, testhelpers.NewTestLogger())

	circuit := publicCircuit(10201)
	assert.ErrorIs(t, f.UpdateCircuitRouteInfo(circuit, nil), ErrCircuitNotRegistered)
	assert.ErrorIs(t, f.BreakCircuit(circuit), ErrCircuitNotRegistered)
}

func TestTraefik_MarksCircuitsUsed(t *testing.T) {
	recorder := usagelog.NewRecorder(noopSink{}, 16, time.Minute, testhelpers.NewTestLogger())
	f := NewTraefik(recorder, testhelpers.NewTestLogger())

	circuit := publicCircuit(10201)
	require.NoError(t, f.RegisterCircuit(circuit, nil))
	require.NoError(t, f.UpdateCircuitRouteInfo(circuit, nil))

	assert.Equal(t, uint64(2), recorder.GetStats().Queued)
}

func TestTraefik_ReRegisterSameCircuit(t *testing.T) {
	f := NewTraefik(nil, testhelpers.NewTestLogger())

	circuit := publicCircuit(10201)
	require.NoError(t, f.RegisterCircuit(circuit, nil))
	require.NoError(t, f.RegisterCircuit(circuit, nil))
	assert.Len(t, f.Circuits(), 1)
}
