package ratelimit

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAllow_WithinLimit(t *testing.T) {
	rl := New(3)
	circuitID := uuid.New()

	assert.True(t, rl.Allow(circuitID))
	assert.True(t, rl.Allow(circuitID))
	assert.True(t, rl.Allow(circuitID))
	assert.False(t, rl.Allow(circuitID))
}

func TestAllow_UnlimitedDefault(t *testing.T) {
	rl := New(Unlimited)
	circuitID := uuid.New()

	for i := 0; i < 1000; i++ {
		assert.True(t, rl.Allow(circuitID))
	}
	// Nothing is tracked for unlimited circuits
	assert.Equal(t, 0, rl.GetCurrentRPM(circuitID))
}

func TestAllow_PerCircuitWindows(t *testing.T) {
	rl := New(2)
	a, b := uuid.New(), uuid.New()

	assert.True(t, rl.Allow(a))
	assert.True(t, rl.Allow(a))
	assert.False(t, rl.Allow(a))

	// Circuit b has its own window
	assert.True(t, rl.Allow(b))
	assert.True(t, rl.Allow(b))
}

func TestSetLimit_Override(t *testing.T) {
	rl := New(Unlimited)
	circuitID := uuid.New()
	rl.SetLimit(circuitID, 1)

	assert.True(t, rl.Allow(circuitID))
	assert.False(t, rl.Allow(circuitID))
}

func TestCanAllow_DoesNotRecord(t *testing.T) {
	rl := New(2)
	circuitID := uuid.New()

	assert.True(t, rl.Allow(circuitID))
	assert.True(t, rl.CanAllow(circuitID))
	assert.True(t, rl.CanAllow(circuitID))
	assert.Equal(t, 1, rl.GetCurrentRPM(circuitID))
}

func TestRemoveCircuit_ResetsWindow(t *testing.T) {
	rl := New(1)
	circuitID := uuid.New()

	assert.True(t, rl.Allow(circuitID))
	assert.False(t, rl.Allow(circuitID))

	rl.RemoveCircuit(circuitID)
	assert.True(t, rl.Allow(circuitID))
}

func TestConcurrentAllow(t *testing.T) {
	rl := New(1000)
	circuitID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rl.Allow(circuitID)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, rl.GetCurrentRPM(circuitID))
}
