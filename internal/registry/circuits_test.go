package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitproxy/circuitproxy/internal/testhelpers"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

func TestMergeRoutes_CarriesHealthBySession(t *testing.T) {
	existing := testhelpers.NewTestRoute("10.0.0.1", 8000, 1)
	existing = testhelpers.MarkRouteHealth(existing, types.HealthStatusUnhealthy)
	existing.ConsecutiveFailures = 4
	checked := time.Now().UTC().Add(-time.Minute)
	existing.LastHealthCheck = &checked

	// Same session comes back with a new weight.
	incoming := existing
	incoming.TrafficRatio = 0.5
	incoming.HealthStatus = nil
	incoming.LastHealthCheck = nil
	incoming.ConsecutiveFailures = 0

	merged := mergeRoutes([]types.RouteInfo{existing}, []types.RouteInfo{incoming})
	require.Len(t, merged, 1)
	assert.Equal(t, 0.5, merged[0].TrafficRatio)
	require.NotNil(t, merged[0].HealthStatus)
	assert.Equal(t, types.HealthStatusUnhealthy, *merged[0].HealthStatus)
	assert.Equal(t, 4, merged[0].ConsecutiveFailures)
	require.NotNil(t, merged[0].LastHealthCheck)
	assert.Equal(t, checked, *merged[0].LastHealthCheck)
}

func TestMergeRoutes_NewSessionStartsFresh(t *testing.T) {
	existing := testhelpers.NewTestRoute("10.0.0.1", 8000, 1)
	existing = testhelpers.MarkRouteHealth(existing, types.HealthStatusUnhealthy)

	incoming := testhelpers.NewTestRoute("10.0.0.2", 8000, 1)

	merged := mergeRoutes([]types.RouteInfo{existing}, []types.RouteInfo{incoming})
	require.Len(t, merged, 1)
	assert.Equal(t, incoming.SessionID, merged[0].SessionID)
	assert.Nil(t, merged[0].HealthStatus, "a session never seen before has no health history")
}

func TestMergeRoutes_DroppedSessionDisappears(t *testing.T) {
	keep := testhelpers.NewTestRoute("10.0.0.1", 8000, 1)
	drop := testhelpers.NewTestRoute("10.0.0.2", 8000, 1)

	merged := mergeRoutes([]types.RouteInfo{keep, drop}, []types.RouteInfo{keep})
	require.Len(t, merged, 1)
	assert.Equal(t, keep.SessionID, merged[0].SessionID)
}

func TestMergeRoutes_ExplicitZeroRatioSurvives(t *testing.T) {
	existing := testhelpers.NewTestRoute("10.0.0.1", 8000, 1)

	// A drained route arrives with an explicit zero weight; the merge must
	// not resurrect the old weight.
	drained := existing
	drained.TrafficRatio = 0

	merged := mergeRoutes([]types.RouteInfo{existing}, []types.RouteInfo{drained})
	require.Len(t, merged, 1)
	assert.Zero(t, merged[0].TrafficRatio)
}

func TestSessionIDs(t *testing.T) {
	a := testhelpers.NewTestRoute("10.0.0.1", 8000, 1)
	b := testhelpers.NewTestRoute("10.0.0.2", 8000, 1)

	ids := sessionIDs([]types.RouteInfo{a, b})
	assert.Equal(t, []uuid.UUID{a.SessionID, b.SessionID}, ids)
}

func TestIsRetryableTxError(t *testing.T) {
	assert.True(t, isRetryableTxError(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isRetryableTxError(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, isRetryableTxError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})))
	assert.False(t, isRetryableTxError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isRetryableTxError(assert.AnError))
	assert.False(t, isRetryableTxError(nil))
}
