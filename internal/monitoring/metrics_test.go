package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	m := New(true)
	assert.NotNil(t, m)
	assert.True(t, m.enabled)

	m2 := New(false)
	assert.NotNil(t, m2)
	assert.False(t, m2.enabled)
}

func TestRecordRelayRequest(t *testing.T) {
	RelayRequestsTotal.Reset()
	RelayRequestDuration.Reset()

	m := New(true)
	m.RecordRelayRequest("http", 100*time.Millisecond)
	m.RecordRelayRequest("tcp", 5*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(RelayRequestsTotal.WithLabelValues("http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RelayRequestsTotal.WithLabelValues("tcp")))
}

func TestRecordRelayRequest_Disabled(t *testing.T) {
	RelayRequestsTotal.Reset()

	m := New(false)
	m.RecordRelayRequest("http", 100*time.Millisecond)

	assert.Equal(t, 0, testutil.CollectAndCount(RelayRequestsTotal))
}

func TestCircuitLifecycleCounters(t *testing.T) {
	m := New(true)

	before := testutil.ToFloat64(CircuitsCreatedTotal)
	m.RecordCircuitCreated()
	assert.Equal(t, before+1, testutil.ToFloat64(CircuitsCreatedTotal))

	removedBefore := testutil.ToFloat64(CircuitsRemovedTotal)
	m.RecordCircuitsRemoved(3)
	assert.Equal(t, removedBefore+3, testutil.ToFloat64(CircuitsRemovedTotal))
}

func TestRecordCreateFailure(t *testing.T) {
	CircuitCreateFailures.Reset()

	m := New(true)
	m.RecordCreateFailure("no_worker")
	m.RecordCreateFailure("no_worker")
	m.RecordCreateFailure("ack_timeout")

	assert.Equal(t, 2.0, testutil.ToFloat64(CircuitCreateFailures.WithLabelValues("no_worker")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitCreateFailures.WithLabelValues("ack_timeout")))
}

func TestRecordAuthRejection(t *testing.T) {
	AuthRejectionsTotal.Reset()

	m := New(true)
	m.RecordAuthRejection("unauthorized")
	m.RecordAuthRejection("banned")

	assert.Equal(t, 1.0, testutil.ToFloat64(AuthRejectionsTotal.WithLabelValues("unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(AuthRejectionsTotal.WithLabelValues("banned")))
}

func TestSetBannedClients(t *testing.T) {
	m := New(true)
	m.SetBannedClients(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(BannedClientsCurrent))
	m.SetBannedClients(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(BannedClientsCurrent))
}

func TestRecordAPIRequest(t *testing.T) {
	APIRequestsTotal.Reset()

	m := New(true)
	m.RecordAPIRequest("/api/v1/circuits", 201)
	m.RecordAPIRequest("/api/v1/circuits", 201)

	assert.Equal(t, 2.0, testutil.ToFloat64(APIRequestsTotal.WithLabelValues("/api/v1/circuits", "201")))
}

func TestRecordHealthTransition(t *testing.T) {
	RouteHealthTransitions.Reset()

	m := New(true)
	m.RecordHealthTransition("healthy")
	m.RecordHealthTransition("unhealthy")
	m.RecordHealthTransition("unhealthy")

	assert.Equal(t, 1.0, testutil.ToFloat64(RouteHealthTransitions.WithLabelValues("healthy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(RouteHealthTransitions.WithLabelValues("unhealthy")))
}
