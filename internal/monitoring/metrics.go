// Package monitoring holds the Prometheus instrumentation shared by the
// coordinator and worker processes.
package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CircuitsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circuitproxy_circuits_created_total",
			Help: "Total number of circuits provisioned",
		},
	)

	CircuitsRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circuitproxy_circuits_removed_total",
			Help: "Total number of circuits torn down",
		},
	)

	CircuitCreateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitproxy_circuit_create_failures_total",
			Help: "Circuit provisioning failures by reason",
		},
		[]string{"reason"},
	)

	RouteHealthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitproxy_route_health_transitions_total",
			Help: "Route health status transitions by new status",
		},
		[]string{"status"},
	)

	RelayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitproxy_relay_requests_total",
			Help: "Forwarded requests and connections by protocol",
		},
		[]string{"protocol"},
	)

	RelayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "circuitproxy_relay_request_duration_seconds",
			Help:    "HTTP relay duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 10, 30, 60, 120, 600},
		},
		[]string{"protocol"},
	)

	AuthRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitproxy_auth_rejections_total",
			Help: "Requests rejected before route selection, by reason",
		},
		[]string{"reason"},
	)

	BannedClientsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuitproxy_banned_clients_current",
			Help: "Client addresses currently banned",
		},
	)

	WorkersLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circuitproxy_workers_lost_total",
			Help: "Workers flipped to LOST on missed heartbeats",
		},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitproxy_api_requests_total",
			Help: "Control-plane API requests by path pattern and status",
		},
		[]string{"path", "status"},
	)
)

// Metrics gates metric updates behind the prometheus_enabled config flag.
type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) RecordCircuitCreated() {
	if !m.isEnabled() {
		return
	}
	CircuitsCreatedTotal.Inc()
}

func (m *Metrics) RecordCircuitsRemoved(n int) {
	if !m.isEnabled() {
		return
	}
	CircuitsRemovedTotal.Add(float64(n))
}

func (m *Metrics) RecordCreateFailure(reason string) {
	if !m.isEnabled() {
		return
	}
	CircuitCreateFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordHealthTransition(status string) {
	if !m.isEnabled() {
		return
	}
	RouteHealthTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRelayRequest(protocol string, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	RelayRequestsTotal.WithLabelValues(protocol).Inc()
	RelayRequestDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

func (m *Metrics) RecordAuthRejection(reason string) {
	if !m.isEnabled() {
		return
	}
	AuthRejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetBannedClients(n int) {
	if !m.isEnabled() {
		return
	}
	BannedClientsCurrent.Set(float64(n))
}

func (m *Metrics) RecordWorkersLost(n int) {
	if !m.isEnabled() {
		return
	}
	WorkersLostTotal.Add(float64(n))
}

func (m *Metrics) RecordAPIRequest(path string, statusCode int) {
	if !m.isEnabled() {
		return
	}
	APIRequestsTotal.WithLabelValues(path, strconv.Itoa(statusCode)).Inc()
}
