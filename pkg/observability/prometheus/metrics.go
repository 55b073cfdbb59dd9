// Package prometheus exposes the coordination core's metrics on a
// dedicated registry.
package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "conductor"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics for the bus, registry and
// orchestrator.
type Metrics struct {
	// Bus metrics
	BusMessagesTotal    *prometheus.CounterVec
	BusRequestDuration  *prometheus.HistogramVec
	BusTimeouts         prometheus.Counter
	BusPendingResponses prometheus.Gauge
	BusBroadcastErrors  prometheus.Counter

	// Registry metrics
	RegistryAgents       *prometheus.GaugeVec
	RegistryRoutingRules prometheus.Gauge
	RegistryRouteTotal   *prometheus.CounterVec

	// Orchestrator metrics
	PlansTotal    *prometheus.CounterVec
	FallbackPlans prometheus.Counter
	StepDuration  *prometheus.HistogramVec
	StepFailures  *prometheus.CounterVec
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a new metrics collection
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		BusMessagesTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_bus_messages_total",
				Help: "Total number of messages recorded by the bus",
			},
			[]string{"kind"},
		),
		BusRequestDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_bus_request_duration_seconds",
				Help:    "Request/response round trip duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		BusTimeouts: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_bus_request_timeouts_total",
				Help: "Total number of requests that expired before a response",
			},
		),
		BusPendingResponses: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_bus_pending_responses",
				Help: "Number of live pending-response entries",
			},
		),
		BusBroadcastErrors: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_bus_broadcast_handler_errors_total",
				Help: "Total number of handler errors swallowed during broadcast delivery",
			},
		),

		RegistryAgents: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_registry_agents",
				Help: "Number of registered agents by status",
			},
			[]string{"status"},
		),
		RegistryRoutingRules: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_registry_routing_rules",
				Help: "Number of installed routing rules",
			},
		),
		RegistryRouteTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_registry_route_total",
				Help: "Total number of route resolutions by outcome",
			},
			[]string{"outcome"}, // rule, scan, default, none
		),

		PlansTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_orchestrator_plans_total",
				Help: "Total number of orchestrated plans by outcome",
			},
			[]string{"outcome"}, // completed, failed
		),
		FallbackPlans: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_orchestrator_fallback_plans_total",
				Help: "Total number of single-step fallback plans synthesized after planner failures",
			},
		),
		StepDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_orchestrator_step_duration_seconds",
				Help:    "Plan step execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		StepFailures: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_orchestrator_step_failures_total",
				Help: "Total number of failed plan steps",
			},
			[]string{"agent"},
		),
	}
}
