// Package metrics exposes the pipeline's operational counters both as
// prometheus collectors and as the aggregate snapshot served by the queue
// metrics API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the delivery pipeline records into.
type Metrics struct {
	Enqueued        prometheus.Counter
	DedupSuppressed prometheus.Counter

	DispatchAttempts   prometheus.Counter
	RateLimited        prometheus.Counter
	GatewayOffline     prometheus.Counter
	Verified           prometheus.Counter
	VerifyMismatches   prometheus.Counter
	Retries            prometheus.Counter
	DeadLettered       prometheus.Counter
	JanitorFlushes     prometheus.Counter
	OperatorFlushes    prometheus.Counter

	PendingDepth    prometheus.Gauge
	DeadLetterDepth prometheus.Gauge

	DeliveryLatency prometheus.Histogram

	latency *latencySampler
}

// New registers the pipeline collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayd_commands_enqueued_total",
			Help: "Display commands accepted into the queue",
		}),
		DedupSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayd_commands_deduplicated_total",
			Help: "Enqueues suppressed because the device already shows the state",
		}),
		DispatchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayd_dispatch_attempts_total",
			Help: "Downlink submissions to the transport",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayd_dispatch_rate_limited_total",
			Help: "Dispatches deferred by a rate bucket",
		}),
		GatewayOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayd_dispatch_gateway_offline_total",
			Help: "Dispatches deferred because the affinity gateway is offline",
		}),
		Verified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayd_commands_verified_total",
			Help: "Commands confirmed applied by a device uplink",
		}),
		VerifyMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayd_verification_mismatches_total",
			Help: "Uplinks that did not match the outstanding command",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayd_dispatch_retries_total",
			Help: "Commands requeued after a verification deadline expired",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayd_commands_dead_lettered_total",
			Help: "Commands moved to the dead-letter set",
		}),
		JanitorFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayd_janitor_flushes_total",
			Help: "Stale entries flushed by the offline-gateway janitor",
		}),
		OperatorFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayd_operator_flushes_total",
			Help: "Entries cleared via the operator flush API",
		}),
		PendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "displayd_queue_pending_depth",
			Help: "Non-terminal queue entries",
		}),
		DeadLetterDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "displayd_dead_letter_depth",
			Help: "Entries in the dead-letter set",
		}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "displayd_delivery_latency_seconds",
			Help:    "Enqueue-to-verification latency",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		latency: newLatencySampler(1024),
	}

	reg.MustRegister(
		m.Enqueued, m.DedupSuppressed,
		m.DispatchAttempts, m.RateLimited, m.GatewayOffline,
		m.Verified, m.VerifyMismatches, m.Retries, m.DeadLettered,
		m.JanitorFlushes, m.OperatorFlushes,
		m.PendingDepth, m.DeadLetterDepth,
		m.DeliveryLatency,
	)
	return m
}

// ObserveDelivery records one successful enqueue-to-verification latency.
func (m *Metrics) ObserveDelivery(seconds float64) {
	m.DeliveryLatency.Observe(seconds)
	m.latency.Observe(seconds)
}

// LatencyQuantiles returns p50/p95/p99 over the recent delivery window,
// in seconds.
func (m *Metrics) LatencyQuantiles() (p50, p95, p99 float64) {
	return m.latency.Quantiles()
}
