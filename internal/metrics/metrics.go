// Package metrics provides Prometheus metrics for JumpTiger.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jumptiger"

// Metrics groups the tunnel-lifecycle instruments served at GET /metrics.
type Metrics struct {
	TunnelsOpened  prometheus.Counter
	TunnelsClosed  prometheus.Counter
	TunnelsActive  prometheus.Gauge
	TunnelLatency  prometheus.Histogram

	BytesIn  prometheus.Counter
	BytesOut prometheus.Counter

	DialFailures       prometheus.Counter
	BadClientRejects   prometheus.Counter
	BadAddressRejects  prometheus.Counter
	ShortHeaderEvents  prometheus.Counter
	TransportErrors    *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide Metrics instance, registered against the
// default Prometheus registerer. Most of the codebase should use an
// explicit instance constructed with NewWithRegistry instead; Default exists
// for call sites (tests, small tools) with no registry of their own to pass.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// New creates a Metrics instance registered against prometheus.DefaultRegisterer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against reg, so the
// monitor HTTP surface can serve an isolated registry per process (and so
// tests don't collide on the global one).
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TunnelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_opened_total",
			Help:      "Total number of tunnels accepted.",
		}),
		TunnelsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_closed_total",
			Help:      "Total number of tunnels that have finished relaying.",
		}),
		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of tunnels currently relaying traffic.",
		}),
		TunnelLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tunnel_duration_seconds",
			Help:      "Histogram of tunnel lifetime from accept to close.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30, 60, 300, 1800},
		}),
		BytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_in_total",
			Help:      "Total bytes accounted as inbound across all tunnels.",
		}),
		BytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_out_total",
			Help:      "Total bytes accounted as outbound across all tunnels.",
		}),
		DialFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total failed outbound connects to an origin server.",
		}),
		BadClientRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_client_rejects_total",
			Help:      "Total connections rejected for a SOCKS5 protocol violation.",
		}),
		BadAddressRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_address_rejects_total",
			Help:      "Total tunnels rejected for a malformed address header.",
		}),
		ShortHeaderEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "short_header_events_total",
			Help:      "Total ingress streams that ended before a complete IV arrived.",
		}),
		TransportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Total relay transport errors by endpoint role.",
		}, []string{"role"}),
	}
}
