// Package metrics provides Prometheus metrics for the SKDP daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "skdp"

// Metrics contains all Prometheus metrics for an SKDP endpoint.
type Metrics struct {
	// Key exchange metrics
	ExchangesTotal   *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram

	// Tunnel metrics
	SessionsActive   prometheus.Gauge
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	PacketsRejected  *prometheus.CounterVec

	// Keepalive metrics
	KeepAlivesSent     prometheus.Counter
	KeepAlivesReceived prometheus.Counter
	KeepAliveRTT       prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance registered with the
// default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates a Metrics instance on its own registry, mainly for tests.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg), reg
}

// NewWithRegistry creates a Metrics instance registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Key exchanges by role and result.",
		}, []string{"role", "result"}),
		ExchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Key exchange wall time.",
			Buckets:   prometheus.DefBuckets,
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Established sessions currently being serviced.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Tunnel messages encrypted and sent.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Tunnel messages received and decrypted.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Plaintext bytes sent through the tunnel.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Plaintext bytes received through the tunnel.",
		}),
		PacketsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_rejected_total",
			Help:      "Inbound packets rejected, by reason.",
		}, []string{"reason"}),
		KeepAlivesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Keepalive probes initiated.",
		}),
		KeepAlivesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_received_total",
			Help:      "Keepalive requests answered.",
		}),
		KeepAliveRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_rtt_seconds",
			Help:      "Round-trip time of answered keepalive probes.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}

	reg.MustRegister(
		m.ExchangesTotal, m.ExchangeDuration,
		m.SessionsActive,
		m.MessagesSent, m.MessagesReceived,
		m.BytesSent, m.BytesReceived,
		m.PacketsRejected,
		m.KeepAlivesSent, m.KeepAlivesReceived, m.KeepAliveRTT,
	)
	return m
}
