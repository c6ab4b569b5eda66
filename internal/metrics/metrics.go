// Package metrics provides Prometheus metrics for the router.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "selfproxy_router"
)

// Metrics contains all Prometheus metrics the router exposes.
type Metrics struct {
	// Flow table metrics
	TCPFlowsActive prometheus.Gauge
	TCPFlowsTotal  prometheus.Counter
	UDPFlowsActive prometheus.Gauge
	UDPFlowsTotal  prometheus.Counter
	TCPEvictions   prometheus.Counter
	UDPEvictions   prometheus.Counter

	// Data transfer metrics
	BytesInTotal  prometheus.Counter
	BytesOutTotal prometheus.Counter

	// SOCKS5 metrics
	Socks5HandshakeLatency prometheus.Histogram
	Socks5Rejections       *prometheus.CounterVec

	// DNS metrics
	DNSQueryLatency prometheus.Histogram
	DNSQueriesTotal prometheus.Counter

	// TUN ingress metrics
	TunPacketsDropped *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, registered
// against the default Prometheus registry on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, for tests that need an isolated registration namespace.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TCPFlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_flows_active",
			Help:      "Number of currently tracked TCP flows",
		}),
		TCPFlowsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_flows_total",
			Help:      "Total number of TCP flows opened",
		}),
		UDPFlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_flows_active",
			Help:      "Number of currently tracked UDP flows",
		}),
		UDPFlowsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_flows_total",
			Help:      "Total number of UDP flows opened",
		}),
		TCPEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_evictions_total",
			Help:      "Total number of TCP flows evicted for idleness or capacity",
		}),
		UDPEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_evictions_total",
			Help:      "Total number of UDP flows evicted for idleness or capacity",
		}),
		BytesInTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_in_total",
			Help:      "Total bytes received from SOCKS5/remote peers and written to the TUN device",
		}),
		BytesOutTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_out_total",
			Help:      "Total bytes read from the TUN device and sent to SOCKS5/remote peers",
		}),
		Socks5HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_handshake_latency_seconds",
			Help:      "Latency of the SOCKS5 greeting plus CONNECT/UDP ASSOCIATE request",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		Socks5Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_rejections_total",
			Help:      "Total SOCKS5 requests rejected, labeled by reply code",
		}, []string{"reply_code"}),
		DNSQueryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dns_query_latency_seconds",
			Help:      "Latency of the SOCKS5 dial plus CONNECT handshake to the resolver for DNS-over-TCP queries",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		DNSQueriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_total",
			Help:      "Total DNS queries proxied",
		}),
		TunPacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tun_packets_dropped_total",
			Help:      "Total packets dropped on ingress, labeled by reason",
		}, []string{"reason"}),
	}
}

// RecordTCPOpen records a new TCP flow.
func (m *Metrics) RecordTCPOpen() {
	m.TCPFlowsActive.Inc()
	m.TCPFlowsTotal.Inc()
}

// RecordTCPClose records a TCP flow closing, for any reason other
// than idle/capacity eviction (use RecordTCPEviction for those).
func (m *Metrics) RecordTCPClose() {
	m.TCPFlowsActive.Dec()
}

// RecordTCPEviction records a TCP flow closing due to idle timeout or
// table capacity.
func (m *Metrics) RecordTCPEviction() {
	m.TCPFlowsActive.Dec()
	m.TCPEvictions.Inc()
}

// RecordUDPOpen records a new UDP flow.
func (m *Metrics) RecordUDPOpen() {
	m.UDPFlowsActive.Inc()
	m.UDPFlowsTotal.Inc()
}

// RecordUDPClose records a UDP flow closing for any reason other than
// idle/capacity eviction.
func (m *Metrics) RecordUDPClose() {
	m.UDPFlowsActive.Dec()
}

// RecordUDPEviction records a UDP flow closing due to idle timeout or
// table capacity.
func (m *Metrics) RecordUDPEviction() {
	m.UDPFlowsActive.Dec()
	m.UDPEvictions.Inc()
}

// RecordBytes accumulates the bidirectional byte counters.
func (m *Metrics) RecordBytes(in, out uint64) {
	if in > 0 {
		m.BytesInTotal.Add(float64(in))
	}
	if out > 0 {
		m.BytesOutTotal.Add(float64(out))
	}
}

// RecordSocks5Handshake records a completed SOCKS5 handshake.
func (m *Metrics) RecordSocks5Handshake(latencySeconds float64) {
	m.Socks5HandshakeLatency.Observe(latencySeconds)
}

// RecordSocks5Rejection records a SOCKS5 request rejected with replyCode.
func (m *Metrics) RecordSocks5Rejection(replyCode string) {
	m.Socks5Rejections.WithLabelValues(replyCode).Inc()
}

// RecordDNSQuery records a DNS-over-TCP query whose SOCKS5 CONNECT to
// the resolver succeeded; latencySeconds covers the dial and handshake,
// not the query's own round trip.
func (m *Metrics) RecordDNSQuery(latencySeconds float64) {
	m.DNSQueriesTotal.Inc()
	m.DNSQueryLatency.Observe(latencySeconds)
}

// RecordTunDrop records a packet dropped on TUN ingress.
func (m *Metrics) RecordTunDrop(reason string) {
	m.TunPacketsDropped.WithLabelValues(reason).Inc()
}
