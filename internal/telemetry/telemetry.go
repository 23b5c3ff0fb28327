// Package telemetry exposes prometheus counters/gauges for the
// agent's own health — packets per interface, capture drops, uplink
// reconnects, pings outstanding, and arena allocation bytes — scraped
// over an optional /metrics endpoint via
// `github.com/prometheus/client_golang`. This is additive:
// the uplink control channel remains the only required output: a
// process without UCOLLECT_METRICS_ADDR set runs identically without it.
//
// Grounded on 99souls-ariadne/engine/telemetry/metrics's
// PrometheusProvider (one *prometheus.Registry, a fully-qualified-name
// cache per metric so repeated NewX calls for the same name return the
// existing collector instead of double-registering, and a
// promhttp.Handler served from that registry) generalized from that
// provider's name-builder abstraction down to this package's fixed,
// known-in-advance metric set.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the fixed set of counters/gauges this agent reports,
// registered once against a private registry so embedding this package
// never collides with a host process's own default registry.
type Metrics struct {
	registry *prometheus.Registry

	PacketsTotal      *prometheus.CounterVec
	CaptureDropsTotal *prometheus.CounterVec
	UplinkReconnects  prometheus.Counter
	PingsOutstanding  prometheus.Gauge
	ArenaBytes        *prometheus.GaugeVec
	PluginFailures    *prometheus.CounterVec
}

// New registers every metric against a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ucollect_packets_total",
			Help: "Packets observed per interface and direction.",
		}, []string{"interface", "direction"}),
		CaptureDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ucollect_capture_drops_total",
			Help: "Capture-library-reported drops per interface.",
		}, []string{"interface"}),
		UplinkReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ucollect_uplink_reconnects_total",
			Help: "Number of uplink reconnect attempts.",
		}),
		PingsOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ucollect_uplink_pings_outstanding",
			Help: "Unanswered liveness pings on the current uplink session.",
		}),
		ArenaBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ucollect_arena_bytes",
			Help: "Bytes allocated from a named arena since its last reset.",
		}, []string{"arena"}),
		PluginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ucollect_plugin_failures_total",
			Help: "Plugin callback panics observed per plugin.",
		}, []string{"plugin"}),
	}
	reg.MustRegister(m.PacketsTotal, m.CaptureDropsTotal, m.UplinkReconnects, m.PingsOutstanding, m.ArenaBytes, m.PluginFailures)
	return m
}

// Handler returns the /metrics HTTP handler for this Metrics' private
// registry; cmd/ucollect serves it only when the UCOLLECT_METRICS_ADDR
// environment variable is set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
