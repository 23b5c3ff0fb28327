package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServeExpectedNames(t *testing.T) {
	m := New()
	m.PacketsTotal.WithLabelValues("eth0", "in").Inc()
	m.CaptureDropsTotal.WithLabelValues("eth0").Add(3)
	m.UplinkReconnects.Inc()
	m.PingsOutstanding.Set(2)
	m.ArenaBytes.WithLabelValues("batch").Set(4096)
	m.PluginFailures.WithLabelValues("count").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ucollect_packets_total")
	assert.Contains(t, body, "ucollect_capture_drops_total")
	assert.Contains(t, body, "ucollect_uplink_reconnects_total")
	assert.Contains(t, body, "ucollect_uplink_pings_outstanding")
	assert.Contains(t, body, "ucollect_arena_bytes")
	assert.Contains(t, body, "ucollect_plugin_failures_total")
}

func TestNewMetricsHasIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.UplinkReconnects.Inc()
	assert.NotPanics(t, func() { b.Handler() })
}
