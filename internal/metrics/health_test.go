package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveHealth(t *testing.T, h *HealthStatus) (int, healthReport) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var r healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	return rec.Code, r
}

func TestHealth_AllStreamingIsHealthy(t *testing.T) {
	h := NewHealthStatus()
	h.SetFeedState("BTCUSDT", "streaming", true)
	h.SetFeedState("ETHUSDT", "streaming", true)
	h.SetLastCandle("BTCUSDT", time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))

	code, r := serveHealth(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", r.Status)
	assert.Empty(t, r.Degraded)
	assert.Len(t, r.Feeds, 2)
	assert.Equal(t, 2024, r.Feeds["BTCUSDT"].LastCandle.Year())
}

func TestHealth_ReconnectingFeedIsDegraded(t *testing.T) {
	h := NewHealthStatus()
	h.SetFeedState("BTCUSDT", "streaming", true)
	h.SetFeedState("ETHUSDT", "reconnecting", false)

	code, r := serveHealth(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", r.Status)
	assert.Equal(t, []string{"feed:ETHUSDT"}, r.Degraded)
}

func TestHealth_UnconfiguredStoresIgnored(t *testing.T) {
	h := NewHealthStatus()
	h.SetFeedState("BTCUSDT", "streaming", true)

	code, _ := serveHealth(t, h)
	assert.Equal(t, http.StatusOK, code)

	h.EnableSQLite()
	code, r := serveHealth(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, r.Degraded, "sqlite")
}

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CandlesTotal.WithLabelValues("BTCUSDT").Inc()
	m.CandlesTotal.WithLabelValues("BTCUSDT").Inc()
	m.OrdersTotal.WithLabelValues("BTCUSDT", "Buy", "placed").Inc()

	assert.Equal(t, 2.0, counterSum(t, reg, "klinebot_candles_total"))
	assert.Equal(t, 1.0, counterSum(t, reg, "klinebot_orders_total"))

	// a second set on the same registry must collide
	assert.Panics(t, func() { NewMetrics(reg) })
}

func counterSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}
