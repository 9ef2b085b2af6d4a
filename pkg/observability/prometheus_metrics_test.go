package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetricsClient(t *testing.T) {
	reg := prometheus.NewRegistry()
	client := NewPrometheusMetricsClient(reg, "gridsync", "engine", map[string]string{"client": "a"})

	t.Run("Counter accumulates", func(t *testing.T) {
		client.RecordCounter("sends_total", 1, map[string]string{"result": "accepted"})
		client.RecordCounter("sends_total", 2, map[string]string{"result": "accepted"})

		vec := client.counters["sends_total"]
		require.NotNil(t, vec)
		got := testutil.ToFloat64(vec.With(prometheus.Labels{"client": "a", "result": "accepted"}))
		assert.Equal(t, 3.0, got)
	})

	t.Run("Gauge keeps last value", func(t *testing.T) {
		client.RecordGauge("pending_operations", 4, nil)
		client.RecordGauge("pending_operations", 1, nil)

		got := testutil.ToFloat64(client.gauges["pending_operations"].With(prometheus.Labels{"client": "a"}))
		assert.Equal(t, 1.0, got)
	})

	t.Run("Durations land in a histogram", func(t *testing.T) {
		client.RecordDuration("send_latency_seconds", 20*time.Millisecond, nil)

		count, err := testutil.GatherAndCount(reg, "gridsync_engine_send_latency_seconds")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("Unlabelled increment", func(t *testing.T) {
		client.IncrementCounter("compactions_total", 1)
		got := testutil.ToFloat64(client.counters["compactions_total"].With(prometheus.Labels{"client": "a"}))
		assert.Equal(t, 1.0, got)
	})

	assert.NoError(t, client.Close())
}
