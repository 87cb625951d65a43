package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RecordDispatch("create_user", "success")
	m.RecordDispatch("create_user", "success")
	m.RecordLockContention("update_access_point")
	m.SetQueueDepth(3, 1)
	m.SetRealtimeConnected(true)
	m.RecordStaleFlips("heartbeat", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueDispatchTotal.WithLabelValues("create_user", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockContentionTotal.WithLabelValues("update_access_point")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RealtimeConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StaleStatusFlips.WithLabelValues("heartbeat")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAPIRequest("GET", "/access-control/points", "2xx", 0.1)
		m.RecordError("queue", "persist")
		m.SetDBSize(10)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordError("api", "timeout")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `access_agent_errors_total{module="api",type="timeout"} 1`)
}
