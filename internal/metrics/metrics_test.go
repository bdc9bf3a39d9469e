package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Update("opportunity")
		m.Push("opportunity", ResultOK, 0.1)
		m.Broadcast("opportunity", ResultApplied)
		m.Invalidate("opportunity")
		m.Bootstrap("opportunity", ResultOK)
		m.Command("closeWon", ResultOK)
		m.Commit("opportunity")
		m.Subscribers("opportunity", 1)
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := New(nil)

	m.Update("contract")
	m.Update("contract")
	m.Push("contract", ResultOK, 0.01)
	m.Push("contract", ResultRejected, 0)
	m.Broadcast("contract", ResultDuplicate)
	m.Subscribers("contract", 2)
	m.Subscribers("contract", -1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.updates.WithLabelValues("contract")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushes.WithLabelValues("contract", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushes.WithLabelValues("contract", ResultRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.broadcasts.WithLabelValues("contract", ResultDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscribers.WithLabelValues("contract")))
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Commit("opportunity")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `entsync_authority_commits_total{topic="opportunity"} 1`)
}
