package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Cycles.Inc()
	m.RowsDropped.WithLabelValues(ReasonMalformed).Add(2)
	m.Reports.WithLabelValues(ResultOK).Inc()
	m.Reports.WithLabelValues(ResultFailed).Inc()
	m.LedgerSize.Set(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RowsDropped.WithLabelValues(ReasonMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reports.WithLabelValues(ResultFailed)))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.LedgerSize))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.NewConns.Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "connwatch_connections_new_total 3")
}
