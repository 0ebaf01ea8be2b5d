package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveOperation("DEPOSIT", ResultOK)
	m.ObserveOperation("DEPOSIT", ResultOK)
	m.ObserveSubmission("SPLIT", ResultRejected, "InvalidProof")
	m.ObserveProof("range", time.Now())
	m.SetPoolBalance("0xabc", 100)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("DEPOSIT", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verifierResults.WithLabelValues("SPLIT", ResultRejected, "InvalidProof")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.poolBalance.WithLabelValues("0xabc")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveSync(ResultOK)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "privutxo_sync_runs_total"))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("x", ResultOK)
	m.ObserveGossip("in")
}
