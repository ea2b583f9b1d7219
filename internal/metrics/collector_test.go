package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerations_CountsPerOutcome(t *testing.T) {
	before := testutil.ToFloat64(Generations.WithLabelValues(OutcomeFallback))
	Generations.WithLabelValues(OutcomeFallback).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Generations.WithLabelValues(OutcomeFallback)))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	Submissions.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "genaichat_submissions_total")
	assert.Contains(t, rec.Body.String(), "genaichat_active_sessions")
}
