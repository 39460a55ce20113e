package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ecoboard/metrics"
)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.New()

	m.CompletionRecorded(true)
	m.CompletionRecorded(false)
	m.CompletionRecorded(false)
	m.CompletionFailed()
	m.Divergence()
	m.ReconcileRun(nil)
	m.ReconcileRun(errors.New("db down"))
	m.LeaderboardQuery("week", 20*time.Millisecond)

	n, err := testutil.GatherAndCount(m.Registry(),
		"ecoboard_completions_total",
		"ecoboard_score_divergences_total",
		"ecoboard_reconcile_runs_total",
		"ecoboard_leaderboard_queries_total",
		"ecoboard_leaderboard_query_duration_seconds",
	)
	require.NoError(t, err)
	// 3 completion outcomes + 1 divergence + 2 reconcile results + 1 query + 1 histogram
	assert.Equal(t, 8, n)
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New()
	m.CompletionRecorded(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ecoboard_completions_total{outcome="new"} 1`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.CompletionRecorded(true)
		m.CompletionFailed()
		m.Divergence()
		m.ReconcileRun(nil)
		m.LeaderboardQuery("all", time.Second)
	})
	assert.Nil(t, m.Registry())
}
